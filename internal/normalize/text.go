package normalize

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var trademarkStripper = strings.NewReplacer("™", "", "®", "", "©", "", "℠", "")

// CleanText applies NFKC, removes trademark symbols and control characters,
// and collapses whitespace.
func CleanText(s string) string {
	s = trademarkStripper.Replace(s)
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

var articles = []string{"the ", "a ", "an "}

// TitleKey folds a title into the key used for cross-source matching: accents
// and punctuation removed, lowercased, leading article dropped.
func TitleKey(s string) string {
	s = stripMarks(CleanText(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '\'' || r == '’':
			// "Assassin's" and "Assassins" share a key.
		default:
			b.WriteRune(' ')
		}
	}
	key := strings.Join(strings.Fields(b.String()), " ")
	for _, a := range articles {
		if strings.HasPrefix(key, a) && len(key) > len(a) {
			return key[len(a):]
		}
	}
	return key
}

func stripMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// fold lowercases and strips everything but letters, digits, spaces and hyphens.
func fold(s string) string {
	s = strings.ToLower(stripMarks(CleanText(s)))
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func sortFold(s []string) {
	sort.SliceStable(s, func(i, j int) bool {
		li, lj := strings.ToLower(s[i]), strings.ToLower(s[j])
		if li != lj {
			return li < lj
		}
		return s[i] < s[j]
	})
}
