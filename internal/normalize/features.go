package normalize

import (
	"sort"

	"github.com/antzucaro/matchr"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// minFuzzyLen keeps short tags such as "vr" or "pvp" out of fuzzy matching,
// where a distance of two would match almost anything.
const minFuzzyLen = 4

// VocabularyEntry is one controlled feature tag with the spellings that map onto it.
type VocabularyEntry struct {
	Name     string
	Synonyms []string
}

// DefaultVocabulary returns the built-in feature vocabulary.
func DefaultVocabulary() []VocabularyEntry {
	return []VocabularyEntry{
		{Name: "single-player", Synonyms: []string{"single player", "singleplayer"}},
		{Name: "multi-player", Synonyms: []string{"multiplayer", "multi player", "online multiplayer"}},
		{Name: "online co-op", Synonyms: []string{"online coop", "online co op", "online cooperative"}},
		{Name: "local co-op", Synonyms: []string{"local coop", "shared split screen co-op", "split screen co-op"}},
		{Name: "co-op", Synonyms: []string{"coop", "cooperative"}},
		{Name: "pvp", Synonyms: []string{"online pvp", "competitive"}},
		{Name: "local multiplayer", Synonyms: []string{"shared split screen", "shared split screen pvp", "split screen"}},
		{Name: "cross-platform multiplayer", Synonyms: []string{"cross platform multiplayer", "crossplay", "cross-play"}},
		{Name: "controller support", Synonyms: []string{"full controller support", "partial controller support"}},
		{Name: "achievements", Synonyms: []string{"steam achievements"}},
		{Name: "cloud saves", Synonyms: []string{"steam cloud", "cloud save", "cloud saves"}},
		{Name: "trading cards", Synonyms: []string{"steam trading cards"}},
		{Name: "workshop", Synonyms: []string{"steam workshop", "mod support"}},
		{Name: "leaderboards", Synonyms: []string{"steam leaderboards"}},
		{Name: "in-app purchases", Synonyms: []string{"in app purchases", "microtransactions"}},
		{Name: "vr support", Synonyms: []string{"vr supported", "vr only", "vr"}},
		{Name: "remote play", Synonyms: []string{"remote play together", "remote play on tv", "remote play on phone"}},
		{Name: "family sharing", Synonyms: []string{"steam family sharing"}},
		{Name: "hdr", Synonyms: []string{"hdr available"}},
	}
}

type featureMatcher struct {
	// exact maps folded names and synonyms to their canonical tag.
	exact map[string]string
	// terms lists every folded spelling in sorted order for fuzzy scanning.
	terms       []string
	maxDistance int
}

func newFeatureMatcher(vocab []VocabularyEntry, maxDistance int) *featureMatcher {
	m := &featureMatcher{exact: make(map[string]string), maxDistance: maxDistance}
	for _, entry := range vocab {
		name := fold(entry.Name)
		if name == "" {
			continue
		}
		m.exact[name] = name
		for _, syn := range entry.Synonyms {
			if s := fold(syn); s != "" {
				if _, taken := m.exact[s]; !taken {
					m.exact[s] = name
				}
			}
		}
	}
	for term := range m.exact {
		m.terms = append(m.terms, term)
	}
	sort.Strings(m.terms)
	return m
}

// lookup maps one folded tag onto the vocabulary.
func (m *featureMatcher) lookup(tag string) (string, bool) {
	if name, ok := m.exact[tag]; ok {
		return name, true
	}
	if len([]rune(tag)) < minFuzzyLen || m.maxDistance == 0 {
		return "", false
	}
	best, bestDist := "", m.maxDistance+1
	for _, term := range m.terms {
		d := matchr.Levenshtein(tag, term)
		name := m.exact[term]
		if d < bestDist || (d == bestDist && name < best) {
			best, bestDist = name, d
		}
	}
	if bestDist > m.maxDistance {
		return "", false
	}
	return best, true
}

func (m *featureMatcher) match(in []string) []crawler.FeatureTag {
	seen := make(map[string]struct{}, len(in))
	var out []crawler.FeatureTag
	for _, raw := range in {
		tag := fold(raw)
		if tag == "" {
			continue
		}
		ft := crawler.FeatureTag{Name: tag, Category: crawler.FeatureUncategorized}
		if name, ok := m.lookup(tag); ok {
			ft = crawler.FeatureTag{Name: name, Category: crawler.FeatureVocabulary}
		}
		if _, dup := seen[ft.Name]; dup {
			continue
		}
		seen[ft.Name] = struct{}{}
		out = append(out, ft)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
