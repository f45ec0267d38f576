package normalize

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// steamLabels maps review summary labels onto the 0-100 scale.
var steamLabels = map[string]int64{
	"overwhelmingly positive": 95,
	"very positive":           85,
	"positive":                75,
	"mostly positive":         70,
	"mixed":                   50,
	"mostly negative":         30,
	"negative":                25,
	"very negative":           15,
	"overwhelmingly negative": 5,
}

var scaleMax = map[crawler.ScaleKind]decimal.Decimal{
	crawler.ScaleFive:    decimal.NewFromInt(5),
	crawler.ScaleTen:     decimal.NewFromInt(10),
	crawler.ScaleHundred: decimal.NewFromInt(100),
	crawler.ScalePercent: decimal.NewFromInt(100),
	crawler.ScaleLabel:   decimal.NewFromInt(100),
}

// ParseScore converts a displayed score into the canonical 0-100 scale while
// keeping the raw value and scale. It returns nil for unparseable or
// out-of-range values.
func ParseScore(raw crawler.RawScore) *crawler.Score {
	value := CleanText(raw.Value)
	label := CleanText(raw.Label)
	hint := scaleHint(raw.Scale)

	if num, den, ok := strings.Cut(value, "/"); ok {
		v, okV := parseAmount(num)
		m, okM := parseAmount(den)
		if !okV || !okM || !m.IsPositive() {
			return nil
		}
		hint = scaleFor(m)
		if hint == "" {
			return build(v, m, crawler.ScaleHundred, label, true)
		}
		return build(v, scaleMax[hint], hint, label, false)
	}
	if strings.HasSuffix(value, "%") {
		hint = crawler.ScalePercent
	}

	v, ok := parseAmount(value)
	if !ok {
		if pct, found := steamLabels[strings.ToLower(label)]; found && label != "" {
			return &crawler.Score{
				Canonical: decimal.NewFromInt(pct),
				Raw:       decimal.NewFromInt(pct),
				Scale:     crawler.ScaleLabel,
				Label:     label,
			}
		}
		return nil
	}
	if hint == "" {
		hint = inferScale(v)
	}
	return build(v, scaleMax[hint], hint, label, false)
}

// build rescales v from [0, top] to [0, 100]. When convertRaw is set the raw
// value is stored already rescaled, for fractions with unusual denominators.
func build(v, top decimal.Decimal, scale crawler.ScaleKind, label string, convertRaw bool) *crawler.Score {
	if v.IsNegative() || v.GreaterThan(top) {
		return nil
	}
	canonical := v.Div(top).Mul(hundred).Round(2)
	raw := v
	if convertRaw {
		raw = canonical
	}
	return &crawler.Score{Canonical: canonical, Raw: raw, Scale: scale, Label: label}
}

func scaleHint(s string) crawler.ScaleKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "5", "five":
		return crawler.ScaleFive
	case "10", "ten":
		return crawler.ScaleTen
	case "100", "hundred":
		return crawler.ScaleHundred
	case "%", "percent":
		return crawler.ScalePercent
	case "label":
		return crawler.ScaleLabel
	default:
		return ""
	}
}

func scaleFor(top decimal.Decimal) crawler.ScaleKind {
	for _, kind := range []crawler.ScaleKind{crawler.ScaleFive, crawler.ScaleTen, crawler.ScaleHundred} {
		if top.Equal(scaleMax[kind]) {
			return kind
		}
	}
	return ""
}

func inferScale(v decimal.Decimal) crawler.ScaleKind {
	if v.LessThanOrEqual(decimal.NewFromInt(10)) && !v.IsInteger() {
		return crawler.ScaleTen
	}
	return crawler.ScaleHundred
}

func normalizeReviews(scores []crawler.RawScore, count string) crawler.Reviews {
	var out crawler.Reviews
	for _, raw := range scores {
		s := ParseScore(raw)
		if s == nil {
			continue
		}
		switch raw.Kind {
		case crawler.ScoreCritic:
			out.Critic = s
		case crawler.ScoreUser:
			out.User = s
		default:
			out.Overall = s
		}
	}
	if c, ok := parseCount(count); ok {
		out.Count = &c
	}
	return out
}

// maxCountDigits keeps review counts well inside int64.
const maxCountDigits = 18

func parseCount(s string) (int64, bool) {
	var n int64
	var digits int
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			if digits == maxCountDigits {
				return 0, false
			}
			n = n*10 + int64(r-'0')
			digits++
		case r == ',' || r == '.' || r == ' ' || r == '\u00a0' || r == '\'':
		default:
			if digits > 0 {
				return n, true
			}
		}
	}
	return n, digits > 0
}
