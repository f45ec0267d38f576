package normalize

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

var hundred = decimal.NewFromInt(100)

// currencySymbols is checked in order, so multi-character symbols that embed
// "$" come before the bare dollar sign.
var currencySymbols = []struct {
	symbol string
	iso    string
}{
	{"R$", "BRL"},
	{"CA$", "CAD"},
	{"CDN$", "CAD"},
	{"A$", "AUD"},
	{"AU$", "AUD"},
	{"NZ$", "NZD"},
	{"HK$", "HKD"},
	{"MX$", "MXN"},
	{"US$", "USD"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"₩", "KRW"},
	{"₽", "RUB"},
	{"₹", "INR"},
	{"₺", "TRY"},
	{"zł", "PLN"},
	{"CHF", "CHF"},
}

// ParsePrice converts display prices into decimal amounts. It returns nil when
// no price was observed.
func ParsePrice(raw crawler.RawPrice, defaultCurrency string) *crawler.Pricing {
	current := strings.TrimSpace(raw.Current)
	original := strings.TrimSpace(raw.Original)
	if current == "" && original == "" {
		return nil
	}

	p := &crawler.Pricing{Currency: detectCurrency(raw, defaultCurrency)}
	cur, curOK := parseAmount(current)
	switch {
	case isFreeText(current):
		p.IsFree = true
		cur, curOK = decimal.Zero, true
	case curOK && cur.IsZero():
		p.IsFree = true
	}
	orig, origOK := parseAmount(original)

	switch {
	case !curOK && !origOK:
		return nil
	case !curOK:
		cur = orig
	case !origOK:
		orig = originalFromDiscount(cur, raw.Discount)
	}
	p.Current = cur.Round(2)
	p.Original = orig.Round(2)
	p.DiscountPct = discountPct(p.Original, p.Current)
	return p
}

// discountPct recomputes the discount from the two prices, clamped at zero.
func discountPct(original, current decimal.Decimal) decimal.Decimal {
	if !original.IsPositive() || current.GreaterThanOrEqual(original) {
		return decimal.Zero
	}
	return original.Sub(current).Div(original).Mul(hundred).Round(2)
}

// originalFromDiscount derives the pre-discount price when only the current
// price and a percentage were shown.
func originalFromDiscount(current decimal.Decimal, rawDiscount string) decimal.Decimal {
	pct, ok := parseAmount(rawDiscount)
	if !ok {
		return current
	}
	pct = pct.Abs()
	if !pct.IsPositive() || pct.GreaterThanOrEqual(hundred) {
		return current
	}
	return current.Div(decimal.NewFromInt(1).Sub(pct.Div(hundred))).Round(2)
}

func isFreeText(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "free") || strings.Contains(lower, "gratuit") || strings.Contains(lower, "kostenlos")
}

func detectCurrency(raw crawler.RawPrice, fallback string) string {
	if code := strings.ToUpper(strings.TrimSpace(raw.Currency)); code != "" {
		if unit, err := currency.ParseISO(code); err == nil {
			return unit.String()
		}
	}
	for _, text := range []string{raw.Current, raw.Original} {
		upper := strings.ToUpper(text)
		for _, field := range strings.FieldsFunc(upper, func(r rune) bool { return !unicode.IsLetter(r) }) {
			if len(field) != 3 {
				continue
			}
			if unit, err := currency.ParseISO(field); err == nil {
				return unit.String()
			}
		}
		for _, cs := range currencySymbols {
			if strings.Contains(text, cs.symbol) {
				return cs.iso
			}
		}
	}
	if unit, err := currency.ParseISO(strings.ToUpper(fallback)); err == nil {
		return unit.String()
	}
	return "USD"
}

// parseAmount extracts a decimal from display text such as "$1,234.50",
// "1.234,50 €" or "-35%". The last separator followed by one or two digits is
// the decimal point.
func parseAmount(s string) (decimal.Decimal, bool) {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	num := strings.Trim(b.String(), ".,")
	if num == "" {
		return decimal.Zero, false
	}

	lastSep := strings.LastIndexAny(num, ".,")
	if lastSep >= 0 {
		intPart, frac := num[:lastSep], num[lastSep+1:]
		sep := num[lastSep]
		// Exactly three trailing digits after a non-zero integer part is a
		// thousands group: "1.299" and "1,299" are both 1299.
		grouped := len(frac) == 3 && intPart != "0"
		isDecimal := len(frac) <= 2 ||
			(!grouped && sep == '.' && strings.Count(num, ".") == 1 && !strings.Contains(intPart, ","))
		if isDecimal {
			intPart = strings.NewReplacer(".", "", ",", "").Replace(intPart)
			num = intPart + "." + frac
		} else {
			num = strings.NewReplacer(".", "", ",", "").Replace(num)
		}
	}
	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
