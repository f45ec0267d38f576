package normalize

import (
	"strings"
	"time"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

var releaseLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2 Jan, 2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 January 2006",
	"2 January, 2006",
	"1/2/2006",
	"1/2/06",
	"Jan 2006",
	"January 2006",
	"2006",
}

var upcomingMarkers = []string{"coming soon", "to be announced", "tba", "tbd", "coming", "pre-order", "preorder"}

// ParseRelease maps a display date to YYYY-MM-DD and derives the release status
// relative to observedAt. Unparseable dates yield an empty date.
func ParseRelease(raw string, observedAt time.Time) (string, crawler.ReleaseStatus) {
	s := CleanText(raw)
	if s == "" {
		return "", crawler.ReleaseUnknown
	}
	lower := strings.ToLower(s)
	lower = strings.TrimPrefix(lower, "release date:")
	lower = strings.TrimSpace(strings.TrimPrefix(lower, "released"))
	for _, marker := range upcomingMarkers {
		if lower == marker || strings.HasPrefix(lower, marker+" ") {
			return "", crawler.ReleaseUpcoming
		}
	}

	candidate := s
	if i := strings.IndexByte(s, ':'); i >= 0 && !strings.ContainsAny(s[:i], "0123456789") {
		candidate = strings.TrimSpace(s[i+1:])
	}
	for _, layout := range releaseLayouts {
		t, err := time.Parse(layout, candidate)
		if err != nil {
			continue
		}
		date := t.Format("2006-01-02")
		if observedAt.IsZero() {
			return date, crawler.ReleaseReleased
		}
		if date > observedAt.UTC().Format("2006-01-02") {
			return date, crawler.ReleaseUpcoming
		}
		return date, crawler.ReleaseReleased
	}
	return "", crawler.ReleaseUnknown
}
