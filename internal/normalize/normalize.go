// Package normalize maps raw storefront records onto the canonical schema.
//
// Normalization is pure and idempotent: Renormalize of a normalized record
// yields the same record.
package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// ErrEmptyTitle is returned when a title has no indexable characters.
var ErrEmptyTitle = errors.New("title has no indexable characters")

// Config tunes the normalizer.
type Config struct {
	// FuzzyMaxDistance is the largest edit distance accepted when mapping a
	// feature string onto the vocabulary.
	FuzzyMaxDistance int
	DefaultCurrency  string
	// SourceCurrency overrides DefaultCurrency for storefronts that render
	// prices without a code.
	SourceCurrency map[crawler.Source]string
	Vocabulary     []VocabularyEntry
}

// Normalizer implements the raw-to-canonical transformation.
type Normalizer struct {
	cfg      Config
	features *featureMatcher
}

// New builds a Normalizer. A nil vocabulary selects DefaultVocabulary.
func New(cfg Config) *Normalizer {
	if cfg.FuzzyMaxDistance < 0 {
		cfg.FuzzyMaxDistance = 0
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	if cfg.Vocabulary == nil {
		cfg.Vocabulary = DefaultVocabulary()
	}
	return &Normalizer{cfg: cfg, features: newFeatureMatcher(cfg.Vocabulary, cfg.FuzzyMaxDistance)}
}

func (n *Normalizer) currencyFor(src crawler.Source) string {
	if code := n.cfg.SourceCurrency[src]; code != "" {
		return code
	}
	return n.cfg.DefaultCurrency
}

// Normalize converts raw into a NormalizedRecord.
func (n *Normalizer) Normalize(raw crawler.RawRecord) (crawler.NormalizedRecord, error) {
	rec := crawler.NormalizedRecord{
		Source:      raw.Source,
		NativeID:    strings.TrimSpace(raw.NativeID),
		URL:         strings.TrimSpace(raw.URL),
		Title:       CleanText(raw.Title),
		Description: CleanText(raw.Description),
		Developer:   CleanText(raw.Developer),
		Publisher:   CleanText(raw.Publisher),
		ObservedAt:  raw.ObservedAt.UTC(),
	}
	rec.TitleKey = TitleKey(rec.Title)
	if rec.TitleKey == "" {
		return crawler.NormalizedRecord{}, fmt.Errorf("normalize %s: %w", crawler.IdentityKey(raw.Source, raw.NativeID), ErrEmptyTitle)
	}
	rec.DeveloperKey = TitleKey(rec.Developer)
	rec.ReleaseDate, rec.ReleaseStatus = ParseRelease(raw.ReleaseDate, rec.ObservedAt)
	rec.Genres = normalizeGenres(raw.Genres)
	rec.Platforms = ParsePlatforms(raw.Platforms)
	rec.Features = n.features.match(raw.Features)
	rec.Pricing = ParsePrice(raw.Price, n.currencyFor(raw.Source))
	rec.Reviews = normalizeReviews(raw.Scores, raw.ReviewCount)
	rec.Media = normalizeMedia(raw.Media)
	return rec, nil
}

// Renormalize runs a normalized record through Normalize again.
func (n *Normalizer) Renormalize(rec crawler.NormalizedRecord) (crawler.NormalizedRecord, error) {
	return n.Normalize(Project(rec))
}

// Project renders a normalized record back into raw form without losing any
// information Normalize would use.
func Project(rec crawler.NormalizedRecord) crawler.RawRecord {
	raw := crawler.RawRecord{
		Source:      rec.Source,
		NativeID:    rec.NativeID,
		URL:         rec.URL,
		Title:       rec.Title,
		Description: rec.Description,
		Developer:   rec.Developer,
		Publisher:   rec.Publisher,
		ReleaseDate: rec.ReleaseDate,
		Genres:      append([]string(nil), rec.Genres...),
		Platforms:   rec.Platforms.Names(),
		ObservedAt:  rec.ObservedAt,
	}
	if raw.ReleaseDate == "" && rec.ReleaseStatus == crawler.ReleaseUpcoming {
		raw.ReleaseDate = "coming soon"
	}
	for _, f := range rec.Features {
		raw.Features = append(raw.Features, f.Name)
	}
	if p := rec.Pricing; p != nil {
		raw.Price = crawler.RawPrice{
			Current:  p.Current.String(),
			Original: p.Original.String(),
			Discount: p.DiscountPct.String(),
			Currency: p.Currency,
		}
		if p.IsFree {
			raw.Price.Current = "Free"
		}
	}
	for _, s := range []struct {
		kind  crawler.ScoreKind
		score *crawler.Score
	}{
		{crawler.ScoreOverall, rec.Reviews.Overall},
		{crawler.ScoreCritic, rec.Reviews.Critic},
		{crawler.ScoreUser, rec.Reviews.User},
	} {
		if s.score == nil {
			continue
		}
		raw.Scores = append(raw.Scores, crawler.RawScore{
			Kind:  s.kind,
			Value: s.score.Raw.String(),
			Scale: string(s.score.Scale),
			Label: s.score.Label,
		})
	}
	if rec.Reviews.Count != nil {
		raw.ReviewCount = strconv.FormatInt(*rec.Reviews.Count, 10)
	}
	for _, m := range rec.Media {
		raw.Media = append(raw.Media, crawler.RawMedia{Kind: m.Kind, URL: m.URL})
	}
	return raw
}

func normalizeGenres(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, g := range in {
		g = CleanText(strings.Trim(g, ",;|/"))
		key := strings.ToLower(g)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, g)
	}
	sortFold(out)
	return out
}

func normalizeMedia(in []crawler.RawMedia) []crawler.MediaRef {
	seen := make(map[string]struct{}, len(in))
	var out []crawler.MediaRef
	for _, m := range in {
		u := strings.TrimSpace(m.URL)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		kind := m.Kind
		if kind == "" {
			kind = crawler.MediaScreenshot
		}
		out = append(out, crawler.MediaRef{Kind: kind, URL: u})
	}
	return out
}
