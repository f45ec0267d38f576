// Package dedup resolves normalized records against stored products.
//
// The (source, native id) pair is authoritative. Cross-source matches are
// scored on title and developer similarity; only high-confidence matches are
// linked automatically and the middle band is left for review.
package dedup

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

const (
	titleWeight     = 0.75
	developerWeight = 0.25
	// titleOnlyPenalty discounts matches where either side has no developer.
	titleOnlyPenalty = 0.9
)

// Config holds the similarity thresholds.
type Config struct {
	AutoLinkThreshold  float64
	CandidateThreshold float64
}

// Index is the lookup surface the resolver needs.
type Index interface {
	Lookup(identityKey string) (crawler.ProductRef, bool)
	Candidates(block string) []crawler.ProductRef
}

// Resolver implements identity resolution.
type Resolver struct {
	cfg Config
}

// NewResolver builds a Resolver, defaulting unset thresholds to 0.92 and 0.80.
func NewResolver(cfg Config) *Resolver {
	if cfg.AutoLinkThreshold <= 0 {
		cfg.AutoLinkThreshold = 0.92
	}
	if cfg.CandidateThreshold <= 0 {
		cfg.CandidateThreshold = 0.80
	}
	return &Resolver{cfg: cfg}
}

// Resolve classifies rec as an update, an auto link, a link candidate or a new product.
//
// A known (source, native id) is always an update of that product. If the
// product has never been linked, cross-source matches are still scored so a
// product first stored while its counterpart was being crawled concurrently
// is linked on a later visit.
func (r *Resolver) Resolve(rec crawler.NormalizedRecord, idx Index) crawler.Resolution {
	fallback := crawler.Resolution{Kind: crawler.ResolveNew}
	if ref, ok := idx.Lookup(rec.IdentityKey()); ok {
		fallback = crawler.Resolution{Kind: crawler.ResolveUpdate, ProductID: ref.ID, Confidence: 1}
		if ref.Linked {
			return fallback
		}
	}

	best, bestScore := bestMatch(rec, idx)
	switch {
	case bestScore >= r.cfg.AutoLinkThreshold:
		return crawler.Resolution{Kind: crawler.ResolveAutoLink, ProductID: best.ID, Confidence: bestScore}
	case bestScore >= r.cfg.CandidateThreshold:
		return crawler.Resolution{Kind: crawler.ResolveCandidate, ProductID: best.ID, Confidence: bestScore}
	default:
		return fallback
	}
}

// bestMatch returns the highest scoring product from another source in rec's
// block. Ties go to the lowest product id.
func bestMatch(rec crawler.NormalizedRecord, idx Index) (crawler.ProductRef, float64) {
	subject := crawler.ProductRef{Source: rec.Source, TitleKey: rec.TitleKey, DeveloperKey: rec.DeveloperKey}
	var (
		best      crawler.ProductRef
		bestScore float64
	)
	for _, cand := range idx.Candidates(BlockKey(rec.TitleKey)) {
		if cand.Source == rec.Source {
			continue
		}
		score := Similarity(subject, cand)
		if score > bestScore || (score == bestScore && score > 0 && cand.ID < best.ID) {
			best, bestScore = cand, score
		}
	}
	return best, bestScore
}

// Similarity scores two products on a 0-1 scale.
func Similarity(a, b crawler.ProductRef) float64 {
	if a.TitleKey == "" || b.TitleKey == "" {
		return 0
	}
	title := jaroWinkler(a.TitleKey, b.TitleKey)
	if a.DeveloperKey == "" || b.DeveloperKey == "" {
		return title * titleOnlyPenalty
	}
	return titleWeight*title + developerWeight*jaroWinkler(a.DeveloperKey, b.DeveloperKey)
}

func jaroWinkler(a, b string) float64 {
	if a == b {
		return 1
	}
	return matchr.JaroWinkler(a, b, false)
}

// BlockKey is the first token of a title key. Only products sharing a block
// are compared.
func BlockKey(titleKey string) string {
	if i := strings.IndexByte(titleKey, ' '); i >= 0 {
		return titleKey[:i]
	}
	return titleKey
}
