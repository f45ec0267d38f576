package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// Product is a stored product row.
type Product struct {
	ID            string
	Record        crawler.NormalizedRecord
	DegradedMedia bool
	MissedRuns    int
	Delisted      bool
	FirstSeen     time.Time
	LastSeen      time.Time
	LastRunID     string
}

// PricingSnapshot is one append-only price observation.
type PricingSnapshot struct {
	ProductID  string
	RunID      string
	Pricing    crawler.Pricing
	ObservedAt time.Time
}

// ReviewSnapshot is one append-only review observation.
type ReviewSnapshot struct {
	ProductID  string
	RunID      string
	Reviews    crawler.Reviews
	ObservedAt time.Time
}

// IdentityLink joins two products from different sources.
type IdentityLink struct {
	ProductID       string
	LinkedProductID string
	Confidence      float64
	Status          crawler.LinkStatus
	CreatedAt       time.Time
}

type assetKey struct {
	productID string
	hash      string
}

type linkKey struct {
	productID string
	linkedID  string
}

// CatalogStore implements crawler.CatalogStore in memory. Every commit is
// applied atomically under one lock.
type CatalogStore struct {
	mu       sync.RWMutex
	products map[string]*Product // by identity key
	pricing  []PricingSnapshot
	reviews  []ReviewSnapshot
	assets   map[assetKey]crawler.MediaAsset
	links    map[linkKey]IdentityLink
	failures []crawler.FailureRecord
}

// NewCatalogStore constructs an empty CatalogStore.
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{
		products: make(map[string]*Product),
		assets:   make(map[assetKey]crawler.MediaAsset),
		links:    make(map[linkKey]IdentityLink),
	}
}

// CommitProduct upserts the product and appends its snapshots, assets, features and links.
func (s *CatalogStore) CommitProduct(ctx context.Context, req crawler.CommitRequest) (crawler.CommitOutcome, error) {
	if err := ctx.Err(); err != nil {
		return crawler.CommitOutcome{}, fmt.Errorf("commit product: %w", err)
	}
	rec := req.Record
	key := rec.IdentityKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[key]
	if !exists && req.NewProductID == "" {
		return crawler.CommitOutcome{}, fmt.Errorf("commit product %s: new product id is required", key)
	}
	if !exists {
		product = &Product{ID: req.NewProductID, FirstSeen: rec.ObservedAt}
		s.products[key] = product
	}
	product.Record = rec
	product.DegradedMedia = req.DegradedMedia
	product.MissedRuns = 0
	product.Delisted = false
	product.LastSeen = rec.ObservedAt
	product.LastRunID = req.RunID

	if rec.Pricing != nil {
		s.pricing = append(s.pricing, PricingSnapshot{
			ProductID: product.ID, RunID: req.RunID, Pricing: *rec.Pricing, ObservedAt: rec.ObservedAt,
		})
	}
	if !rec.Reviews.Empty() {
		s.reviews = append(s.reviews, ReviewSnapshot{
			ProductID: product.ID, RunID: req.RunID, Reviews: rec.Reviews, ObservedAt: rec.ObservedAt,
		})
	}
	for _, asset := range req.Assets {
		asset.ProductID = product.ID
		k := assetKey{productID: product.ID, hash: asset.ContentHash}
		if _, ok := s.assets[k]; ok {
			continue
		}
		s.assets[k] = asset
	}
	if status, ok := crawler.LinkStatusFor(req.Resolution.Kind); ok && req.Resolution.ProductID != product.ID {
		k := linkKey{productID: product.ID, linkedID: req.Resolution.ProductID}
		link, seen := s.links[k]
		if !seen {
			link.CreatedAt = rec.ObservedAt
		}
		link.ProductID = product.ID
		link.LinkedProductID = req.Resolution.ProductID
		link.Confidence = req.Resolution.Confidence
		link.Status = status
		s.links[k] = link
	}
	return crawler.CommitOutcome{ProductID: product.ID, Created: !exists}, nil
}

// FindAsset returns the stored asset of a product with the given content hash.
func (s *CatalogStore) FindAsset(
	_ context.Context,
	source crawler.Source,
	nativeID, contentHash string,
) (crawler.MediaAsset, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	product, ok := s.products[crawler.IdentityKey(source, nativeID)]
	if !ok {
		return crawler.MediaAsset{}, false, nil
	}
	asset, ok := s.assets[assetKey{productID: product.ID, hash: contentHash}]
	return asset, ok, nil
}

// ListProductRefs returns every product ordered by id.
func (s *CatalogStore) ListProductRefs(_ context.Context) ([]crawler.ProductRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	linked := make(map[string]bool, len(s.links)*2)
	for k := range s.links {
		linked[k.productID] = true
		linked[k.linkedID] = true
	}
	out := make([]crawler.ProductRef, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, crawler.ProductRef{
			ID:           p.ID,
			Source:       p.Record.Source,
			NativeID:     p.Record.NativeID,
			TitleKey:     p.Record.TitleKey,
			DeveloperKey: p.Record.DeveloperKey,
			Linked:       linked[p.ID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkDelisted bumps missed_runs for products of source absent from seen and
// delists those reaching threshold. It returns the number newly delisted.
func (s *CatalogStore) MarkDelisted(_ context.Context, source crawler.Source, seen []string, threshold int) (int, error) {
	seenSet := make(map[string]struct{}, len(seen))
	for _, id := range seen {
		seenSet[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delisted := 0
	for _, p := range s.products {
		if p.Record.Source != source || p.Delisted {
			continue
		}
		if _, ok := seenSet[p.Record.NativeID]; ok {
			p.MissedRuns = 0
			continue
		}
		p.MissedRuns++
		if p.MissedRuns >= threshold {
			p.Delisted = true
			delisted++
		}
	}
	return delisted, nil
}

// RecordFailure appends a failure row.
func (s *CatalogStore) RecordFailure(_ context.Context, rec crawler.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, rec)
	return nil
}

// ListLinkCandidates returns pending links, newest first.
func (s *CatalogStore) ListLinkCandidates(_ context.Context, limit int) ([]crawler.LinkCandidate, error) {
	s.mu.RLock()
	out := make([]crawler.LinkCandidate, 0)
	for _, link := range s.links {
		if link.Status != crawler.LinkStatusCandidate {
			continue
		}
		out = append(out, crawler.LinkCandidate{
			ProductID:       link.ProductID,
			LinkedProductID: link.LinkedProductID,
			Confidence:      link.Confidence,
			CreatedAt:       link.CreatedAt,
		})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *CatalogStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *CatalogStore) Close() error { return nil }

// Product returns a copy of the product stored under an identity key.
func (s *CatalogStore) Product(identityKey string) (Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[identityKey]
	if !ok {
		return Product{}, false
	}
	return *p, true
}

// ProductCount returns the number of stored products.
func (s *CatalogStore) ProductCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.products)
}

// PricingSnapshots returns the price history of a product in insertion order.
func (s *CatalogStore) PricingSnapshots(productID string) []PricingSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PricingSnapshot
	for _, snap := range s.pricing {
		if snap.ProductID == productID {
			out = append(out, snap)
		}
	}
	return out
}

// ReviewSnapshots returns the review history of a product in insertion order.
func (s *CatalogStore) ReviewSnapshots(productID string) []ReviewSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ReviewSnapshot
	for _, snap := range s.reviews {
		if snap.ProductID == productID {
			out = append(out, snap)
		}
	}
	return out
}

// Assets returns a product's media ordered by content hash.
func (s *CatalogStore) Assets(productID string) []crawler.MediaAsset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.MediaAsset
	for k, asset := range s.assets {
		if k.productID == productID {
			out = append(out, asset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentHash < out[j].ContentHash })
	return out
}

// Links returns every identity link ordered by product id.
func (s *CatalogStore) Links() []IdentityLink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IdentityLink, 0, len(s.links))
	for _, link := range s.links {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID == out[j].ProductID {
			return out[i].LinkedProductID < out[j].LinkedProductID
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out
}

// Failures returns recorded failures in insertion order.
func (s *CatalogStore) Failures() []crawler.FailureRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.FailureRecord(nil), s.failures...)
}
