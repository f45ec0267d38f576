package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cpmemory "github.com/JakeFAU/game-catalog-crawler/internal/checkpoint/memory"
	"github.com/JakeFAU/game-catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/game-catalog-crawler/internal/commit"
	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/game-catalog-crawler/internal/dedup"
	"github.com/JakeFAU/game-catalog-crawler/internal/fetcher"
	"github.com/JakeFAU/game-catalog-crawler/internal/hash/sha256"
	"github.com/JakeFAU/game-catalog-crawler/internal/id/uuid"
	lockmemory "github.com/JakeFAU/game-catalog-crawler/internal/lock/memory"
	"github.com/JakeFAU/game-catalog-crawler/internal/normalize"
	"github.com/JakeFAU/game-catalog-crawler/internal/progress"
	"github.com/JakeFAU/game-catalog-crawler/internal/storage/memory"
)

const (
	listingTmpl = "https://store.test/search?page={page}"
	appPrefix   = "https://store.test/app/"
)

type fakeSession struct {
	mu      sync.Mutex
	calls   []string
	gates   map[string]chan struct{}
	entered chan string
}

func newFakeSession() *fakeSession {
	return &fakeSession{gates: map[string]chan struct{}{}, entered: make(chan string, 8)}
}

func (s *fakeSession) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.RenderedPage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.URL)
	gate := s.gates[req.URL]
	s.mu.Unlock()
	if gate != nil {
		s.entered <- req.URL
		<-gate
	}
	return crawler.RenderedPage{URL: req.URL, FinalURL: req.URL, StatusCode: 200, HTML: []byte("<html></html>")}, nil
}

func (s *fakeSession) Rotate(context.Context) error { return nil }

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) block(url string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.gates[url] = gate
	return gate
}

func (s *fakeSession) fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fakeFactory struct{ sess *fakeSession }

func (f fakeFactory) NewSession(context.Context) (crawler.Session, error) { return f.sess, nil }

type game struct{ title, developer string }

type fakeExtractor struct {
	source   crawler.Source
	mu       sync.Mutex
	listings map[string]crawler.ListingPage
	games    map[string]game
}

func newFakeExtractor(src crawler.Source) *fakeExtractor {
	return &fakeExtractor{source: src, listings: map[string]crawler.ListingPage{}, games: map[string]game{}}
}

func (e *fakeExtractor) Source() crawler.Source { return e.source }

func (e *fakeExtractor) ParseListing(page crawler.RenderedPage) (crawler.ListingPage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listings[page.URL], nil
}

func (e *fakeExtractor) setListing(url string, lp crawler.ListingPage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listings[url] = lp
}

func (e *fakeExtractor) setGame(id, title, developer string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.games[id] = game{title: title, developer: developer}
}

func (e *fakeExtractor) Extract(page crawler.RenderedPage) (crawler.RawRecord, error) {
	id, ok := e.NativeID(page.URL)
	if !ok {
		return crawler.RawRecord{}, &crawler.ExtractError{Source: e.source, URL: page.URL, MissingFields: []string{"title"}}
	}
	e.mu.Lock()
	g, known := e.games[id]
	e.mu.Unlock()
	if !known {
		g = game{title: "Game " + id, developer: "Studio " + id}
	}
	return crawler.RawRecord{
		Source:     e.source,
		NativeID:   id,
		URL:        page.URL,
		Title:      g.title,
		Developer:  g.developer,
		Price:      crawler.RawPrice{Current: "$9.99", Original: "$9.99"},
		ObservedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (e *fakeExtractor) NativeID(rawURL string) (string, bool) {
	id := strings.TrimPrefix(rawURL, appPrefix)
	if id == rawURL || id == "" {
		return "", false
	}
	return id, true
}

type extractors map[crawler.Source]*fakeExtractor

func (x extractors) For(src crawler.Source) (crawler.Extractor, error) {
	ext, ok := x[src]
	if !ok {
		return nil, errors.New("no extractor")
	}
	return ext, nil
}

type noSleep struct{}

func (noSleep) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

type harness struct {
	orch        *Orchestrator
	session     *fakeSession
	extractor   *fakeExtractor
	extractors  extractors
	catalog     *memory.CatalogStore
	checkpoints *cpmemory.Store
	events      *recordingEmitter
}

// newHarness wires an orchestrator with a fake extractor per source; Steam is
// always present and is h.extractor.
func newHarness(t *testing.T, cfg Config, more ...crawler.Source) harness {
	t.Helper()
	h := harness{
		session:     newFakeSession(),
		extractors:  extractors{crawler.SourceSteam: newFakeExtractor(crawler.SourceSteam)},
		catalog:     memory.NewCatalogStore(),
		checkpoints: cpmemory.New(),
		events:      &recordingEmitter{},
	}
	for _, src := range more {
		h.extractors[src] = newFakeExtractor(src)
	}
	h.extractor = h.extractors[crawler.SourceSteam]
	committer, err := commit.New(commit.Config{}, commit.Deps{
		Catalog: h.catalog,
		Blobs:   memory.NewBlobStore("primary"),
		Hasher:  sha256.New(),
		Locker:  lockmemory.New(),
		IDs:     uuid.New(),
	})
	require.NoError(t, err)

	policy := crawler.NewExponentialRetryPolicy(crawler.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond})
	h.orch, err = New(cfg, Deps{
		Sessions:    fakeFactory{sess: h.session},
		Fetcher:     fetcher.NewRetrier(policy, noSleep{}, zap.NewNop()),
		Extractors:  h.extractors,
		Normalizer:  normalize.New(normalize.Config{}),
		Resolver:    dedup.NewResolver(dedup.Config{}),
		Committer:   committer,
		Catalog:     h.catalog,
		Checkpoints: h.checkpoints,
		Progress:    h.events,
		IDs:         uuid.New(),
		Clock:       system.New(),
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	return h
}

func spec(maxPages int) SourceSpec {
	return sourceSpec(crawler.SourceSteam, maxPages)
}

func sourceSpec(src crawler.Source, maxPages int) SourceSpec {
	return SourceSpec{
		Source:     src,
		ListingURL: listingTmpl,
		PageSize:   2,
		MaxPages:   maxPages,
		Listing:    crawler.FetchRequest{WaitSelector: "#search_resultsRows > a"},
		Detail:     crawler.FetchRequest{WaitSelector: ".apphub_AppName"},
	}
}

func page(n int) string {
	return ListingURL(listingTmpl, n, 2)
}

func app(id string) string { return appPrefix + id }

func TestListingURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tmpl string
		page int
		size int
		want string
	}{
		{name: "page", tmpl: "https://s/search?page={page}", page: 3, size: 50, want: "https://s/search?page=3"},
		{name: "offset", tmpl: "https://e/browse?start={offset}&count=40", page: 3, size: 40, want: "https://e/browse?start=80&count=40"},
		{name: "first offset", tmpl: "https://e/browse?start={offset}", page: 1, size: 40, want: "https://e/browse?start=0"},
		{name: "no placeholders", tmpl: "https://s/top", page: 2, size: 10, want: "https://s/top"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ListingURL(tt.tmpl, tt.page, tt.size))
		})
	}
}

func TestRunCompletesAndClearsCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Concurrency: 2})
	h.extractor.setListing(page(1), crawler.ListingPage{DetailURLs: []string{app("1"), app("2")}, HasNext: true})
	h.extractor.setListing(page(2), crawler.ListingPage{DetailURLs: []string{app("2"), app("3")}, HasNext: false})

	res, err := h.orch.Run(context.Background(), spec(5))
	require.NoError(t, err)
	assert.Equal(t, crawler.StateCompleted, res.State)
	assert.False(t, res.Resumed)
	assert.False(t, res.Stopped)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, crawler.RunCounters{Listed: 3, Succeeded: 3, Created: 3}, res.Counters)
	assert.Equal(t, 3, h.catalog.ProductCount())

	_, found, err := h.checkpoints.Load(context.Background(), crawler.SourceSteam)
	require.NoError(t, err)
	assert.False(t, found, "checkpoint cleared on completion")

	stages := h.events.stages()
	require.Len(t, stages, 5)
	assert.Equal(t, progress.StageRunStart, stages[0])
	assert.Equal(t, progress.StageRunDone, stages[4])
	assert.Empty(t, h.orch.Active())
}

func TestRunListingStructureFailureIsRetriedNextRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Concurrency: 1})
	h.extractor.setListing(page(1), crawler.ListingPage{})

	res, err := h.orch.Run(context.Background(), spec(5))
	require.Error(t, err)
	assert.ErrorIs(t, err, crawler.ErrListingStructure)
	assert.Equal(t, crawler.StateFailed, res.State)

	cp, found, loadErr := h.checkpoints.Load(context.Background(), crawler.SourceSteam)
	require.NoError(t, loadErr)
	require.True(t, found)
	assert.Equal(t, crawler.StateFailed, cp.State)
	assert.Equal(t, "listing_structure", cp.Reason)

	failures := h.catalog.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, crawler.StageListing, failures[0].Stage)
	assert.Equal(t, page(1), failures[0].URL)
	assert.Contains(t, h.events.stages(), progress.StageRunError)

	h.extractor.setListing(page(1), crawler.ListingPage{DetailURLs: []string{app("7")}})
	res, err = h.orch.Run(context.Background(), spec(5))
	require.NoError(t, err)
	assert.Equal(t, crawler.StateCompleted, res.State)
	assert.Equal(t, 1, h.catalog.ProductCount())
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Concurrency: 1})
	require.NoError(t, h.checkpoints.Save(context.Background(), crawler.Checkpoint{
		Source: crawler.SourceSteam,
		RunID:  "0191f3a2-7c4e-7d7a-9b1e-3f2a8c6d5e41",
		State:  crawler.StateDetailFetch,
		Queue:  []string{app("1"), app("2"), app("3")},
		Done:   map[string]struct{}{app("1"): {}},
	}))

	res, err := h.orch.Run(context.Background(), spec(5))
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, "0191f3a2-7c4e-7d7a-9b1e-3f2a8c6d5e41", res.RunID)
	assert.Equal(t, crawler.StateCompleted, res.State)
	assert.Equal(t, crawler.RunCounters{Listed: 3, Succeeded: 2, Created: 2, Skipped: 1}, res.Counters)

	assert.ElementsMatch(t, []string{app("2"), app("3")}, h.session.fetched(), "no listing, no done items")
}

func TestStopLeavesResumableCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Concurrency: 1})
	h.extractor.setListing(page(1), crawler.ListingPage{DetailURLs: []string{app("1"), app("2"), app("3")}})
	gate := h.session.block(app("1"))

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.orch.Run(context.Background(), spec(1))
		done <- outcome{res, err}
	}()

	select {
	case <-h.session.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first item was never fetched")
	}
	require.Len(t, h.orch.Active(), 1)
	assert.True(t, h.orch.Stop(crawler.SourceSteam))
	close(gate)

	var first outcome
	select {
	case first = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	require.NoError(t, first.err)
	assert.True(t, first.res.Stopped)
	assert.Equal(t, crawler.StateDetailFetch, first.res.State)
	assert.Equal(t, 1, first.res.Counters.Succeeded, "in-flight item finishes")
	assert.Contains(t, h.events.stages(), progress.StageRunStopped)

	cp, found, err := h.checkpoints.Load(context.Background(), crawler.SourceSteam)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cp.Resumable())
	assert.Equal(t, []string{app("2"), app("3")}, cp.Remaining())

	second, err := h.orch.Run(context.Background(), spec(1))
	require.NoError(t, err)
	assert.True(t, second.Resumed)
	assert.Equal(t, first.res.RunID, second.RunID)
	assert.Equal(t, 2, second.Counters.Succeeded)
	assert.Equal(t, 3, h.catalog.ProductCount())
}

func TestStartRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Concurrency: 1})
	h.extractor.setListing(page(1), crawler.ListingPage{DetailURLs: []string{app("1")}})
	gate := h.session.block(app("1"))

	require.NoError(t, h.orch.Start(context.Background(), spec(1)))
	select {
	case <-h.session.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("background run did not start")
	}

	err := h.orch.Start(context.Background(), spec(1))
	require.ErrorIs(t, err, ErrRunActive)
	_, err = h.orch.Run(context.Background(), spec(1))
	require.ErrorIs(t, err, ErrRunActive)

	active := h.orch.Active()
	require.Len(t, active, 1)
	assert.Equal(t, crawler.SourceSteam, active[0].Source)
	assert.NotEmpty(t, active[0].RunID)

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))
	assert.Empty(t, h.orch.Active())
	assert.False(t, h.orch.Stop(crawler.SourceSteam))
}

func TestDelistOnlyAfterExhaustedListing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Concurrency: 1, DelistAfter: 1})
	_, err := h.catalog.CommitProduct(context.Background(), crawler.CommitRequest{
		NewProductID: "gone",
		Record:       crawler.NormalizedRecord{Source: crawler.SourceSteam, NativeID: "999", Title: "Gone", TitleKey: "gone"},
	})
	require.NoError(t, err)

	// Capped listing: page 1 still has a next page, so nothing is delisted.
	h.extractor.setListing(page(1), crawler.ListingPage{DetailURLs: []string{app("1")}, HasNext: true})
	res, err := h.orch.Run(context.Background(), spec(1))
	require.NoError(t, err)
	assert.Zero(t, res.Counters.Delisted)
	gone, _ := h.catalog.Product(crawler.IdentityKey(crawler.SourceSteam, "999"))
	assert.False(t, gone.Delisted)

	h.extractor.setListing(page(1), crawler.ListingPage{DetailURLs: []string{app("1")}, HasNext: false})
	res, err = h.orch.Run(context.Background(), spec(1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counters.Delisted)
	gone, _ = h.catalog.Product(crawler.IdentityKey(crawler.SourceSteam, "999"))
	assert.True(t, gone.Delisted)
	kept, _ := h.catalog.Product(crawler.IdentityKey(crawler.SourceSteam, "1"))
	assert.False(t, kept.Delisted)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.ErrorContains(t, err, "session factory")
}

func TestConcurrentSourcesLinkSharedTitle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{Concurrency: 1}, crawler.SourceMetacritic)
	steam, mc := h.extractors[crawler.SourceSteam], h.extractors[crawler.SourceMetacritic]
	steam.setListing(page(1), crawler.ListingPage{DetailURLs: []string{app("367520")}})
	steam.setGame("367520", "Hollow Knight", "Team Cherry")
	mc.setListing(page(1), crawler.ListingPage{DetailURLs: []string{app("hollow-knight")}})
	mc.setGame("hollow-knight", "Hollow Knight", "Team Cherry")
	gate := h.session.block(app("367520"))

	steamDone := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(ctx, sourceSpec(crawler.SourceSteam, 1))
		steamDone <- err
	}()
	select {
	case <-h.session.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("steam detail fetch never started")
	}

	// Metacritic commits while the Steam run is already fetching details.
	res, err := h.orch.Run(ctx, sourceSpec(crawler.SourceMetacritic, 1))
	require.NoError(t, err)
	assert.Equal(t, crawler.StateCompleted, res.State)

	close(gate)
	select {
	case err := <-steamDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("steam run did not finish")
	}

	assert.Equal(t, 2, h.catalog.ProductCount())
	links := h.catalog.Links()
	require.Len(t, links, 1)
	assert.Equal(t, crawler.LinkStatusAuto, links[0].Status)
	mcProduct, ok := h.catalog.Product(crawler.IdentityKey(crawler.SourceMetacritic, "hollow-knight"))
	require.True(t, ok)
	assert.Equal(t, mcProduct.ID, links[0].LinkedProductID)
}

func TestRerunLinksProductsStoredUnlinked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{Concurrency: 1}, crawler.SourceMetacritic)
	// Both sources stored the game as new products before either saw the other.
	for _, rec := range []crawler.NormalizedRecord{
		{Source: crawler.SourceSteam, NativeID: "367520", Title: "Hollow Knight", TitleKey: "hollow knight", DeveloperKey: "team cherry"},
		{Source: crawler.SourceMetacritic, NativeID: "hollow-knight", Title: "Hollow Knight", TitleKey: "hollow knight", DeveloperKey: "team cherry"},
	} {
		_, err := h.catalog.CommitProduct(ctx, crawler.CommitRequest{
			NewProductID: string(rec.Source) + "-hk",
			Record:       rec,
			Resolution:   crawler.Resolution{Kind: crawler.ResolveNew},
		})
		require.NoError(t, err)
	}
	require.Empty(t, h.catalog.Links())

	h.extractor.setListing(page(1), crawler.ListingPage{DetailURLs: []string{app("367520")}})
	h.extractor.setGame("367520", "Hollow Knight", "Team Cherry")
	res, err := h.orch.Run(ctx, spec(1))
	require.NoError(t, err)
	assert.Zero(t, res.Counters.Created)

	links := h.catalog.Links()
	require.Len(t, links, 1)
	assert.Equal(t, "steam-hk", links[0].ProductID)
	assert.Equal(t, "metacritic-hk", links[0].LinkedProductID)

	// Once linked, later runs update without relinking.
	mc := h.extractors[crawler.SourceMetacritic]
	mc.setListing(page(1), crawler.ListingPage{DetailURLs: []string{app("hollow-knight")}})
	mc.setGame("hollow-knight", "Hollow Knight", "Team Cherry")
	_, err = h.orch.Run(ctx, sourceSpec(crawler.SourceMetacritic, 1))
	require.NoError(t, err)
	assert.Len(t, h.catalog.Links(), 1)
	assert.Equal(t, 2, h.catalog.ProductCount())
}
