package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func newMockStore(t *testing.T) (*CatalogStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewCatalogStoreWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

func fullRequest() crawler.CommitRequest {
	score := &crawler.Score{
		Canonical: decimal.RequireFromString("90"),
		Raw:       decimal.RequireFromString("4.5"),
		Scale:     crawler.ScaleFive,
	}
	count := int64(1200)
	return crawler.CommitRequest{
		RunID:        "run-1",
		NewProductID: "prod-new",
		Record: crawler.NormalizedRecord{
			Source:     crawler.SourceEpic,
			NativeID:   "hades",
			URL:        "https://store.epicgames.com/en-US/p/hades",
			Title:      "Hades",
			TitleKey:   "hades",
			Genres:     []string{"Action", "Roguelike"},
			Features:   []crawler.FeatureTag{{Name: "single-player", Category: crawler.FeatureVocabulary}},
			ObservedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
			Pricing: &crawler.Pricing{
				Currency:    "USD",
				Current:     decimal.RequireFromString("12.49"),
				Original:    decimal.RequireFromString("24.99"),
				DiscountPct: decimal.RequireFromString("50.02"),
			},
			Reviews: crawler.Reviews{Overall: score, Count: &count},
		},
		Resolution: crawler.Resolution{Kind: crawler.ResolveCandidate, ProductID: "prod-steam", Confidence: 0.86},
		Assets: []crawler.MediaAsset{{
			Kind:        crawler.MediaCover,
			SourceURL:   "https://cdn.example.com/cover.png",
			BlobPath:    "games/epic/hades/abc.png",
			BlobURI:     "memory://a/games/epic/hades/abc.png",
			ByteSize:    42,
			ContentHash: "abc",
		}},
	}
}

func TestCommitProductWritesOneTransaction(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	req := fullRequest()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO products").
		WithArgs(anyArgs(23)...).
		WillReturnRows(mock.NewRows([]string{"id", "created"}).AddRow("prod-existing", false))
	mock.ExpectExec("INSERT INTO pricing_snapshots").
		WithArgs("prod-existing", "run-1", "USD", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), false, req.Record.ObservedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO review_snapshots").
		WithArgs(anyArgs(16)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO media_assets").
		WithArgs("prod-existing", "cover", "https://cdn.example.com/cover.png", "games/epic/hades/abc.png",
			"memory://a/games/epic/hades/abc.png", int64(42), "abc").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM product_features").
		WithArgs("prod-existing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO feature_tags").
		WithArgs([]string{"single-player"}, []string{"vocabulary"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO product_features").
		WithArgs("prod-existing", []string{"single-player"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO identity_links").
		WithArgs("prod-existing", "prod-steam", 0.86, "candidate", req.Record.ObservedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	out, err := s.CommitProduct(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "prod-existing", out.ProductID)
	assert.False(t, out.Created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitProductRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	req := fullRequest()
	boom := errors.New("disk full")

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO products").
		WithArgs(anyArgs(23)...).
		WillReturnRows(mock.NewRows([]string{"id", "created"}).AddRow("prod-new", true))
	mock.ExpectExec("INSERT INTO pricing_snapshots").
		WithArgs(anyArgs(8)...).
		WillReturnError(boom)
	mock.ExpectRollback()

	_, err := s.CommitProduct(context.Background(), req)
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitProductMinimalRecord(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	req := crawler.CommitRequest{
		RunID:        "run-2",
		NewProductID: "p1",
		Record: crawler.NormalizedRecord{
			Source: crawler.SourceSteam, NativeID: "10", Title: "Counter-Strike", TitleKey: "counter strike",
		},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO products").
		WithArgs(anyArgs(23)...).
		WillReturnRows(mock.NewRows([]string{"id", "created"}).AddRow("p1", true))
	mock.ExpectExec("DELETE FROM product_features").
		WithArgs("p1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCommit()

	out, err := s.CommitProduct(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindAsset(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	cols := []string{"product_id", "kind", "source_url", "blob_path", "blob_uri", "byte_size", "content_hash"}
	mock.ExpectQuery("SELECT m.product_id").
		WithArgs("steam", "620", "abc").
		WillReturnRows(mock.NewRows(cols).AddRow("p1", "screenshot", "https://x/1.jpg", "g/steam/620/abc.jpg", "file:///g/abc.jpg", int64(10), "abc"))
	mock.ExpectQuery("SELECT m.product_id").
		WithArgs("steam", "620", "def").
		WillReturnRows(mock.NewRows(cols))

	asset, ok, err := s.FindAsset(context.Background(), crawler.SourceSteam, "620", "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, crawler.MediaScreenshot, asset.Kind)
	assert.Equal(t, "file:///g/abc.jpg", asset.BlobURI)

	_, ok, err = s.FindAsset(context.Background(), crawler.SourceSteam, "620", "def")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListProductRefs(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT p.id, p.source, p.native_id, p.title_key, p.developer_key").
		WithArgs().
		WillReturnRows(mock.NewRows([]string{"id", "source", "native_id", "title_key", "developer_key", "exists"}).
			AddRow("a", "steam", "620", "portal 2", "valve", true).
			AddRow("b", "metacritic", "portal-2", "portal 2", "", false))

	refs, err := s.ListProductRefs(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, crawler.SourceMetacritic, refs[1].Source)
	assert.Equal(t, "valve", refs[0].DeveloperKey)
	assert.True(t, refs[0].Linked)
	assert.False(t, refs[1].Linked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDelisted(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	seen := []string{"620", "730"}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE products SET missed_runs = 0").
		WithArgs("steam", seen).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE products SET missed_runs = missed_runs \\+ 1").
		WithArgs("steam", seen).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))
	mock.ExpectExec("UPDATE products SET delisted = TRUE").
		WithArgs("steam", 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	n, err := s.MarkDelisted(context.Background(), crawler.SourceSteam, seen, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureAndCandidates(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rec := crawler.FailureRecord{
		RunID: "run-1", Source: crawler.SourceEpic, URL: "https://store.epicgames.com/en-US/p/x",
		Stage: crawler.StageExtract, Reason: "missing_fields", Detail: "title", At: at,
	}
	mock.ExpectExec("INSERT INTO crawl_failures").
		WithArgs("run-1", "epic", rec.URL, "extract", "missing_fields", "title", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT product_id, linked_product_id, confidence, created_at").
		WithArgs("candidate", 100).
		WillReturnRows(mock.NewRows([]string{"product_id", "linked_product_id", "confidence", "created_at"}).
			AddRow("p2", "p1", 0.83, at))

	require.NoError(t, s.RecordFailure(context.Background(), rec))
	candidates, err := s.ListLinkCandidates(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.InDelta(t, 0.83, candidates[0].Confidence, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAndPing(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS products").
		WithArgs().
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectPing()

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewCatalogStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewCatalogStore(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewCatalogStoreWithPool(nil)
	require.Error(t, err)
}
