// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pgxPool is the subset of *pgxpool.Pool the stores use; pgxmock satisfies it.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// CatalogStore implements crawler.CatalogStore on Postgres.
type CatalogStore struct {
	pool pgxPool
}

// NewCatalogStore connects a pool using the provided config.
func NewCatalogStore(ctx context.Context, cfg Config) (*CatalogStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("catalog.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &CatalogStore{pool: pool}, nil
}

// NewCatalogStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCatalogStoreWithPool(pool pgxPool) (*CatalogStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CatalogStore{pool: pool}, nil
}

// Migrate creates the schema.
func (s *CatalogStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// RunStore returns a run repository sharing this store's pool.
func (s *CatalogStore) RunStore() *RunStore {
	return &RunStore{pool: s.pool}
}

// Ping verifies connectivity.
func (s *CatalogStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *CatalogStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

const upsertProductSQL = `
INSERT INTO products (
	id, source, native_id, identity_key, title, title_key, description, url,
	developer, developer_key, publisher, genres, release_date, release_status,
	platform_windows, platform_mac, platform_linux, platform_ps, platform_xbox, platform_switch,
	degraded_media, first_seen, last_seen, last_run_id
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$22,$23
)
ON CONFLICT (source, native_id) DO UPDATE SET
	title = EXCLUDED.title,
	title_key = EXCLUDED.title_key,
	description = EXCLUDED.description,
	url = EXCLUDED.url,
	developer = EXCLUDED.developer,
	developer_key = EXCLUDED.developer_key,
	publisher = EXCLUDED.publisher,
	genres = EXCLUDED.genres,
	release_date = EXCLUDED.release_date,
	release_status = EXCLUDED.release_status,
	platform_windows = EXCLUDED.platform_windows,
	platform_mac = EXCLUDED.platform_mac,
	platform_linux = EXCLUDED.platform_linux,
	platform_ps = EXCLUDED.platform_ps,
	platform_xbox = EXCLUDED.platform_xbox,
	platform_switch = EXCLUDED.platform_switch,
	degraded_media = EXCLUDED.degraded_media,
	missed_runs = 0,
	delisted = FALSE,
	last_seen = EXCLUDED.last_seen,
	last_run_id = EXCLUDED.last_run_id
RETURNING id, (xmax = 0) AS created`

const insertPricingSQL = `
INSERT INTO pricing_snapshots (
	product_id, run_id, currency, current_price, original_price, discount_pct, is_free, observed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

const insertReviewSQL = `
INSERT INTO review_snapshots (
	product_id, run_id,
	overall_score, overall_raw, overall_scale, overall_label,
	critic_score, critic_raw, critic_scale, critic_label,
	user_score, user_raw, user_scale, user_label,
	review_count, observed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

const insertAssetSQL = `
INSERT INTO media_assets (
	product_id, kind, source_url, blob_path, blob_uri, byte_size, content_hash
) VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (product_id, content_hash) DO NOTHING`

const upsertTagsSQL = `
INSERT INTO feature_tags (name, category)
SELECT * FROM unnest($1::text[], $2::text[])
ON CONFLICT (name) DO NOTHING`

const clearFeaturesSQL = `DELETE FROM product_features WHERE product_id = $1`

const linkFeaturesSQL = `
INSERT INTO product_features (product_id, tag_id)
SELECT $1, id FROM feature_tags WHERE name = ANY($2)
ON CONFLICT DO NOTHING`

const upsertLinkSQL = `
INSERT INTO identity_links (product_id, linked_product_id, confidence, status, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (product_id, linked_product_id) DO UPDATE SET
	confidence = EXCLUDED.confidence,
	status = EXCLUDED.status`

// CommitProduct writes the product upsert, snapshots, media rows, feature tags
// and identity link in one transaction.
func (s *CatalogStore) CommitProduct(ctx context.Context, req crawler.CommitRequest) (crawler.CommitOutcome, error) {
	rec := req.Record
	var out crawler.CommitOutcome
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		p := rec.Platforms
		err := tx.QueryRow(ctx, upsertProductSQL,
			req.NewProductID, string(rec.Source), rec.NativeID, rec.IdentityKey(),
			rec.Title, rec.TitleKey, rec.Description, rec.URL,
			rec.Developer, rec.DeveloperKey, rec.Publisher, genresArg(rec.Genres),
			nullString(rec.ReleaseDate), string(rec.ReleaseStatus),
			p.Windows, p.Mac, p.Linux, p.PlayStation, p.Xbox, p.Switch,
			req.DegradedMedia, rec.ObservedAt, req.RunID,
		).Scan(&out.ProductID, &out.Created)
		if err != nil {
			return fmt.Errorf("upsert product: %w", err)
		}

		if pr := rec.Pricing; pr != nil {
			if _, err := tx.Exec(ctx, insertPricingSQL,
				out.ProductID, req.RunID, pr.Currency, pr.Current, pr.Original, pr.DiscountPct, pr.IsFree, rec.ObservedAt,
			); err != nil {
				return fmt.Errorf("insert pricing snapshot: %w", err)
			}
		}

		if !rec.Reviews.Empty() {
			args := []any{out.ProductID, req.RunID}
			for _, sc := range []*crawler.Score{rec.Reviews.Overall, rec.Reviews.Critic, rec.Reviews.User} {
				args = append(args, scoreArgs(sc)...)
			}
			args = append(args, rec.Reviews.Count, rec.ObservedAt)
			if _, err := tx.Exec(ctx, insertReviewSQL, args...); err != nil {
				return fmt.Errorf("insert review snapshot: %w", err)
			}
		}

		for _, a := range req.Assets {
			if _, err := tx.Exec(ctx, insertAssetSQL,
				out.ProductID, string(a.Kind), a.SourceURL, a.BlobPath, a.BlobURI, a.ByteSize, a.ContentHash,
			); err != nil {
				return fmt.Errorf("insert media asset %s: %w", a.ContentHash, err)
			}
		}

		if err := writeFeatures(ctx, tx, out.ProductID, rec.Features); err != nil {
			return err
		}

		if status, ok := crawler.LinkStatusFor(req.Resolution.Kind); ok && req.Resolution.ProductID != out.ProductID {
			if _, err := tx.Exec(ctx, upsertLinkSQL,
				out.ProductID, req.Resolution.ProductID, req.Resolution.Confidence, string(status), rec.ObservedAt,
			); err != nil {
				return fmt.Errorf("upsert identity link: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return crawler.CommitOutcome{}, fmt.Errorf("commit product %s: %w", rec.IdentityKey(), err)
	}
	return out, nil
}

func writeFeatures(ctx context.Context, tx pgx.Tx, productID string, tags []crawler.FeatureTag) error {
	if _, err := tx.Exec(ctx, clearFeaturesSQL, productID); err != nil {
		return fmt.Errorf("clear product features: %w", err)
	}
	if len(tags) == 0 {
		return nil
	}
	names := make([]string, len(tags))
	categories := make([]string, len(tags))
	for i, tag := range tags {
		names[i] = tag.Name
		categories[i] = string(tag.Category)
	}
	if _, err := tx.Exec(ctx, upsertTagsSQL, names, categories); err != nil {
		return fmt.Errorf("upsert feature tags: %w", err)
	}
	if _, err := tx.Exec(ctx, linkFeaturesSQL, productID, names); err != nil {
		return fmt.Errorf("link product features: %w", err)
	}
	return nil
}

const findAssetSQL = `
SELECT m.product_id, m.kind, m.source_url, m.blob_path, m.blob_uri, m.byte_size, m.content_hash
FROM media_assets m
JOIN products p ON p.id = m.product_id
WHERE p.source = $1 AND p.native_id = $2 AND m.content_hash = $3`

// FindAsset returns the stored asset of a product with the given content hash.
func (s *CatalogStore) FindAsset(
	ctx context.Context,
	source crawler.Source,
	nativeID, contentHash string,
) (crawler.MediaAsset, bool, error) {
	var (
		a    crawler.MediaAsset
		kind string
	)
	err := s.pool.QueryRow(ctx, findAssetSQL, string(source), nativeID, contentHash).Scan(
		&a.ProductID, &kind, &a.SourceURL, &a.BlobPath, &a.BlobURI, &a.ByteSize, &a.ContentHash,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.MediaAsset{}, false, nil
	}
	if err != nil {
		return crawler.MediaAsset{}, false, fmt.Errorf("find media asset: %w", err)
	}
	a.Kind = crawler.MediaKind(kind)
	return a, true, nil
}

// ListProductRefs loads every product's identity fields.
func (s *CatalogStore) ListProductRefs(ctx context.Context) ([]crawler.ProductRef, error) {
	rows, err := s.pool.Query(ctx, `
SELECT p.id, p.source, p.native_id, p.title_key, p.developer_key,
	EXISTS (SELECT 1 FROM identity_links l WHERE l.product_id = p.id OR l.linked_product_id = p.id)
FROM products p
ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("list product refs: %w", err)
	}
	defer rows.Close()

	var refs []crawler.ProductRef
	for rows.Next() {
		var (
			ref    crawler.ProductRef
			source string
		)
		if err := rows.Scan(&ref.ID, &source, &ref.NativeID, &ref.TitleKey, &ref.DeveloperKey, &ref.Linked); err != nil {
			return nil, fmt.Errorf("scan product ref: %w", err)
		}
		ref.Source = crawler.Source(source)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product refs: %w", err)
	}
	return refs, nil
}

// MarkDelisted bumps missed_runs for products of source absent from seen and
// delists those reaching threshold. It returns the number newly delisted.
func (s *CatalogStore) MarkDelisted(ctx context.Context, source crawler.Source, seen []string, threshold int) (int, error) {
	if seen == nil {
		seen = []string{}
	}
	var delisted int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE products SET missed_runs = 0 WHERE source = $1 AND native_id = ANY($2) AND missed_runs > 0`,
			string(source), seen,
		); err != nil {
			return fmt.Errorf("reset missed runs: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE products SET missed_runs = missed_runs + 1 WHERE source = $1 AND NOT delisted AND NOT (native_id = ANY($2))`,
			string(source), seen,
		); err != nil {
			return fmt.Errorf("count missed runs: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE products SET delisted = TRUE WHERE source = $1 AND NOT delisted AND missed_runs >= $2`,
			string(source), threshold,
		)
		if err != nil {
			return fmt.Errorf("delist products: %w", err)
		}
		delisted = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark %s delisted: %w", source, err)
	}
	return delisted, nil
}

// RecordFailure inserts a crawl_failures row.
func (s *CatalogStore) RecordFailure(ctx context.Context, rec crawler.FailureRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO crawl_failures (run_id, source, url, stage, reason, detail, at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.RunID, string(rec.Source), rec.URL, string(rec.Stage), rec.Reason, rec.Detail, rec.At,
	)
	if err != nil {
		return fmt.Errorf("insert crawl failure: %w", err)
	}
	return nil
}

// ListLinkCandidates returns pending identity links, newest first.
func (s *CatalogStore) ListLinkCandidates(ctx context.Context, limit int) ([]crawler.LinkCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT product_id, linked_product_id, confidence, created_at
FROM identity_links
WHERE status = $1
ORDER BY created_at DESC, product_id
LIMIT $2`, string(crawler.LinkStatusCandidate), limit)
	if err != nil {
		return nil, fmt.Errorf("list link candidates: %w", err)
	}
	defer rows.Close()

	out := []crawler.LinkCandidate{}
	for rows.Next() {
		var c crawler.LinkCandidate
		if err := rows.Scan(&c.ProductID, &c.LinkedProductID, &c.Confidence, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan link candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate link candidates: %w", err)
	}
	return out, nil
}

func (s *CatalogStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func scoreArgs(sc *crawler.Score) []any {
	if sc == nil {
		return []any{nil, nil, nil, nil}
	}
	return []any{sc.Canonical, sc.Raw, string(sc.Scale), nullString(sc.Label)}
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func genresArg(genres []string) []string {
	if genres == nil {
		return []string{}
	}
	return genres
}
