// Package sqlite provides an embedded SQLite catalog for single-node runs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// Config locates the database file. Path may be ":memory:".
type Config struct {
	Path string
}

// CatalogStore implements crawler.CatalogStore on SQLite.
type CatalogStore struct {
	db *sql.DB
}

// Open opens the database and applies the schema.
func Open(ctx context.Context, cfg Config) (*CatalogStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("catalog.path is required")
	}
	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	s := &CatalogStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
}

// Migrate creates the schema.
func (s *CatalogStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// RunStore returns a run repository sharing this store's database.
func (s *CatalogStore) RunStore() *RunStore {
	return &RunStore{db: s.db}
}

// Ping verifies the database is usable.
func (s *CatalogStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *CatalogStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const insertProductSQL = `
INSERT INTO products (
	id, source, native_id, identity_key, title, title_key, description, url,
	developer, developer_key, publisher, genres, release_date, release_status,
	platforms, degraded_media, first_seen, last_seen, last_run_id
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

const updateProductSQL = `
UPDATE products SET
	title = ?, title_key = ?, description = ?, url = ?,
	developer = ?, developer_key = ?, publisher = ?, genres = ?,
	release_date = ?, release_status = ?, platforms = ?, degraded_media = ?,
	missed_runs = 0, delisted = 0, last_seen = ?, last_run_id = ?
WHERE id = ?`

// CommitProduct writes the product row, snapshots, media rows, feature tags
// and identity link in one transaction.
func (s *CatalogStore) CommitProduct(ctx context.Context, req crawler.CommitRequest) (crawler.CommitOutcome, error) {
	rec := req.Record
	var out crawler.CommitOutcome
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		genres, err := jsonList(rec.Genres)
		if err != nil {
			return err
		}
		platforms, err := jsonList(rec.Platforms.Names())
		if err != nil {
			return err
		}
		observed := rec.ObservedAt.UTC()

		err = tx.QueryRowContext(ctx,
			`SELECT id FROM products WHERE source = ? AND native_id = ?`,
			string(rec.Source), rec.NativeID,
		).Scan(&out.ProductID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if req.NewProductID == "" {
				return fmt.Errorf("new product id is required")
			}
			out.ProductID = req.NewProductID
			out.Created = true
			if _, err := tx.ExecContext(ctx, insertProductSQL,
				out.ProductID, string(rec.Source), rec.NativeID, rec.IdentityKey(),
				rec.Title, rec.TitleKey, rec.Description, rec.URL,
				rec.Developer, rec.DeveloperKey, rec.Publisher, genres,
				nullString(rec.ReleaseDate), string(rec.ReleaseStatus), platforms,
				req.DegradedMedia, observed, observed, req.RunID,
			); err != nil {
				return fmt.Errorf("insert product: %w", err)
			}
		case err != nil:
			return fmt.Errorf("lookup product: %w", err)
		default:
			if _, err := tx.ExecContext(ctx, updateProductSQL,
				rec.Title, rec.TitleKey, rec.Description, rec.URL,
				rec.Developer, rec.DeveloperKey, rec.Publisher, genres,
				nullString(rec.ReleaseDate), string(rec.ReleaseStatus), platforms, req.DegradedMedia,
				observed, req.RunID, out.ProductID,
			); err != nil {
				return fmt.Errorf("update product: %w", err)
			}
		}

		if pr := rec.Pricing; pr != nil {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO pricing_snapshots (product_id, run_id, currency, current_price, original_price, discount_pct, is_free, observed_at)
VALUES (?,?,?,?,?,?,?,?)`,
				out.ProductID, req.RunID, pr.Currency,
				pr.Current.String(), pr.Original.String(), pr.DiscountPct.String(), pr.IsFree, observed,
			); err != nil {
				return fmt.Errorf("insert pricing snapshot: %w", err)
			}
		}

		if !rec.Reviews.Empty() {
			args := []any{out.ProductID, req.RunID}
			for _, sc := range []*crawler.Score{rec.Reviews.Overall, rec.Reviews.Critic, rec.Reviews.User} {
				args = append(args, scoreArgs(sc)...)
			}
			var count any
			if rec.Reviews.Count != nil {
				count = *rec.Reviews.Count
			}
			args = append(args, count, observed)
			if _, err := tx.ExecContext(ctx, `
INSERT INTO review_snapshots (
	product_id, run_id,
	overall_score, overall_raw, overall_scale, overall_label,
	critic_score, critic_raw, critic_scale, critic_label,
	user_score, user_raw, user_scale, user_label,
	review_count, observed_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...); err != nil {
				return fmt.Errorf("insert review snapshot: %w", err)
			}
		}

		for _, a := range req.Assets {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO media_assets (product_id, kind, source_url, blob_path, blob_uri, byte_size, content_hash)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT (product_id, content_hash) DO NOTHING`,
				out.ProductID, string(a.Kind), a.SourceURL, a.BlobPath, a.BlobURI, a.ByteSize, a.ContentHash,
			); err != nil {
				return fmt.Errorf("insert media asset %s: %w", a.ContentHash, err)
			}
		}

		if err := writeFeatures(ctx, tx, out.ProductID, rec.Features); err != nil {
			return err
		}

		if status, ok := crawler.LinkStatusFor(req.Resolution.Kind); ok && req.Resolution.ProductID != out.ProductID {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO identity_links (product_id, linked_product_id, confidence, status, created_at)
VALUES (?,?,?,?,?)
ON CONFLICT (product_id, linked_product_id) DO UPDATE SET
	confidence = excluded.confidence,
	status = excluded.status`,
				out.ProductID, req.Resolution.ProductID, req.Resolution.Confidence, string(status), observed,
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

func writeFeatures(ctx context.Context, tx *sql.Tx, productID string, tags []crawler.FeatureTag) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM product_features WHERE product_id = ?`, productID); err != nil {
		return fmt.Errorf("clear product features: %w", err)
	}
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO feature_tags (name, category) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`,
			tag.Name, string(tag.Category),
		); err != nil {
			return fmt.Errorf("upsert feature tag %s: %w", tag.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO product_features (product_id, tag_id)
SELECT ?, id FROM feature_tags WHERE name = ?`, productID, tag.Name); err != nil {
			return fmt.Errorf("link product feature %s: %w", tag.Name, err)
		}
	}
	return nil
}

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
	err := s.db.QueryRowContext(ctx, `
SELECT m.product_id, m.kind, m.source_url, m.blob_path, m.blob_uri, m.byte_size, m.content_hash
FROM media_assets m
JOIN products p ON p.id = m.product_id
WHERE p.source = ? AND p.native_id = ? AND m.content_hash = ?`,
		string(source), nativeID, contentHash,
	).Scan(&a.ProductID, &kind, &a.SourceURL, &a.BlobPath, &a.BlobURI, &a.ByteSize, &a.ContentHash)
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := s.db.QueryContext(ctx, `
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
	seenJSON, err := jsonList(seen)
	if err != nil {
		return 0, err
	}
	var delisted int
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE products SET missed_runs = 0
WHERE source = ? AND missed_runs > 0 AND native_id IN (SELECT value FROM json_each(?))`,
			string(source), seenJSON,
		); err != nil {
			return fmt.Errorf("reset missed runs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE products SET missed_runs = missed_runs + 1
WHERE source = ? AND delisted = 0 AND native_id NOT IN (SELECT value FROM json_each(?))`,
			string(source), seenJSON,
		); err != nil {
			return fmt.Errorf("count missed runs: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE products SET delisted = 1 WHERE source = ? AND delisted = 0 AND missed_runs >= ?`,
			string(source), threshold,
		)
		if err != nil {
			return fmt.Errorf("delist products: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delist products: %w", err)
		}
		delisted = int(n)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark %s delisted: %w", source, err)
	}
	return delisted, nil
}

// RecordFailure inserts a crawl_failures row.
func (s *CatalogStore) RecordFailure(ctx context.Context, rec crawler.FailureRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO crawl_failures (run_id, source, url, stage, reason, detail, at)
VALUES (?,?,?,?,?,?,?)`,
		rec.RunID, string(rec.Source), rec.URL, string(rec.Stage), rec.Reason, rec.Detail, rec.At.UTC(),
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
	rows, err := s.db.QueryContext(ctx, `
SELECT product_id, linked_product_id, confidence, created_at
FROM identity_links
WHERE status = ?
ORDER BY created_at DESC, product_id
LIMIT ?`, string(crawler.LinkStatusCandidate), limit)
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

func (s *CatalogStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func scoreArgs(sc *crawler.Score) []any {
	if sc == nil {
		return []any{nil, nil, nil, nil}
	}
	return []any{sc.Canonical.String(), sc.Raw.String(), string(sc.Scale), nullString(sc.Label)}
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func jsonList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(raw), nil
}

func utc(t time.Time) time.Time { return t.UTC() }
