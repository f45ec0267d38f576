package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/game-catalog-crawler/internal/store"
)

// RunStore implements the store.RunRepository interface using Postgres.
type RunStore struct {
	pool pgxPool
}

// NewRunStoreWithPool constructs a RunStore from an existing pool.
func NewRunStoreWithPool(pool pgxPool) *RunStore {
	return &RunStore{pool: pool}
}

// StartRun inserts a run or flips an existing one back to running.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, source string, startedAt time.Time) error {
	query := `
		INSERT INTO crawl_runs (id, source, started_at, status, last_update)
		VALUES ($1, $2, $3, $4, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE crawl_runs.status <> EXCLUDED.status;
	`
	_, err := s.pool.Exec(ctx, query, runID, source, startedAt, string(store.RunRunning))
	if err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run as finished with a status and optional error message.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE crawl_runs
		SET finished_at = $1, status = $2, error_message = $3, last_update = $1
		WHERE id = $4;
	`
	tag, err := s.pool.Exec(ctx, query, finishedAt, string(status), errMsg, runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddItemStats applies counter deltas to a run.
func (s *RunStore) AddItemStats(ctx context.Context, runID uuid.UUID, delta store.ItemDelta, at time.Time) error {
	query := `
		UPDATE crawl_runs SET
			items_succeeded = items_succeeded + $1,
			items_failed = items_failed + $2,
			items_degraded = items_degraded + $3,
			bytes_total = bytes_total + $4,
			last_update = GREATEST(last_update, $5)
		WHERE id = $6;
	`
	tag, err := s.pool.Exec(ctx, query, delta.Succeeded, delta.Failed, delta.Degraded, delta.Bytes, at, runID)
	if err != nil {
		return fmt.Errorf("failed to update run stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const runColumns = `id, source, started_at, finished_at, status, error_message,
	items_succeeded, items_failed, items_degraded, bytes_total, last_update`

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM crawl_runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM crawl_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var statusArg any
	if status != nil {
		statusArg = string(*status)
	}
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.Source,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.ErrorMessage,
		&run.Succeeded,
		&run.Failed,
		&run.Degraded,
		&run.BytesTotal,
		&run.LastUpdate,
	)
	run.Status = store.RunStatus(status)
	return run, err
}
