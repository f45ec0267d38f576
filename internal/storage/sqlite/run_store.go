package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/game-catalog-crawler/internal/store"
)

// RunStore implements store.RunRepository on SQLite.
type RunStore struct {
	db *sql.DB
}

// StartRun inserts a run or flips an existing one back to running.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, source string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_runs (id, source, started_at, status, last_update)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status`,
		runID.String(), source, utc(startedAt), string(store.RunRunning), utc(startedAt),
	)
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
	var msg any
	if errMsg != nil {
		msg = *errMsg
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE crawl_runs
		SET finished_at = ?, status = ?, error_message = ?, last_update = ?
		WHERE id = ?`,
		utc(finishedAt), string(status), msg, utc(finishedAt), runID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return requireRow(res)
}

// AddItemStats applies counter deltas to a run.
func (s *RunStore) AddItemStats(ctx context.Context, runID uuid.UUID, delta store.ItemDelta, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE crawl_runs SET
			items_succeeded = items_succeeded + ?,
			items_failed = items_failed + ?,
			items_degraded = items_degraded + ?,
			bytes_total = bytes_total + ?,
			last_update = MAX(last_update, ?)
		WHERE id = ?`,
		delta.Succeeded, delta.Failed, delta.Degraded, delta.Bytes, utc(at), runID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update run stats: %w", err)
	}
	return requireRow(res)
}

const runColumns = `id, source, started_at, finished_at, status, error_message,
	items_succeeded, items_failed, items_degraded, bytes_total, last_update`

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM crawl_runs WHERE id = ?`, runID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	var statusArg any
	if status != nil {
		statusArg = string(*status)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+`
		FROM crawl_runs
		WHERE (? IS NULL OR status = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?`, statusArg, statusArg, limit, offset)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (store.Run, error) {
	var (
		run      store.Run
		id       string
		status   string
		finished sql.NullTime
		errMsg   sql.NullString
	)
	err := row.Scan(
		&id,
		&run.Source,
		&run.StartedAt,
		&finished,
		&status,
		&errMsg,
		&run.Succeeded,
		&run.Failed,
		&run.Degraded,
		&run.BytesTotal,
		&run.LastUpdate,
	)
	if err != nil {
		return store.Run{}, err
	}
	if run.ID, err = uuid.Parse(id); err != nil {
		return store.Run{}, fmt.Errorf("parse run id %q: %w", id, err)
	}
	run.Status = store.RunStatus(status)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	if errMsg.Valid {
		msg := errMsg.String
		run.ErrorMessage = &msg
	}
	return run, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
