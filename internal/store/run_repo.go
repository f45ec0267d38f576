// Package store declares interfaces for persisting crawl run progress.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// ParseRunStatus validates a status filter.
func ParseRunStatus(raw string) (RunStatus, bool) {
	switch s := RunStatus(raw); s {
	case RunRunning, RunCompleted, RunFailed, RunStopped:
		return s, true
	default:
		return "", false
	}
}

// Run models the crawl_runs table for API responses.
type Run struct {
	// ID is the run identifier shared with checkpoints and snapshots.
	ID uuid.UUID
	// Source is the storefront the run crawled.
	Source string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked completed/failed/stopped.
	FinishedAt *time.Time
	Status     RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
	// Item counters accumulated from progress events.
	Succeeded int64
	Failed    int64
	Degraded  int64
	// BytesTotal accumulates rendered page and media bytes.
	BytesTotal int64
	LastUpdate time.Time
}

// ItemDelta is an increment applied to a run's item counters.
type ItemDelta struct {
	Succeeded int64
	Failed    int64
	Degraded  int64
	Bytes     int64
}

// Empty reports whether applying d would change nothing.
func (d ItemDelta) Empty() bool {
	return d == ItemDelta{}
}

// RunRepository persists incremental crawl run progress.
type RunRepository interface {
	// StartRun inserts (or idempotently updates) the run row.
	StartRun(ctx context.Context, runID uuid.UUID, source string, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// AddItemStats applies counter deltas to a run.
	AddItemStats(ctx context.Context, runID uuid.UUID, delta ItemDelta, at time.Time) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset, newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
