package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/game-catalog-crawler/internal/store"
)

var runCols = []string{
	"id", "source", "started_at", "finished_at", "status", "error_message",
	"items_succeeded", "items_failed", "items_degraded", "bytes_total", "last_update",
}

func TestRunStoreStartAndComplete(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	rs := NewRunStoreWithPool(mock)

	id := uuid.New()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs(id, "steam", start, "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE crawl_runs SET").
		WithArgs(int64(2), int64(1), int64(0), int64(512), start, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs(start.Add(time.Hour), "completed", (*string)(nil), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, rs.StartRun(ctx, id, "steam", start))
	require.NoError(t, rs.AddItemStats(ctx, id, store.ItemDelta{Succeeded: 2, Failed: 1, Bytes: 512}, start))
	require.NoError(t, rs.CompleteRun(ctx, id, start.Add(time.Hour), store.RunCompleted, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreCompleteUnknownRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	rs := NewRunStoreWithPool(mock)

	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = rs.CompleteRun(context.Background(), uuid.New(), time.Now(), store.RunFailed, nil)
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRunStoreGetAndList(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	rs := NewRunStoreWithPool(mock)

	id := uuid.New()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	finished := start.Add(time.Hour)
	msg := "listing structure not recognized"

	mock.ExpectQuery("SELECT id, source").
		WithArgs(id).
		WillReturnRows(mock.NewRows(runCols).
			AddRow(id, "metacritic", start, &finished, "failed", &msg, int64(0), int64(0), int64(0), int64(0), finished))
	mock.ExpectQuery("SELECT id, source").
		WithArgs(uuid.Nil).
		WillReturnRows(mock.NewRows(runCols))
	mock.ExpectQuery("FROM crawl_runs").
		WithArgs("failed", 10, 0).
		WillReturnRows(mock.NewRows(runCols).
			AddRow(id, "metacritic", start, &finished, "failed", &msg, int64(0), int64(0), int64(0), int64(0), finished))

	ctx := context.Background()
	run, err := rs.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, msg, *run.ErrorMessage)

	_, err = rs.GetRun(ctx, uuid.Nil)
	require.ErrorIs(t, err, store.ErrNotFound)

	failed := store.RunFailed
	runs, err := rs.ListRuns(ctx, &failed, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "metacritic", runs[0].Source)
	require.NoError(t, mock.ExpectationsWereMet())
}
