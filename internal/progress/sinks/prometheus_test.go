package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/game-catalog-crawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow run and item events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart, Source: "steam"},
		{
			RunID: runID, TS: now.Add(time.Second), Stage: progress.StageItemDone, Source: "steam",
			URL: "https://store.steampowered.com/app/1", Outcome: progress.OutcomeSucceeded,
			Bytes: 2048, Dur: 1500 * time.Millisecond,
		},
		{
			RunID: runID, TS: now.Add(2 * time.Second), Stage: progress.StageItemDone, Source: "steam",
			URL: "https://store.steampowered.com/app/2", Outcome: progress.OutcomeFailed, Note: "permanent:blocked",
		},
		{RunID: runID, TS: now.Add(time.Minute), Stage: progress.StageRunDone, Source: "steam", Dur: time.Minute},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted.WithLabelValues("steam")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("steam", "completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("steam", "succeeded")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("steam", "failed")))
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.itemBytes.WithLabelValues("steam")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.itemDuration, "gamecrawler_item_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runRuntime, "gamecrawler_run_runtime_seconds"))
}

// TestPrometheusSinkRunningGauge counts a started run until it stops.
func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)
	runID := progress.UUIDToBytes(uuid.New())

	start := progress.Event{RunID: runID, TS: time.Now(), Stage: progress.StageRunStart, Source: "epic"}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{start, start}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))

	stop := progress.Event{RunID: runID, TS: time.Now(), Stage: progress.StageRunStopped, Source: "epic"}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{stop, stop}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("epic", "stopped")))
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
