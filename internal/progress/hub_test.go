package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"

	"github.com/JakeFAU/game-catalog-crawler/internal/metrics"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageRunStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageRunStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		queue:  make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageRunStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 1, hub.Dropped())
}

// TestHubDeliversOnTerminalStage verifies a run-ending event is delivered
// without waiting for the batch timer or size limit.
func TestHubDeliversOnTerminalStage(t *testing.T) {
	t.Parallel()

	for _, stage := range []Stage{StageRunDone, StageRunError, StageRunStopped} {
		t.Run(string(stage), func(t *testing.T) {
			t.Parallel()

			sink := newStubSink()
			hub := NewHub(Config{
				BufferSize:     8,
				MaxBatchEvents: 100,
				MaxBatchWait:   time.Hour,
			}, sink)
			defer func() {
				require.NoError(t, hub.Close(context.Background()))
			}()

			item := sampleEvent(StageItemDone)
			hub.Emit(item)
			end := sampleEvent(stage)
			end.RunID = item.RunID
			hub.Emit(end)

			require.Eventually(t, func() bool {
				batches := sink.Batches()
				return len(batches) == 1 && len(batches[0]) == 2 && batches[0][1].Stage == stage
			}, time.Second, 5*time.Millisecond)
		})
	}
}

// TestHubBatchWaitStartsAtFirstEvent ensures steady traffic cannot postpone a
// pending batch past MaxBatchWait.
func TestHubBatchWaitStartsAtFirstEvent(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     64,
		MaxBatchEvents: 1000,
		MaxBatchWait:   50 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) && len(sink.Batches()) == 0 {
		hub.Emit(sampleEvent(StageItemDone))
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, sink.Batches())
}

// TestHubCountsDroppedEvents checks drops on a full queue reach Dropped and
// the Prometheus counter.
func TestHubCountsDroppedEvents(t *testing.T) {
	t.Parallel()

	before := droppedCounter(t, StageItemDone)
	hub := &Hub{
		cfg:    Config{},
		queue:  make(chan Event),
		logger: zap.NewNop(),
	}
	for range 3 {
		hub.Emit(sampleEvent(StageItemDone))
	}
	require.EqualValues(t, 3, hub.Dropped())
	require.GreaterOrEqual(t, droppedCounter(t, StageItemDone)-before, float64(3))

	var nilHub *Hub
	require.Zero(t, nilHub.Dropped())
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	evt := sampleEvent(StageRunStart)
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

// TestHubDropsInvalidEvents keeps malformed events away from sinks.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1}, sink)

	bad := sampleEvent(StageItemDone)
	bad.Outcome = "exploded"
	hub.Emit(bad)
	hub.Emit(Event{Stage: StageRunStart})
	hub.Emit(sampleEvent(StageItemDone))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Equal(t, OutcomeSucceeded, sink.Batches()[0][0].Outcome)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Event)
		ok     bool
	}{
		{name: "run start", mutate: func(*Event) {}, ok: true},
		{name: "missing run id", mutate: func(e *Event) { e.RunID = [16]byte{} }},
		{name: "missing timestamp", mutate: func(e *Event) { e.TS = time.Time{} }},
		{name: "missing source", mutate: func(e *Event) { e.Source = "" }},
		{name: "unknown stage", mutate: func(e *Event) { e.Stage = "FETCH_START" }},
		{name: "item without outcome", mutate: func(e *Event) { e.Stage = StageItemDone }},
		{name: "negative duration", mutate: func(e *Event) { e.Dur = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			evt := sampleEvent(StageRunStart)
			tt.mutate(&evt)
			if tt.ok {
				require.NoError(t, evt.Validate())
			} else {
				require.Error(t, evt.Validate())
			}
		})
	}
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func droppedCounter(t *testing.T, stage Stage) float64 {
	t.Helper()
	metrics.Init()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "gamecrawler_progress_events_dropped_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "stage" && lp.GetValue() == string(stage) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		RunID:  UUIDToBytes(uuid.New()),
		TS:     time.Now(),
		Stage:  stage,
		Source: "steam",
	}
	if stage == StageItemDone {
		evt.Outcome = OutcomeSucceeded
		evt.URL = "https://store.steampowered.com/app/1145360"
	}
	return evt
}
