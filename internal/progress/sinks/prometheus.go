package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/game-catalog-crawler/internal/progress"
)

// PrometheusSink exports run and item progress via Prometheus.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	items        *prometheus.CounterVec
	itemBytes    *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamecrawler_runs_started_total",
			Help: "Source runs started.",
		}, []string{"source"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamecrawler_runs_total",
			Help: "Finished source runs partitioned by source and status.",
		}, []string{"source", "status"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gamecrawler_runs_running",
			Help: "Source runs currently in progress.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gamecrawler_run_runtime_seconds",
			Help:    "Wall time per finished source run.",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"source", "status"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamecrawler_items_total",
			Help: "Detail pages processed, partitioned by source and outcome.",
		}, []string{"source", "outcome"}),
		itemBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamecrawler_item_bytes_total",
			Help: "Page and media bytes per source.",
		}, []string{"source"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gamecrawler_item_duration_seconds",
			Help:    "Detail item latency from dequeue to commit.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
		}, []string{"source", "outcome"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.items,
		s.itemBytes,
		s.itemDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.WithLabelValues(evt.Source).Inc()
			if s.tracker.start(evt.RunID) {
				s.runsRunning.Inc()
			}
		case progress.StageRunDone:
			s.finishRun(evt, "completed")
		case progress.StageRunError:
			s.finishRun(evt, "failed")
		case progress.StageRunStopped:
			s.finishRun(evt, "stopped")
		case progress.StageItemDone:
			outcome := string(evt.Outcome)
			s.items.WithLabelValues(evt.Source, outcome).Inc()
			if evt.Bytes > 0 {
				s.itemBytes.WithLabelValues(evt.Source).Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.itemDuration.WithLabelValues(evt.Source, outcome).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

func (s *PrometheusSink) finishRun(evt progress.Event, status string) {
	s.runsCompleted.WithLabelValues(evt.Source, status).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(evt.Source, status).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
