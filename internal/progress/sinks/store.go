package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/game-catalog-crawler/internal/progress"
	"github.com/JakeFAU/game-catalog-crawler/internal/store"
)

// StoreSink persists run lifecycle and item counters via a store.RunRepository.
// Item events are collapsed per run so each batch costs one update per run.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies run events in order and flushes aggregated item deltas last.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]*runDelta)
	var order []uuid.UUID

	for _, evt := range batch {
		runID := evt.RunUUID()
		if evt.Stage == progress.StageItemDone {
			d, ok := deltas[runID]
			if !ok {
				d = &runDelta{}
				deltas[runID] = d
				order = append(order, runID)
			}
			d.add(evt)
			continue
		}
		if err := s.handleRunEvent(ctx, runID, evt); err != nil {
			return err
		}
	}

	for _, runID := range order {
		d := deltas[runID]
		if d.ItemDelta.Empty() {
			continue
		}
		if err := s.repo.AddItemStats(ctx, runID, d.ItemDelta, d.at); err != nil {
			return fmt.Errorf("add item stats: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) handleRunEvent(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	var status store.RunStatus
	switch evt.Stage {
	case progress.StageRunStart:
		if err := s.repo.StartRun(ctx, runID, evt.Source, evt.TS); err != nil {
			return fmt.Errorf("start run: %w", err)
		}
		return nil
	case progress.StageRunDone:
		status = store.RunCompleted
	case progress.StageRunError:
		status = store.RunFailed
	case progress.StageRunStopped:
		status = store.RunStopped
	default:
		return nil
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type runDelta struct {
	store.ItemDelta
	at time.Time
}

func (d *runDelta) add(evt progress.Event) {
	switch evt.Outcome {
	case progress.OutcomeSucceeded:
		d.Succeeded++
	case progress.OutcomeDegraded:
		d.Succeeded++
		d.Degraded++
	case progress.OutcomeFailed:
		d.Failed++
	}
	d.Bytes += evt.Bytes
	if evt.TS.After(d.at) {
		d.at = evt.TS
	}
}
