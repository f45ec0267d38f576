// Package progress defines the event structures emitted by crawl runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageRunDone    Stage = "RUN_DONE"
	StageRunError   Stage = "RUN_ERROR"
	StageRunStopped Stage = "RUN_STOPPED"
	StageItemDone   Stage = "ITEM_DONE"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	switch s {
	case StageRunDone, StageRunError, StageRunStopped:
		return true
	}
	return false
}

// Outcome classifies a finished detail item.
type Outcome string

// Item outcomes.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeFailed    Outcome = "failed"
)

// Event captures a single component of crawl progress.
type Event struct {
	// RunID identifies the source run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which run or item milestone occurred.
	Stage Stage
	// Source is the storefront the run crawls.
	Source string
	// URL is the detail page of an item event.
	URL string
	// Outcome is set on item events.
	Outcome Outcome
	// Bytes counts rendered page and media bytes for the item.
	Bytes int64
	// Dur is item latency, or total runtime on run completion events.
	Dur time.Duration
	// Note carries low-volume context such as an error reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Source == "" {
		return errors.New("source is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageRunStopped:
	case StageItemDone:
		switch e.Outcome {
		case OutcomeSucceeded, OutcomeDegraded, OutcomeFailed:
		default:
			return fmt.Errorf("item event has unknown outcome %q", e.Outcome)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
