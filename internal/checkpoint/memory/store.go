// Package memory keeps checkpoints in process memory.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// Store implements crawler.CheckpointStore.
type Store struct {
	mu  sync.Mutex
	cps map[crawler.Source]crawler.Checkpoint
}

// New returns an empty Store.
func New() *Store {
	return &Store{cps: make(map[crawler.Source]crawler.Checkpoint)}
}

// Load returns a copy of the checkpoint for source.
func (s *Store) Load(ctx context.Context, source crawler.Source) (crawler.Checkpoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Checkpoint{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[source]
	if !ok {
		return crawler.Checkpoint{}, false, nil
	}
	return clone(cp), true, nil
}

// Save replaces the checkpoint for cp.Source.
func (s *Store) Save(ctx context.Context, cp crawler.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[cp.Source] = clone(cp)
	return nil
}

// MarkDone adds url to the done set of source's checkpoint.
func (s *Store) MarkDone(ctx context.Context, source crawler.Source, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[source]
	if !ok {
		cp = crawler.Checkpoint{Source: source}
	}
	if cp.Done == nil {
		cp.Done = make(map[string]struct{})
	}
	cp.Done[url] = struct{}{}
	s.cps[source] = cp
	return nil
}

// Clear drops the checkpoint for source.
func (s *Store) Clear(ctx context.Context, source crawler.Source) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cps, source)
	return nil
}

func clone(cp crawler.Checkpoint) crawler.Checkpoint {
	out := cp
	out.Queue = append([]string(nil), cp.Queue...)
	out.Done = make(map[string]struct{}, len(cp.Done))
	for k := range cp.Done {
		out.Done[k] = struct{}{}
	}
	return out
}
