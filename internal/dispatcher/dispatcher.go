// Package dispatcher manages worker fan-out over a run's work queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// Runner consumes a queue until it drains or ctx ends. *worker.Worker
// satisfies it.
type Runner interface {
	Run(ctx context.Context, queue crawler.Queue)
}

// Dispatcher fans out queue work to a bounded pool of workers.
type Dispatcher struct {
	queue   crawler.Queue
	workers []Runner
}

// New creates a Dispatcher.
func New(queue crawler.Queue, workers ...Runner) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until every one has returned: either the
// queue was closed and drained, or ctx was cancelled and in-flight items
// finished.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx, d.queue)
		}()
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.WorkItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Close stops accepting work; workers exit once the queue drains.
func (d *Dispatcher) Close() {
	d.queue.Close()
}
