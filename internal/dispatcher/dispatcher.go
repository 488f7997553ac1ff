// Package dispatcher manages worker fan-out over the task queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/title-fanout/internal/fanout"
)

// Runner is one unit of execution capacity.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans queue work out to a pool of workers.
type Dispatcher struct {
	queue   fanout.Queue
	workers []Runner
}

// New creates a Dispatcher.
func New(queue fanout.Queue, workers []Runner) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Add registers more workers. It must be called before Run; it lets the
// workers' result sink be built around the Dispatcher itself.
func (d *Dispatcher) Add(workers ...Runner) {
	d.workers = append(d.workers, workers...)
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue hands a dispatched task to the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task fanout.Task) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}
