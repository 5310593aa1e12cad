// Package dispatcher runs the fixed-size worker pool over the shared queue.
package dispatcher

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/JakeFAU/statement-crawler/internal/worker"
)

// DefaultConcurrency is the pool size when none is configured.
const DefaultConcurrency = 10

// Dispatcher fans queue work out to a pool of workers.
type Dispatcher struct {
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher over prebuilt workers.
func New(workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, logger: logger}
}

// NewPool builds n workers sharing deps, each with its own named logger.
func NewPool(n int, deps worker.Deps, cfg worker.Config, logger *zap.Logger) *Dispatcher {
	if n <= 0 {
		n = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*worker.Worker, 0, n)
	for i := 0; i < n; i++ {
		workers = append(workers, worker.New(deps, cfg, logger.Named("worker").With(zap.Int("index", i))))
	}
	return New(workers, logger)
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts every worker and blocks until all have returned: either the
// queue is drained or stop was closed and in-flight items settled. report is
// serialized across workers. A panicking worker is re-raised after the rest
// finish.
func (d *Dispatcher) Run(ctx context.Context, stop <-chan struct{}, report func(worker.Result)) {
	var mu sync.Mutex
	serialized := func(r worker.Result) {
		if report == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		report(r)
	}

	d.logger.Info("worker pool started", zap.Int("workers", len(d.workers)))
	var wg conc.WaitGroup
	for _, w := range d.workers {
		wg.Go(func() {
			w.Run(ctx, stop, serialized)
		})
	}
	wg.Wait()
	d.logger.Info("worker pool drained")
}
