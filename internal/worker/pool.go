// Package worker moves delivery jobs from the Redis queue onto a fixed
// pool of goroutines running the delivery pipeline.
package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Droze-svj/click-platform-sub007/internal/engine"
)

// JobRunner executes a single delivery job to its terminal state.
type JobRunner interface {
	Deliver(ctx context.Context, job engine.DeliveryJob)
}

// Pool manages a fixed number of worker goroutines that process delivery jobs.
type Pool struct {
	numWorkers int
	jobs       chan engine.DeliveryJob
	runner     JobRunner
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(numWorkers int, runner JobRunner, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan engine.DeliveryJob, numWorkers*2),
		runner:     runner,
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the jobs channel
// until it is closed or the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit sends a job to the worker pool via the jobs channel. It reports
// false when ctx ends before a worker can take the job; the caller keeps
// ownership of refused jobs. Submit must not be called after Stop.
func (p *Pool) Submit(ctx context.Context, job engine.DeliveryJob) bool {
	select {
	case <-ctx.Done():
		return false
	case p.jobs <- job:
		return true
	}
}

// Stop closes the jobs channel and waits for all workers to finish.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// worker is a single goroutine that processes jobs from the channel.
func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for job := range p.jobs {
		select {
		case <-ctx.Done():
			return
		default:
			p.runner.Deliver(ctx, job)
		}
	}
}
