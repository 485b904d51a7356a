package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Batcher accumulates delivery jobs per subscription and flushes them as a
// single multi-event job once the batch reaches its size cap or its window
// elapses, whichever comes first.
type Batcher struct {
	mu      sync.Mutex
	pending map[string]*pendingBatch
	queue   *Queue
	logger  *slog.Logger
}

type pendingBatch struct {
	job   DeliveryJob
	timer *time.Timer
}

func NewBatcher(queue *Queue, logger *slog.Logger) *Batcher {
	return &Batcher{
		pending: make(map[string]*pendingBatch),
		queue:   queue,
		logger:  logger,
	}
}

// Add folds one single-event job into the subscription's pending batch,
// opening a new window if none is accumulating. The size-cap flush
// enqueues outside the lock, like FlushAll, so a slow Redis round trip
// never blocks concurrent fan-out.
func (b *Batcher) Add(ctx context.Context, job DeliveryJob) {
	b.mu.Lock()

	p, ok := b.pending[job.SubscriptionID]
	if !ok {
		window := time.Duration(job.BatchWindowMs) * time.Millisecond
		if window <= 0 {
			window = time.Second
		}
		subID := job.SubscriptionID
		p = &pendingBatch{job: job}
		p.timer = time.AfterFunc(window, func() {
			b.flushSubscription(subID)
		})
		b.pending[subID] = p
	} else {
		p.job.Events = append(p.job.Events, job.Events...)
	}

	var full *DeliveryJob
	if p.job.BatchMaxSize > 0 && len(p.job.Events) >= p.job.BatchMaxSize {
		p.timer.Stop()
		delete(b.pending, job.SubscriptionID)
		full = &p.job
	}
	b.mu.Unlock()

	if full != nil {
		b.enqueue(*full)
	}
}

// flushSubscription is the window-expiry path.
func (b *Batcher) flushSubscription(subscriptionID string) {
	b.mu.Lock()
	p, ok := b.pending[subscriptionID]
	if ok {
		delete(b.pending, subscriptionID)
	}
	b.mu.Unlock()

	if ok {
		b.enqueue(p.job)
	}
}

// FlushAll drains every pending batch. Called on shutdown so accumulating
// events are not lost with the process.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	batches := make([]*pendingBatch, 0, len(b.pending))
	for id, p := range b.pending {
		p.timer.Stop()
		batches = append(batches, p)
		delete(b.pending, id)
	}
	b.mu.Unlock()

	for _, p := range batches {
		b.enqueue(p.job)
	}
}

// PendingCount returns how many subscriptions have an open batch window.
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher) enqueue(job DeliveryJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.queue.Enqueue(ctx, job); err != nil {
		b.logger.Error("failed to queue batched delivery",
			"error", err,
			"subscription_id", job.SubscriptionID,
			"batch_size", len(job.Events),
		)
	}
}
