package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
)

func setupBatcher(t *testing.T) (*Batcher, *Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	queue := NewQueue(client)
	return NewBatcher(queue, logger), queue
}

func batchJob(subID, eventID string, maxSize, windowMs int) DeliveryJob {
	return DeliveryJob{
		SubscriptionID: subID,
		TenantID:       "ws-1",
		EndpointURL:    "http://example.com/hook",
		Secret:         "whsec_test",
		Events: []EventPayload{{
			EventID:   eventID,
			EventType: domain.EventContentCreated,
			Payload:   json.RawMessage(`{"n":1}`),
			Timestamp: time.Now(),
		}},
		RetryAttempts: 3,
		RetryDelayMs:  100,
		TimeoutMs:     1000,
		BatchMaxSize:  maxSize,
		BatchWindowMs: windowMs,
	}
}

func queuedJobs(t *testing.T, queue *Queue) []DeliveryJob {
	t.Helper()
	members, err := queue.Client().ZRange(context.Background(), DeliveryQueueKey, 0, -1).Result()
	if err != nil {
		t.Fatalf("reading queue: %v", err)
	}
	jobs := make([]DeliveryJob, 0, len(members))
	for _, m := range members {
		var job DeliveryJob
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			t.Fatalf("unmarshaling job: %v", err)
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func TestBatcher_FlushesOnSize(t *testing.T) {
	b, queue := setupBatcher(t)
	ctx := context.Background()

	// Window is long; size cap of 3 should trigger the flush.
	b.Add(ctx, batchJob("sub-1", "evt-1", 3, 60_000))
	b.Add(ctx, batchJob("sub-1", "evt-2", 3, 60_000))

	if jobs := queuedJobs(t, queue); len(jobs) != 0 {
		t.Fatalf("batch should still be accumulating, found %d queued jobs", len(jobs))
	}

	b.Add(ctx, batchJob("sub-1", "evt-3", 3, 60_000))

	jobs := queuedJobs(t, queue)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 queued batch job, got %d", len(jobs))
	}
	if len(jobs[0].Events) != 3 {
		t.Errorf("expected 3 events in batch, got %d", len(jobs[0].Events))
	}
	if !jobs[0].IsBatch() {
		t.Error("multi-event job should report IsBatch")
	}
	if b.PendingCount() != 0 {
		t.Errorf("no batch should remain pending, got %d", b.PendingCount())
	}
}

func TestBatcher_FlushesOnWindow(t *testing.T) {
	b, queue := setupBatcher(t)
	ctx := context.Background()

	b.Add(ctx, batchJob("sub-1", "evt-1", 100, 50))
	b.Add(ctx, batchJob("sub-1", "evt-2", 100, 50))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if jobs := queuedJobs(t, queue); len(jobs) == 1 {
			if len(jobs[0].Events) != 2 {
				t.Errorf("expected 2 events in batch, got %d", len(jobs[0].Events))
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("window expiry never flushed the batch")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBatcher_SeparateSubscriptions(t *testing.T) {
	b, queue := setupBatcher(t)
	ctx := context.Background()

	b.Add(ctx, batchJob("sub-1", "evt-1", 2, 60_000))
	b.Add(ctx, batchJob("sub-2", "evt-2", 2, 60_000))

	if jobs := queuedJobs(t, queue); len(jobs) != 0 {
		t.Fatalf("batches must not mix subscriptions, found %d queued", len(jobs))
	}

	b.Add(ctx, batchJob("sub-1", "evt-3", 2, 60_000))

	jobs := queuedJobs(t, queue)
	if len(jobs) != 1 {
		t.Fatalf("only sub-1 should have flushed, got %d jobs", len(jobs))
	}
	if jobs[0].SubscriptionID != "sub-1" {
		t.Errorf("flushed job belongs to %s, want sub-1", jobs[0].SubscriptionID)
	}
}

// stallHook blocks ZADD commands until released, signalling when one is
// in flight.
type stallHook struct {
	entered chan struct{}
	release chan struct{}
}

func (h *stallHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *stallHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "zadd" {
			select {
			case h.entered <- struct{}{}:
			default:
			}
			<-h.release
		}
		return next(ctx, cmd)
	}
}

func (h *stallHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestBatcher_SizeFlushDoesNotBlockOthers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	hook := &stallHook{entered: make(chan struct{}, 1), release: make(chan struct{})}
	client.AddHook(hook)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	b := NewBatcher(NewQueue(client), logger)
	ctx := context.Background()

	b.Add(ctx, batchJob("sub-1", "evt-1", 2, 60_000))

	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		b.Add(ctx, batchJob("sub-1", "evt-2", 2, 60_000))
	}()

	// Wait until the size-cap flush is mid-write to Redis, then make sure
	// other producers are not stuck behind it.
	<-hook.entered

	progressed := make(chan struct{})
	go func() {
		defer close(progressed)
		b.Add(ctx, batchJob("sub-2", "evt-3", 10, 60_000))
		b.PendingCount()
	}()

	select {
	case <-progressed:
	case <-time.After(2 * time.Second):
		t.Fatal("batcher lock held across the queue write")
	}

	close(hook.release)
	<-flushed
}

func TestBatcher_FlushAllDrains(t *testing.T) {
	b, queue := setupBatcher(t)
	ctx := context.Background()

	b.Add(ctx, batchJob("sub-1", "evt-1", 10, 60_000))
	b.Add(ctx, batchJob("sub-2", "evt-2", 10, 60_000))

	b.FlushAll()

	if jobs := queuedJobs(t, queue); len(jobs) != 2 {
		t.Fatalf("expected both pending batches queued, got %d", len(jobs))
	}
	if b.PendingCount() != 0 {
		t.Errorf("pending count should be 0 after FlushAll, got %d", b.PendingCount())
	}
}
