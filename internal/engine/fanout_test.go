package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
	"github.com/Droze-svj/click-platform-sub007/internal/store"
)

type stubResolver struct {
	subs []domain.Subscription
}

func (r *stubResolver) ResolveSubscriptions(context.Context, string, domain.EventType) ([]domain.Subscription, error) {
	return r.subs, nil
}

type stubAudit struct {
	mu      sync.Mutex
	records []store.AttemptRecord
}

func (a *stubAudit) RecordAttempt(_ context.Context, rec store.AttemptRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

type stubStream struct {
	mu        sync.Mutex
	published []domain.EventType
}

func (s *stubStream) Publish(_ string, eventType domain.EventType, _ json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, eventType)
}

func activeSub(id string) domain.Subscription {
	sub := domain.Subscription{
		ID:          id,
		TenantID:    "ws-1",
		EndpointURL: "http://example.com/hook",
		Secret:      "whsec_" + id,
		Events:      []domain.EventType{domain.EventContentCreated},
		Status:      domain.StatusActive,
	}
	sub.Settings.ApplyDefaults()
	return sub
}

func setupFanOut(t *testing.T, subs ...domain.Subscription) (*FanOutEngine, *Queue, *stubAudit, *stubStream) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	queue := NewQueue(client)
	audit := &stubAudit{}
	streamRec := &stubStream{}
	f := NewFanOutEngine(&stubResolver{subs: subs}, audit, queue, NewRateLimiter(client, logger), NewBatcher(queue, logger), streamRec, logger)
	return f, queue, audit, streamRec
}

func contentEvent() domain.Event {
	return domain.Event{
		TenantID: "ws-1",
		Type:     domain.EventContentCreated,
		Payload:  json.RawMessage(`{"id":"c-1","platform":"linkedin"}`),
	}
}

func TestEmit_UnknownTypeRejected(t *testing.T) {
	f, _, _, _ := setupFanOut(t)

	_, err := f.Emit(context.Background(), domain.Event{
		TenantID: "ws-1",
		Type:     "made.up",
		Payload:  json.RawMessage(`{}`),
	})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestEmit_QueuesMatchingSubscriptions(t *testing.T) {
	f, queue, _, _ := setupFanOut(t, activeSub("sub-1"), activeSub("sub-2"))

	queued, err := f.Emit(context.Background(), contentEvent())
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if queued != 2 {
		t.Errorf("queued = %d, want 2", queued)
	}

	depth, err := queue.Depth(context.Background())
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Errorf("queue depth = %d, want 2", depth)
	}

	// Jobs carry the subscription's delivery snapshot.
	members, _ := queue.Client().ZRange(context.Background(), DeliveryQueueKey, 0, -1).Result()
	var job DeliveryJob
	if err := json.Unmarshal([]byte(members[0]), &job); err != nil {
		t.Fatalf("unmarshaling job: %v", err)
	}
	if job.Secret == "" || job.RetryAttempts != domain.DefaultRetryAttempts {
		t.Errorf("job missing subscription snapshot: %+v", job)
	}
	if len(job.Events) != 1 || job.Events[0].EventType != domain.EventContentCreated {
		t.Errorf("job events wrong: %+v", job.Events)
	}
}

func TestEmit_NoSubscriptionsIsZero(t *testing.T) {
	f, _, _, _ := setupFanOut(t)

	queued, err := f.Emit(context.Background(), contentEvent())
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if queued != 0 {
		t.Errorf("queued = %d, want 0", queued)
	}
}

func TestEmit_FilterMismatchRecordsFiltered(t *testing.T) {
	sub := activeSub("sub-1")
	sub.Filters = &domain.FilterSpec{Platforms: []string{"twitter"}}
	f, queue, audit, _ := setupFanOut(t, sub)

	queued, err := f.Emit(context.Background(), contentEvent())
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if queued != 0 {
		t.Errorf("queued = %d, want 0", queued)
	}

	depth, _ := queue.Depth(context.Background())
	if depth != 0 {
		t.Errorf("filtered event must not reach the queue, depth = %d", depth)
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(audit.records))
	}
	rec := audit.records[0]
	if rec.Status != domain.AttemptFiltered {
		t.Errorf("status = %q, want filtered", rec.Status)
	}
	if rec.AttemptNumber != 0 {
		t.Errorf("skip records carry attempt 0, got %d", rec.AttemptNumber)
	}
}

func TestEmit_RateLimitedRecordsSkip(t *testing.T) {
	sub := activeSub("sub-1")
	sub.Settings.RateLimit.Enabled = true
	sub.Settings.RateLimit.MaxRequests = 1
	sub.Settings.RateLimit.WindowMs = 60_000
	f, queue, audit, _ := setupFanOut(t, sub)

	ctx := context.Background()
	if _, err := f.Emit(ctx, contentEvent()); err != nil {
		t.Fatalf("first emit: %v", err)
	}
	queued, err := f.Emit(ctx, contentEvent())
	if err != nil {
		t.Fatalf("second emit: %v", err)
	}
	if queued != 0 {
		t.Errorf("over-budget emit queued %d deliveries, want 0", queued)
	}

	depth, _ := queue.Depth(ctx)
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1 (only the first emit)", depth)
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.records) != 1 || audit.records[0].Status != domain.AttemptRateLimited {
		t.Fatalf("expected a single rate_limited record, got %+v", audit.records)
	}
}

func TestEmit_BatchingSubscriptionAccumulates(t *testing.T) {
	sub := activeSub("sub-1")
	sub.Settings.Batch.Enabled = true
	sub.Settings.Batch.MaxBatchSize = 10
	sub.Settings.Batch.WindowMs = 60_000
	f, queue, _, _ := setupFanOut(t, sub)

	queued, err := f.Emit(context.Background(), contentEvent())
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if queued != 1 {
		t.Errorf("queued = %d, want 1", queued)
	}

	// Accumulating, not yet on the wire queue.
	depth, _ := queue.Depth(context.Background())
	if depth != 0 {
		t.Errorf("batching subscription should hold the event back, depth = %d", depth)
	}
}

func TestEmit_PublishesToLiveSessions(t *testing.T) {
	f, _, _, streamRec := setupFanOut(t)

	if _, err := f.Emit(context.Background(), contentEvent()); err != nil {
		t.Fatalf("emit: %v", err)
	}

	streamRec.mu.Lock()
	defer streamRec.mu.Unlock()
	if len(streamRec.published) != 1 || streamRec.published[0] != domain.EventContentCreated {
		t.Errorf("live sessions should see the event even with no webhook subscriptions, got %+v", streamRec.published)
	}
}
