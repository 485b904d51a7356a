package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
	"github.com/Droze-svj/click-platform-sub007/internal/filter"
	"github.com/Droze-svj/click-platform-sub007/internal/store"
)

// ErrUnknownEventType rejects events outside the closed vocabulary before
// they can reach any subscriber.
var ErrUnknownEventType = errors.New("unknown event type")

// SubscriptionResolver answers which subscriptions want an event.
type SubscriptionResolver interface {
	ResolveSubscriptions(ctx context.Context, tenantID string, eventType domain.EventType) ([]domain.Subscription, error)
}

// AuditRecorder appends delivery attempt rows.
type AuditRecorder interface {
	RecordAttempt(ctx context.Context, rec store.AttemptRecord) error
}

// StreamPublisher pushes events to connected live sessions.
type StreamPublisher interface {
	Publish(tenantID string, eventType domain.EventType, payload json.RawMessage)
}

// FanOutEngine turns one domain event into delivery jobs for every
// matching subscription, plus a push to connected live sessions. Emission
// is fire-and-forget with respect to delivery: once jobs are queued the
// caller is done.
type FanOutEngine struct {
	resolver SubscriptionResolver
	audit    AuditRecorder
	queue    *Queue
	limiter  *RateLimiter
	batcher  *Batcher
	stream   StreamPublisher
	logger   *slog.Logger
}

func NewFanOutEngine(resolver SubscriptionResolver, audit AuditRecorder, queue *Queue, limiter *RateLimiter, batcher *Batcher, stream StreamPublisher, logger *slog.Logger) *FanOutEngine {
	return &FanOutEngine{
		resolver: resolver,
		audit:    audit,
		queue:    queue,
		limiter:  limiter,
		batcher:  batcher,
		stream:   stream,
		logger:   logger,
	}
}

// Emit distributes one event. Returns the number of deliveries queued.
// Having no matching subscriptions is not an error, just a zero.
func (f *FanOutEngine) Emit(ctx context.Context, event domain.Event) (int, error) {
	if !event.Type.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEventType, event.Type)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	eventID := uuid.NewString()

	// Live sessions get the event regardless of webhook subscriptions.
	if f.stream != nil {
		f.stream.Publish(event.TenantID, event.Type, event.Payload)
	}

	subs, err := f.resolver.ResolveSubscriptions(ctx, event.TenantID, event.Type)
	if err != nil {
		return 0, fmt.Errorf("resolving subscriptions: %w", err)
	}
	if len(subs) == 0 {
		f.logger.Debug("no matching subscriptions",
			"tenant_id", event.TenantID, "event_type", event.Type)
		return 0, nil
	}

	queued := 0
	for i := range subs {
		sub := &subs[i]

		if !filter.Matches(sub, event) {
			f.recordSkip(ctx, sub.ID, eventID, event, domain.AttemptFiltered, "")
			continue
		}

		if sub.Settings.RateLimit.Enabled {
			window := time.Duration(sub.Settings.RateLimit.WindowMs) * time.Millisecond
			if !f.limiter.Allow(ctx, SubscriptionRateKey(sub.ID), sub.Settings.RateLimit.MaxRequests, window) {
				// Over budget: dropped, not retried.
				f.recordSkip(ctx, sub.ID, eventID, event, domain.AttemptRateLimited,
					fmt.Sprintf("over %d requests per %s", sub.Settings.RateLimit.MaxRequests, window))
				continue
			}
		}

		job := buildJob(sub, EventPayload{
			EventID:   eventID,
			EventType: event.Type,
			Payload:   event.Payload,
			Timestamp: event.Timestamp,
		})

		if sub.Settings.Batch.Enabled {
			f.batcher.Add(ctx, job)
			queued++
			continue
		}

		if err := f.queue.Enqueue(ctx, job); err != nil {
			f.logger.Error("failed to queue delivery",
				"error", err, "subscription_id", sub.ID, "event_type", event.Type)
			continue
		}
		queued++
	}

	f.logger.Info("fan-out complete",
		"tenant_id", event.TenantID,
		"event_type", event.Type,
		"deliveries_queued", queued,
	)
	return queued, nil
}

// Queue exposes the delivery queue for replay and metrics.
func (f *FanOutEngine) Queue() *Queue { return f.queue }

func (f *FanOutEngine) recordSkip(ctx context.Context, subscriptionID, eventID string, event domain.Event, status, detail string) {
	err := f.audit.RecordAttempt(ctx, store.AttemptRecord{
		SubscriptionID:  subscriptionID,
		EventID:         eventID,
		EventType:       event.Type,
		AttemptNumber:   0,
		Status:          status,
		PayloadSnapshot: event.Payload,
		ErrorDetail:     detail,
	})
	if err != nil {
		f.logger.Error("failed to record skipped delivery",
			"error", err, "subscription_id", subscriptionID, "status", status)
	}
}

func buildJob(sub *domain.Subscription, ev EventPayload) DeliveryJob {
	job := DeliveryJob{
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		EndpointURL:    sub.EndpointURL,
		Secret:         sub.Secret,
		Events:         []EventPayload{ev},
		RetryAttempts:  sub.Settings.RetryAttempts,
		RetryDelayMs:   sub.Settings.RetryDelayMs,
		TimeoutMs:      sub.Settings.TimeoutMs,
		Headers:        sub.Headers,
		Transform:      sub.Transform,
	}
	if sub.Settings.Batch.Enabled {
		job.BatchMaxSize = sub.Settings.Batch.MaxBatchSize
		job.BatchWindowMs = sub.Settings.Batch.WindowMs
	}
	return job
}
