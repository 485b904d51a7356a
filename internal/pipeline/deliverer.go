// Package pipeline performs the actual webhook pushes: envelope
// serialization, signing, the HTTP send, linear-backoff retries, audit
// recording and subscription counter updates.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
	"github.com/Droze-svj/click-platform-sub007/internal/engine"
	"github.com/Droze-svj/click-platform-sub007/internal/signature"
	"github.com/Droze-svj/click-platform-sub007/internal/store"
)

// AuditLog is where every attempt lands, success or not.
type AuditLog interface {
	RecordAttempt(ctx context.Context, rec store.AttemptRecord) error
}

// OutcomeRecorder updates a subscription's rolling counters. Called exactly
// once per event per delivery, never once per attempt.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, subscriptionID string, success bool, responseTimeMs int) error
}

// envelope is the signed wire structure for a single event.
type envelope struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// batchEnvelope wraps several events under one signature.
type batchEnvelope struct {
	Batch  bool       `json:"batch"`
	Count  int        `json:"count"`
	Events []envelope `json:"events"`
}

// Deliverer executes delivery jobs against subscriber endpoints.
type Deliverer struct {
	httpClient *http.Client
	audit      AuditLog
	registry   OutcomeRecorder
	transforms *TransformRegistry
	logger     *slog.Logger
}

// NewDeliverer creates a deliverer. The HTTP client carries no global
// timeout; each attempt is bounded by the job's configured timeout.
func NewDeliverer(audit AuditLog, registry OutcomeRecorder, transforms *TransformRegistry, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		httpClient: &http.Client{},
		audit:      audit,
		registry:   registry,
		transforms: transforms,
		logger:     logger,
	}
}

// Deliver runs one job to its terminal state: delivered on the first 2xx,
// failed after the retry budget is spent. Attempts for the same job are
// strictly sequential; the linear backoff wait before attempt n+1 is
// retryDelay * n. Errors never propagate to the caller — outcomes live in
// the audit log and the subscription counters.
func (d *Deliverer) Deliver(ctx context.Context, job engine.DeliveryJob) {
	body, perEvent := d.serialize(job)
	sig := signature.Sign(body, job.Secret)
	retries := job.RetryAttempts
	if retries <= 0 {
		retries = domain.DefaultRetryAttempts
	}

	for attempt := 1; attempt <= retries; attempt++ {
		statusCode, elapsed, sendErr := d.send(ctx, job, body, sig)

		if sendErr == "" && statusCode != nil && *statusCode >= 200 && *statusCode < 300 {
			d.recordAttempts(ctx, job, perEvent, attempt, domain.AttemptDelivered, statusCode, elapsed, "")
			d.recordOutcomes(ctx, job, true, elapsed)
			d.logger.Info("delivery successful",
				"subscription_id", job.SubscriptionID,
				"attempt", attempt,
				"status_code", *statusCode,
				"response_time_ms", elapsed,
				"events", len(job.Events),
			)
			return
		}

		detail := sendErr
		if detail == "" && statusCode != nil {
			// Non-2xx is a retryable failure, distinct from a network
			// error, and never a panic or thrown error.
			detail = fmt.Sprintf("endpoint returned status %d", *statusCode)
		}

		if attempt == retries {
			d.recordAttempts(ctx, job, perEvent, attempt, domain.AttemptFailed, statusCode, elapsed, detail)
			d.recordOutcomes(ctx, job, false, elapsed)
			d.logger.Warn("delivery failed permanently",
				"subscription_id", job.SubscriptionID,
				"attempts", attempt,
				"error", detail,
			)
			return
		}

		d.recordAttempts(ctx, job, perEvent, attempt, domain.AttemptRetrying, statusCode, elapsed, detail)

		delay := time.Duration(job.RetryDelayMs*attempt) * time.Millisecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// serialize builds the wire body. Single-event jobs get the plain
// envelope, batches get the batch envelope; both are signed as one body.
// The returned snapshots hold each event's data exactly as sent, for the
// audit log and replay.
func (d *Deliverer) serialize(job engine.DeliveryJob) ([]byte, []json.RawMessage) {
	perEvent := make([]json.RawMessage, len(job.Events))
	envelopes := make([]envelope, len(job.Events))
	for i, ev := range job.Events {
		data := d.applyTransform(job, ev.Payload)
		perEvent[i] = data
		envelopes[i] = envelope{
			Event:     string(ev.EventType),
			Timestamp: ev.Timestamp,
			Data:      data,
		}
	}

	var body []byte
	var err error
	if job.IsBatch() {
		body, err = json.Marshal(batchEnvelope{
			Batch:  true,
			Count:  len(envelopes),
			Events: envelopes,
		})
	} else {
		body, err = json.Marshal(envelopes[0])
	}
	if err != nil {
		// RawMessage contents are already valid JSON; this is unreachable
		// in practice but must not bring a worker down.
		d.logger.Error("failed to serialize envelope",
			"error", err, "subscription_id", job.SubscriptionID)
		return []byte("{}"), perEvent
	}
	return body, perEvent
}

// applyTransform runs the subscription's named transform, falling back to
// the untransformed payload when the transform is unknown or errors.
func (d *Deliverer) applyTransform(job engine.DeliveryJob, payload json.RawMessage) json.RawMessage {
	if job.Transform == "" {
		return payload
	}
	t, ok := d.transforms.Get(job.Transform)
	if !ok {
		d.logger.Warn("unknown transform, sending untransformed payload",
			"transform", job.Transform, "subscription_id", job.SubscriptionID)
		return payload
	}
	out, err := t(payload)
	if err != nil {
		d.logger.Warn("transform failed, sending untransformed payload",
			"transform", job.Transform,
			"subscription_id", job.SubscriptionID,
			"error", err,
		)
		return payload
	}
	return out
}

// send performs one HTTP POST bounded by the job's timeout. It returns the
// response status (nil on network failure), the elapsed milliseconds, and
// a non-empty error string for network-level failures only.
func (d *Deliverer) send(ctx context.Context, job engine.DeliveryJob, body []byte, sig string) (*int, int, string) {
	timeout := time.Duration(job.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(domain.DefaultTimeoutMs) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, job.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Sprintf("building request: %v", err)
	}

	// User-configured headers first so they cannot clobber the
	// authenticating ones.
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.Header, sig)
	req.Header.Set("X-Webhook-Id", job.SubscriptionID)
	if job.IsBatch() {
		req.Header.Set("X-Webhook-Batch-Size", strconv.Itoa(len(job.Events)))
	} else {
		req.Header.Set("X-Webhook-Event", string(job.Events[0].EventType))
	}

	resp, err := d.httpClient.Do(req)
	elapsed := int(time.Since(start).Milliseconds())
	if err != nil {
		return nil, elapsed, fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return &resp.StatusCode, elapsed, ""
}

// recordAttempts writes one audit row per constituent event for this
// attempt. Batched deliveries record identically against every event.
func (d *Deliverer) recordAttempts(ctx context.Context, job engine.DeliveryJob, snapshots []json.RawMessage, attempt int, status string, httpStatus *int, elapsed int, detail string) {
	var deliveredAt *time.Time
	if status == domain.AttemptDelivered {
		now := time.Now().UTC()
		deliveredAt = &now
	}

	for i, ev := range job.Events {
		err := d.audit.RecordAttempt(ctx, store.AttemptRecord{
			SubscriptionID:  job.SubscriptionID,
			EventID:         ev.EventID,
			EventType:       ev.EventType,
			AttemptNumber:   attempt,
			Status:          status,
			HTTPStatus:      httpStatus,
			ResponseTimeMs:  elapsed,
			PayloadSnapshot: snapshots[i],
			ErrorDetail:     detail,
			DeliveredAt:     deliveredAt,
		})
		if err != nil {
			d.logger.Error("failed to record delivery attempt",
				"error", err,
				"subscription_id", job.SubscriptionID,
				"event_id", ev.EventID,
			)
		}
	}
}

// recordOutcomes updates the rolling counters once per event.
func (d *Deliverer) recordOutcomes(ctx context.Context, job engine.DeliveryJob, success bool, elapsed int) {
	for range job.Events {
		if err := d.registry.RecordOutcome(ctx, job.SubscriptionID, success, elapsed); err != nil {
			d.logger.Error("failed to record delivery outcome",
				"error", err, "subscription_id", job.SubscriptionID)
		}
	}
}

// NewTestJob builds the delivery job for a manually triggered test ping.
func NewTestJob(sub *domain.Subscription) engine.DeliveryJob {
	payload, _ := json.Marshal(map[string]string{
		"message":         "test delivery",
		"subscription_id": sub.ID,
	})
	return engine.DeliveryJob{
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		EndpointURL:    sub.EndpointURL,
		Secret:         sub.Secret,
		Events: []engine.EventPayload{{
			EventID:   uuid.NewString(),
			EventType: domain.EventTestPing,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		}},
		RetryAttempts: 1,
		RetryDelayMs:  sub.Settings.RetryDelayMs,
		TimeoutMs:     sub.Settings.TimeoutMs,
		Headers:       sub.Headers,
	}
}
