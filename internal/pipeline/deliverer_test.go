package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
	"github.com/Droze-svj/click-platform-sub007/internal/engine"
	"github.com/Droze-svj/click-platform-sub007/internal/signature"
	"github.com/Droze-svj/click-platform-sub007/internal/store"
)

// memAudit collects audit rows in memory.
type memAudit struct {
	mu      sync.Mutex
	records []store.AttemptRecord
}

func (m *memAudit) RecordAttempt(_ context.Context, rec store.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memAudit) byStatus(status string) []store.AttemptRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AttemptRecord
	for _, r := range m.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func (m *memAudit) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// memRegistry counts outcome calls.
type memRegistry struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (m *memRegistry) RecordOutcome(_ context.Context, _ string, success bool, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.successes++
	} else {
		m.failures++
	}
	return nil
}

func newTestDeliverer(audit *memAudit, reg *memRegistry) *Deliverer {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewDeliverer(audit, reg, NewTransformRegistry(), logger)
}

func testJob(endpoint string, retries, delayMs int) engine.DeliveryJob {
	return engine.DeliveryJob{
		SubscriptionID: "sub-1",
		TenantID:       "ws-1",
		EndpointURL:    endpoint,
		Secret:         "whsec_test",
		Events: []engine.EventPayload{{
			EventID:   "evt-1",
			EventType: domain.EventContentCreated,
			Payload:   json.RawMessage(`{"id":"c-1","platform":"linkedin"}`),
			Timestamp: time.Now().UTC(),
		}},
		RetryAttempts: retries,
		RetryDelayMs:  delayMs,
		TimeoutMs:     5000,
	}
}

func TestDeliver_SingleEventSuccess(t *testing.T) {
	var receivedCount atomic.Int32
	var receivedHeaders http.Header
	var receivedBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedCount.Add(1)
		receivedHeaders = r.Header.Clone()
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	audit := &memAudit{}
	reg := &memRegistry{}
	d := newTestDeliverer(audit, reg)

	d.Deliver(context.Background(), testJob(server.URL, 3, 100))

	if receivedCount.Load() != 1 {
		t.Fatalf("expected exactly 1 request, got %d", receivedCount.Load())
	}
	if got := receivedHeaders.Get("X-Webhook-Event"); got != "content.created" {
		t.Errorf("X-Webhook-Event = %q, want %q", got, "content.created")
	}
	if got := receivedHeaders.Get("X-Webhook-Id"); got != "sub-1" {
		t.Errorf("X-Webhook-Id = %q, want %q", got, "sub-1")
	}

	// The signature covers the exact bytes on the wire.
	sig := receivedHeaders.Get("X-Webhook-Signature")
	if !signature.Verify(receivedBody, sig, "whsec_test") {
		t.Error("signature should verify against the raw transmitted body")
	}

	var env struct {
		Event     string          `json:"event"`
		Timestamp time.Time       `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(receivedBody, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	if env.Event != "content.created" {
		t.Errorf("envelope event = %q, want content.created", env.Event)
	}

	// Exactly one audit row, one success outcome.
	if audit.count() != 1 {
		t.Errorf("expected 1 audit record, got %d", audit.count())
	}
	if len(audit.byStatus(domain.AttemptDelivered)) != 1 {
		t.Error("the single record should be delivered")
	}
	if reg.successes != 1 || reg.failures != 0 {
		t.Errorf("outcomes = %d success / %d failure, want 1/0", reg.successes, reg.failures)
	}
}

func TestDeliver_TransientFailuresThenSuccess(t *testing.T) {
	// Fail the first 2 attempts, then succeed: at-least-once with k=2.
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	audit := &memAudit{}
	reg := &memRegistry{}
	d := newTestDeliverer(audit, reg)

	d.Deliver(context.Background(), testJob(server.URL, 5, 10))

	// k+1 = 3 audit rows: two retrying, one delivered.
	if audit.count() != 3 {
		t.Fatalf("expected 3 audit records, got %d", audit.count())
	}
	if n := len(audit.byStatus(domain.AttemptRetrying)); n != 2 {
		t.Errorf("expected 2 retrying records, got %d", n)
	}
	if n := len(audit.byStatus(domain.AttemptDelivered)); n != 1 {
		t.Errorf("expected 1 delivered record, got %d", n)
	}

	// Counters move once per event, not once per attempt.
	if reg.successes != 1 || reg.failures != 0 {
		t.Errorf("outcomes = %d success / %d failure, want 1/0", reg.successes, reg.failures)
	}
}

func TestDeliver_ExhaustionWithLinearBackoff(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	audit := &memAudit{}
	reg := &memRegistry{}
	d := newTestDeliverer(audit, reg)

	start := time.Now()
	d.Deliver(context.Background(), testJob(server.URL, 3, 100))
	elapsed := time.Since(start)

	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if audit.count() != 3 {
		t.Fatalf("expected 3 audit records, got %d", audit.count())
	}
	if n := len(audit.byStatus(domain.AttemptFailed)); n != 1 {
		t.Errorf("expected 1 terminal failed record, got %d", n)
	}
	if reg.failures != 1 || reg.successes != 0 {
		t.Errorf("outcomes = %d success / %d failure, want 0/1", reg.successes, reg.failures)
	}

	// Linear backoff: waits of 100ms then 200ms before attempts 2 and 3.
	if elapsed < 300*time.Millisecond {
		t.Errorf("elapsed %v, want >= 300ms from linear backoff", elapsed)
	}
}

func TestDeliver_NetworkErrorIsRetryable(t *testing.T) {
	audit := &memAudit{}
	reg := &memRegistry{}
	d := newTestDeliverer(audit, reg)

	// Nothing listens here; every attempt is a network-level failure.
	job := testJob("http://127.0.0.1:1/webhook", 2, 1)
	d.Deliver(context.Background(), job)

	if audit.count() != 2 {
		t.Fatalf("expected 2 audit records, got %d", audit.count())
	}
	failed := audit.byStatus(domain.AttemptFailed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed record, got %d", len(failed))
	}
	if failed[0].HTTPStatus != nil {
		t.Error("network failure should have no HTTP status")
	}
	if failed[0].ErrorDetail == "" {
		t.Error("network failure should carry an error detail")
	}
}

func TestDeliver_BatchRecordsEveryEvent(t *testing.T) {
	var receivedHeaders http.Header
	var receivedBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	audit := &memAudit{}
	reg := &memRegistry{}
	d := newTestDeliverer(audit, reg)

	job := testJob(server.URL, 3, 10)
	job.Events = append(job.Events,
		engine.EventPayload{
			EventID:   "evt-2",
			EventType: domain.EventPostScheduled,
			Payload:   json.RawMessage(`{"id":"p-1"}`),
			Timestamp: time.Now().UTC(),
		},
		engine.EventPayload{
			EventID:   "evt-3",
			EventType: domain.EventPostPublished,
			Payload:   json.RawMessage(`{"id":"p-2"}`),
			Timestamp: time.Now().UTC(),
		},
	)

	d.Deliver(context.Background(), job)

	if got := receivedHeaders.Get("X-Webhook-Batch-Size"); got != "3" {
		t.Errorf("X-Webhook-Batch-Size = %q, want 3", got)
	}

	var env struct {
		Batch  bool              `json:"batch"`
		Count  int               `json:"count"`
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(receivedBody, &env); err != nil {
		t.Fatalf("batch envelope is not valid JSON: %v", err)
	}
	if !env.Batch || env.Count != 3 || len(env.Events) != 3 {
		t.Errorf("batch envelope = {batch:%v count:%d events:%d}, want {true 3 3}", env.Batch, env.Count, len(env.Events))
	}

	// One audit row and one outcome per constituent event.
	if audit.count() != 3 {
		t.Errorf("expected 3 audit records, got %d", audit.count())
	}
	if reg.successes != 3 {
		t.Errorf("expected 3 success outcomes, got %d", reg.successes)
	}
}

func TestDeliver_TransformFailureSendsUntransformed(t *testing.T) {
	var receivedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	audit := &memAudit{}
	reg := &memRegistry{}
	d := newTestDeliverer(audit, reg)
	d.transforms.Register("exploding", func(json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})

	job := testJob(server.URL, 1, 10)
	job.Transform = "exploding"

	d.Deliver(context.Background(), job)

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(receivedBody, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	if string(env.Data) != `{"id":"c-1","platform":"linkedin"}` {
		t.Errorf("transform failure should fall back to the original payload, got %s", env.Data)
	}
	if reg.successes != 1 {
		t.Errorf("delivery should still succeed, outcomes = %d", reg.successes)
	}
}

func TestDeliver_CustomHeadersCannotClobberSignature(t *testing.T) {
	var receivedHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	audit := &memAudit{}
	reg := &memRegistry{}
	d := newTestDeliverer(audit, reg)

	job := testJob(server.URL, 1, 10)
	job.Headers = map[string]string{
		"X-Custom-Header":     "custom-value",
		"X-Webhook-Signature": "forged",
	}

	d.Deliver(context.Background(), job)

	if got := receivedHeaders.Get("X-Custom-Header"); got != "custom-value" {
		t.Errorf("custom header not forwarded, got %q", got)
	}
	if receivedHeaders.Get("X-Webhook-Signature") == "forged" {
		t.Error("user headers must not override the computed signature")
	}
}
