// Package health assesses subscription endpoint health from recent audit
// history and re-drives failed deliveries through the pipeline.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
	"github.com/Droze-svj/click-platform-sub007/internal/engine"
	"github.com/Droze-svj/click-platform-sub007/internal/store"
)

const (
	// statsWindow is how far back audit rows count toward health.
	statsWindow = 24 * time.Hour

	// probeTimeout bounds the synchronous liveness probe.
	probeTimeout = 5 * time.Second

	// replayLimit caps how many failed attempts one replay call re-drives.
	replayLimit = 100

	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// ErrNotFound reports an unknown subscription or attempt.
var ErrNotFound = errors.New("not found")

// AuditReader supplies the audit history health is computed from.
type AuditReader interface {
	AttemptStatsSince(ctx context.Context, subscriptionID string, since time.Time) (*store.AttemptStats, error)
	FailedAttemptsSince(ctx context.Context, subscriptionID string, since time.Time, limit int) ([]domain.DeliveryAttempt, error)
	GetAttempt(ctx context.Context, id string) (*domain.DeliveryAttempt, error)
}

// SubscriptionReader loads subscriptions including their signing secret.
type SubscriptionReader interface {
	GetSubscriptionWithSecret(ctx context.Context, tenantID, id string) (*domain.Subscription, error)
}

// Report is the computed health of one subscription endpoint.
type Report struct {
	SubscriptionID    string  `json:"subscription_id"`
	Status            string  `json:"status"`
	SuccessRate       float64 `json:"success_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	TotalAttempts     int     `json:"total_attempts"`
	EndpointReachable bool    `json:"endpoint_reachable"`
}

// ReplayResult summarizes one replay call.
type ReplayResult struct {
	SubscriptionID string `json:"subscription_id"`
	Replayed       int    `json:"replayed"`
}

// Service computes endpoint health and replays failed deliveries.
type Service struct {
	audit      AuditReader
	subs       SubscriptionReader
	queue      *engine.Queue
	httpClient *http.Client
	logger     *slog.Logger
}

func NewService(audit AuditReader, subs SubscriptionReader, queue *engine.Queue, logger *slog.Logger) *Service {
	return &Service{
		audit:      audit,
		subs:       subs,
		queue:      queue,
		httpClient: &http.Client{Timeout: probeTimeout},
		logger:     logger,
	}
}

// Health computes a subscription's health from the last 24h of audit rows
// plus a synchronous GET probe against the endpoint. A subscription with
// no attempts in the window is healthy by definition; its probe result is
// still reported.
func (s *Service) Health(ctx context.Context, tenantID, subscriptionID string) (*Report, error) {
	sub, err := s.subs.GetSubscriptionWithSecret(ctx, tenantID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, ErrNotFound)
	}

	stats, err := s.audit.AttemptStatsSince(ctx, subscriptionID, time.Now().Add(-statsWindow))
	if err != nil {
		return nil, fmt.Errorf("loading attempt stats: %w", err)
	}

	report := &Report{
		SubscriptionID:    subscriptionID,
		Status:            StatusHealthy,
		SuccessRate:       1,
		AvgResponseTimeMs: stats.AvgResponseMs,
		TotalAttempts:     stats.Total,
		EndpointReachable: s.probe(ctx, sub.EndpointURL),
	}

	decided := stats.Delivered + stats.Failed
	if decided > 0 {
		report.SuccessRate = float64(stats.Delivered) / float64(decided)
		switch {
		case report.SuccessRate < 0.5:
			report.Status = StatusCritical
		case report.SuccessRate < 0.8:
			report.Status = StatusDegraded
		}
	}

	return report, nil
}

// probe issues a lightweight GET. Any response at all counts as reachable;
// only network-level failures do not.
func (s *Service) probe(ctx context.Context, endpointURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Replay re-drives failed deliveries through the normal pipeline using the
// stored payload snapshots. With an attemptID only that attempt is
// replayed; otherwise every failed attempt from the last 24h, bounded to
// 100. Replays append new audit rows, the originals are untouched.
func (s *Service) Replay(ctx context.Context, tenantID, subscriptionID, attemptID string) (*ReplayResult, error) {
	sub, err := s.subs.GetSubscriptionWithSecret(ctx, tenantID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, ErrNotFound)
	}

	var attempts []domain.DeliveryAttempt
	if attemptID != "" {
		attempt, err := s.audit.GetAttempt(ctx, attemptID)
		if err != nil {
			return nil, err
		}
		if attempt == nil {
			return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
		}
		if attempt.SubscriptionID != subscriptionID {
			return nil, fmt.Errorf("attempt %s does not belong to subscription %s", attemptID, subscriptionID)
		}
		if attempt.Status != domain.AttemptFailed {
			return nil, fmt.Errorf("attempt %s is %s, only failed attempts can be replayed", attemptID, attempt.Status)
		}
		attempts = []domain.DeliveryAttempt{*attempt}
	} else {
		attempts, err = s.audit.FailedAttemptsSince(ctx, subscriptionID, time.Now().Add(-statsWindow), replayLimit)
		if err != nil {
			return nil, fmt.Errorf("loading failed attempts: %w", err)
		}
	}

	replayed := 0
	for _, attempt := range attempts {
		job := engine.DeliveryJob{
			SubscriptionID: sub.ID,
			TenantID:       sub.TenantID,
			EndpointURL:    sub.EndpointURL,
			Secret:         sub.Secret,
			Events: []engine.EventPayload{{
				EventID:   attempt.EventID,
				EventType: attempt.EventType,
				Payload:   attempt.PayloadSnapshot,
				Timestamp: attempt.CreatedAt,
			}},
			RetryAttempts: sub.Settings.RetryAttempts,
			RetryDelayMs:  sub.Settings.RetryDelayMs,
			TimeoutMs:     sub.Settings.TimeoutMs,
			Headers:       sub.Headers,
			Transform:     sub.Transform,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.logger.Error("failed to queue replay",
				"error", err, "subscription_id", sub.ID, "event_id", attempt.EventID)
			continue
		}
		replayed++
	}

	s.logger.Info("replay queued",
		"subscription_id", sub.ID, "attempts", len(attempts), "replayed", replayed)

	return &ReplayResult{SubscriptionID: sub.ID, Replayed: replayed}, nil
}
