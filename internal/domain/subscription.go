package domain

import (
	"time"
)

// SubscriptionStatus is the lifecycle state of a webhook subscription.
type SubscriptionStatus string

const (
	StatusActive SubscriptionStatus = "active"
	StatusPaused SubscriptionStatus = "paused"
	StatusFailed SubscriptionStatus = "failed"
)

// FilterSpec narrows which events a subscription receives beyond the
// subscribed event types. Zero-value fields are unset and do not filter.
type FilterSpec struct {
	Platforms     []string `json:"platforms,omitempty"`
	ContentTypes  []string `json:"content_types,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	MinEngagement *float64 `json:"min_engagement,omitempty"`
}

// BatchSettings accumulates events into a single signed delivery.
type BatchSettings struct {
	Enabled      bool `json:"enabled"`
	MaxBatchSize int  `json:"max_batch_size"`
	WindowMs     int  `json:"window_ms"`
}

// RateLimitSettings caps outbound deliveries per subscription.
type RateLimitSettings struct {
	Enabled     bool `json:"enabled"`
	MaxRequests int  `json:"max_requests"`
	WindowMs    int  `json:"window_ms"`
}

// DeliverySettings controls retry, timeout, batching and rate limiting for
// one subscription.
type DeliverySettings struct {
	RetryAttempts int               `json:"retry_attempts"`
	RetryDelayMs  int               `json:"retry_delay_ms"`
	TimeoutMs     int               `json:"timeout_ms"`
	Batch         BatchSettings     `json:"batch"`
	RateLimit     RateLimitSettings `json:"rate_limit"`
}

// Defaults applied when a subscription is created without explicit settings.
const (
	DefaultRetryAttempts = 3
	DefaultRetryDelayMs  = 1000
	DefaultTimeoutMs     = 30000
)

// ApplyDefaults fills unset delivery settings in place.
func (s *DeliverySettings) ApplyDefaults() {
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = DefaultRetryAttempts
	}
	if s.RetryDelayMs <= 0 {
		s.RetryDelayMs = DefaultRetryDelayMs
	}
	if s.TimeoutMs <= 0 {
		s.TimeoutMs = DefaultTimeoutMs
	}
}

// DeliveryStats are rolling counters mutated only by the delivery pipeline.
type DeliveryStats struct {
	TotalDeliveries      int64      `json:"total_deliveries"`
	SuccessfulDeliveries int64      `json:"successful_deliveries"`
	FailedDeliveries     int64      `json:"failed_deliveries"`
	LastDelivery         *time.Time `json:"last_delivery,omitempty"`
	LastSuccess          *time.Time `json:"last_success,omitempty"`
	LastFailure          *time.Time `json:"last_failure,omitempty"`
}

// Subscription is a tenant's registration of interest in a set of event
// types, bound to an endpoint and signing secret. The secret is returned
// exactly once, in the creation response.
type Subscription struct {
	ID          string             `json:"id"`
	TenantID    string             `json:"tenant_id"`
	EndpointURL string             `json:"endpoint_url"`
	Secret      string             `json:"secret,omitempty"`
	Events      []EventType        `json:"events"`
	Filters     *FilterSpec        `json:"filters,omitempty"`
	Settings    DeliverySettings   `json:"settings"`
	Headers     map[string]string  `json:"headers,omitempty"`
	Transform   string             `json:"transform,omitempty"`
	Status      SubscriptionStatus `json:"status"`
	Stats       DeliveryStats      `json:"stats"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	DeletedAt   *time.Time         `json:"deleted_at,omitempty"`
}

type CreateSubscriptionRequest struct {
	EndpointURL string            `json:"endpoint_url"`
	Events      []EventType       `json:"events"`
	Filters     *FilterSpec       `json:"filters,omitempty"`
	Settings    DeliverySettings  `json:"settings"`
	Headers     map[string]string `json:"headers,omitempty"`
	Transform   string            `json:"transform,omitempty"`
}

type UpdateSubscriptionRequest struct {
	EndpointURL *string           `json:"endpoint_url,omitempty"`
	Events      []EventType       `json:"events,omitempty"`
	Filters     *FilterSpec       `json:"filters,omitempty"`
	Settings    *DeliverySettings `json:"settings,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Transform   *string           `json:"transform,omitempty"`
}

// CreateSubscriptionResponse is the only place the secret ever appears.
type CreateSubscriptionResponse struct {
	ID          string             `json:"id"`
	EndpointURL string             `json:"endpoint_url"`
	Secret      string             `json:"secret"`
	Events      []EventType        `json:"events"`
	Status      SubscriptionStatus `json:"status"`
}
