package domain

import (
	"encoding/json"
	"time"
)

// Delivery attempt statuses. One audit row exists per attempt, so a retried
// delivery leaves a multi-row history.
const (
	AttemptDelivered   = "delivered"
	AttemptFailed      = "failed"
	AttemptRetrying    = "retrying"
	AttemptFiltered    = "filtered"
	AttemptRateLimited = "rate_limited"
)

// DeliveryAttempt is one append-only audit record for one push try of one
// event to one subscription.
type DeliveryAttempt struct {
	ID              string          `json:"id"`
	SubscriptionID  string          `json:"subscription_id"`
	EventID         string          `json:"event_id"`
	EventType       EventType       `json:"event_type"`
	AttemptNumber   int             `json:"attempt_number"`
	Status          string          `json:"status"`
	HTTPStatus      *int            `json:"http_status,omitempty"`
	ResponseTimeMs  int             `json:"response_time_ms"`
	PayloadSnapshot json.RawMessage `json:"payload_snapshot,omitempty"`
	ErrorDetail     *string         `json:"error_detail,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
}
