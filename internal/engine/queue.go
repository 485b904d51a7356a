package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
)

// DeliveryQueueKey is the Redis sorted set holding pending delivery jobs,
// scored by the time they become ready.
const DeliveryQueueKey = "delivery_queue"

// EventPayload is one event carried inside a delivery job. A job holds one
// for immediate deliveries and several for batched ones.
type EventPayload struct {
	EventID   string           `json:"event_id"`
	EventType domain.EventType `json:"event_type"`
	Payload   json.RawMessage  `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
}

// DeliveryJob is a single webhook delivery task queued in Redis. It carries
// a snapshot of the subscription's delivery configuration so workers need
// no registry lookup.
type DeliveryJob struct {
	SubscriptionID string            `json:"subscription_id"`
	TenantID       string            `json:"tenant_id"`
	EndpointURL    string            `json:"endpoint_url"`
	Secret         string            `json:"secret"`
	Events         []EventPayload    `json:"events"`
	RetryAttempts  int               `json:"retry_attempts"`
	RetryDelayMs   int               `json:"retry_delay_ms"`
	TimeoutMs      int               `json:"timeout_ms"`
	Headers        map[string]string `json:"headers,omitempty"`
	Transform      string            `json:"transform,omitempty"`
	BatchMaxSize   int               `json:"batch_max_size,omitempty"`
	BatchWindowMs  int               `json:"batch_window_ms,omitempty"`
}

// IsBatch reports whether the job carries more than one event.
func (j *DeliveryJob) IsBatch() bool { return len(j.Events) > 1 }

// Queue is the Redis-backed delivery job queue shared by fan-out, the
// batcher, replay and the dispatcher.
type Queue struct {
	client *redis.Client
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue makes the job ready for dispatch immediately.
func (q *Queue) Enqueue(ctx context.Context, job DeliveryJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling delivery job: %w", err)
	}
	err = q.client.ZAdd(ctx, DeliveryQueueKey, redis.Z{
		Score:  float64(time.Now().UnixMicro()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("queuing delivery job: %w", err)
	}
	return nil
}

// Depth returns the number of jobs waiting in the queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, DeliveryQueueKey).Result()
}

// Client exposes the underlying Redis client for the dispatcher's
// claim-by-removal polling.
func (q *Queue) Client() *redis.Client {
	return q.client
}
