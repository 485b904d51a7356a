package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Droze-svj/click-platform-sub007/internal/engine"
)

// Dispatcher continuously polls the Redis delivery queue and sends ready
// jobs to the worker pool.
type Dispatcher struct {
	redisClient  *redis.Client
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
}

// NewDispatcher creates a dispatcher that pulls from the Redis sorted set.
func NewDispatcher(redisClient *redis.Client, pool *Pool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		redisClient:  redisClient,
		pool:         pool,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
	}
}

// Start begins the polling loop. It runs until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll fetches jobs whose score has come due and hands them to workers.
// ZRem is the claim: whoever removes the member owns the job.
func (d *Dispatcher) poll(ctx context.Context) {
	now := float64(time.Now().UnixMicro())

	results, err := d.redisClient.ZRangeByScoreWithScores(ctx, engine.DeliveryQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(now, 'f', -1, 64),
		Count: d.batchSize,
	}).Result()
	if err != nil {
		d.logger.Error("failed to poll delivery queue", "error", err)
		return
	}

	for _, z := range results {
		member := z.Member.(string)

		removed, err := d.redisClient.ZRem(ctx, engine.DeliveryQueueKey, member).Result()
		if err != nil {
			d.logger.Error("failed to remove job from queue", "error", err)
			continue
		}
		if removed == 0 {
			// Another dispatcher instance already claimed this job.
			continue
		}

		var job engine.DeliveryJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			d.logger.Error("failed to unmarshal job", "error", err)
			continue
		}

		if !d.pool.Submit(ctx, job) {
			// Shutdown raced the claim; put the job back so another
			// process (or this one after restart) delivers it.
			d.requeue(member)
			return
		}
	}
}

// requeue returns a claimed member to the queue under a fresh context,
// since the polling context is already done when this runs.
func (d *Dispatcher) requeue(member string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := d.redisClient.ZAdd(ctx, engine.DeliveryQueueKey, redis.Z{
		Score:  float64(time.Now().UnixMicro()),
		Member: member,
	}).Err()
	if err != nil {
		d.logger.Error("failed to requeue claimed job", "error", err)
	}
}
