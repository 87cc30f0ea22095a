package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeliveryTTL bounds how long a task's delivery count is remembered.
const DeliveryTTL = 24 * time.Hour

func deliveryKey(taskID string) string { return "task:deliveries:" + taskID }

// DeliveryCounter counts how many times a dispatch message for a task has
// been claimed by any worker.
type DeliveryCounter interface {
	// Record increments the count for taskID and returns the new value.
	Record(ctx context.Context, taskID string) (int64, error)
	// Clear forgets taskID once it has been settled.
	Clear(ctx context.Context, taskID string) error
}

type deliveryCounter struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDeliveryCounter returns a Redis-backed DeliveryCounter.
func NewDeliveryCounter(client *redis.Client) DeliveryCounter {
	return &deliveryCounter{client: client, ttl: DeliveryTTL}
}

func (d *deliveryCounter) Record(ctx context.Context, taskID string) (int64, error) {
	key := deliveryKey(taskID)

	pipe := d.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record delivery for %s: %w", taskID, err)
	}
	return incr.Val(), nil
}

func (d *deliveryCounter) Clear(ctx context.Context, taskID string) error {
	if err := d.client.Del(ctx, deliveryKey(taskID)).Err(); err != nil {
		return fmt.Errorf("clear deliveries for %s: %w", taskID, err)
	}
	return nil
}
