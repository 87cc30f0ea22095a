package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed bool
	// Count is the number of events in the current window, this one included.
	Count int64
	Limit int
	// RetryAfter is the window length when the request was denied.
	RetryAfter time.Duration
}

// RateLimiter throttles task creation per key (the task priority).
type RateLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter allowing
// limit events per window for each key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window}
}

// Allow records the event in a sorted set scored by timestamp and counts the
// events left in the window. Denied events still count.
func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := "ratelimit:create:" + key

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: strconv.FormatInt(now, 10)})
	countCmd := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limiter pipeline for %q: %w", key, err)
	}

	d := Decision{Count: countCmd.Val(), Limit: r.limit}
	d.Allowed = d.Count <= int64(r.limit)
	if !d.Allowed {
		d.RetryAfter = r.window
	}
	return d, nil
}
