//go:build integration

package redis_test

import (
	"context"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	redisstore "github.com/ramiqadoumi/go-task-service/internal/redis"
)

var testRedisAddr string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	redisCtr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer redisCtr.Terminate(ctx) //nolint:errcheck

	connStr, err := redisCtr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	testRedisAddr = strings.TrimPrefix(connStr, "redis://")
	return m.Run()
}

// newRedisClient flushes the database on cleanup so tests don't interfere.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redisstore.NewClient(testRedisAddr)
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

// ── Delivery counter ─────────────────────────────────────────────────────────

func TestDeliveryCounter_CountsPerTask(t *testing.T) {
	client := newRedisClient(t)
	counter := redisstore.NewDeliveryCounter(client)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := counter.Record(ctx, "task-a")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := counter.Record(ctx, "task-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "counts are per task")

	ttl, err := client.TTL(ctx, "task:deliveries:task-a").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 23*time.Hour)
}

func TestDeliveryCounter_Clear(t *testing.T) {
	counter := redisstore.NewDeliveryCounter(newRedisClient(t))
	ctx := context.Background()

	_, err := counter.Record(ctx, "task-c")
	require.NoError(t, err)
	require.NoError(t, counter.Clear(ctx, "task-c"))

	got, err := counter.Record(ctx, "task-c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

// ── Rate limiter ─────────────────────────────────────────────────────────────

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 5, time.Second)
	ctx := context.Background()

	for i := range 5 {
		d, err := limiter.Allow(ctx, "HIGH")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i+1)
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 3, time.Second)
	ctx := context.Background()

	for range 3 {
		d, err := limiter.Allow(ctx, "LOW")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := limiter.Allow(ctx, "LOW")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "4th request should be rate-limited")
	assert.Equal(t, time.Second, d.RetryAfter)
	assert.Equal(t, 3, d.Limit)

	d, err = limiter.Allow(ctx, "HIGH")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "keys are limited independently")
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	window := 200 * time.Millisecond
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 2, window)
	ctx := context.Background()

	for range 2 {
		d, err := limiter.Allow(ctx, "MEDIUM")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := limiter.Allow(ctx, "MEDIUM")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "should be blocked within window")

	time.Sleep(window + 50*time.Millisecond)

	d, err = limiter.Allow(ctx, "MEDIUM")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "should be allowed after window expires")
}

// ── Leader election ──────────────────────────────────────────────────────────

func TestLeader_SingleHolder(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	a := redisstore.NewLeader(client, "auditor:leader", "a", time.Minute)
	b := redisstore.NewLeader(client, "auditor:leader", "b", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lease is held by a")

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")
}

func TestLeader_ReleaseHandsOver(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	a := redisstore.NewLeader(client, "auditor:leader", "a", time.Minute)
	b := redisstore.NewLeader(client, "auditor:leader", "b", time.Minute)

	_, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx), "non-holder release is a no-op")

	ok, err := b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeader_ExpiredLeaseIsTakenOver(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	a := redisstore.NewLeader(client, "auditor:leader", "a", 100*time.Millisecond)
	b := redisstore.NewLeader(client, "auditor:leader", "b", time.Minute)

	_, err := a.Acquire(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ok, err := b.Acquire(ctx)
		return err == nil && ok
	}, 2*time.Second, 50*time.Millisecond)
}
