package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Leader is a single-holder lease used to elect one active instance among
// replicas.
type Leader interface {
	// Acquire takes the lease or renews it if this instance already holds it.
	// It reports whether this instance is the leader.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lease up if this instance holds it.
	Release(ctx context.Context) error
}

// renewScript extends the lease only while the caller still owns it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

type leaseLeader struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLeader returns a Redis lease on key held as instanceID for ttl.
func NewLeader(client *redis.Client, key, instanceID string, ttl time.Duration) Leader {
	return &leaseLeader{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

func (l *leaseLeader) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader setnx: %w", err)
	}
	if ok {
		return true, nil
	}

	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renew: %w", err)
	}
	return renewed == 1, nil
}

func (l *leaseLeader) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader release: %w", err)
	}
	return nil
}
