package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DistributedLock is a Redis SETNX-based mutual-exclusion lock, ensuring
// only one Runner process executes a given schedule's due tick at a time.
type DistributedLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// AcquireLock attempts to acquire the lock at key. A nil, nil return means
// another process already holds it; that is not an error.
func AcquireLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*DistributedLock, error) {
	token := uuid.New().String()

	acquired, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return nil, nil
	}

	return &DistributedLock{client: client, key: key, token: token, ttl: ttl}, nil
}

// Release deletes the lock, but only if this DistributedLock still owns it —
// the check-and-delete is a single Lua script to stay atomic against a
// concurrent acquire racing the TTL's expiry.
func (l *DistributedLock) Release(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.token).Result()
	return err
}

// Extend renews the lock's TTL, failing if it is no longer owned by this
// DistributedLock.
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("lock no longer owned by this instance")
	}
	l.ttl = ttl
	return nil
}

// Key returns the Redis key this lock guards.
func (l *DistributedLock) Key() string { return l.key }

// Token returns the lock's ownership token.
func (l *DistributedLock) Token() string { return l.token }

// TTL returns the lock's current time-to-live.
func (l *DistributedLock) TTL() time.Duration { return l.ttl }
