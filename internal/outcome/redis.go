package outcome

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend over Redis, publishing a notification on a
// per-attempt pub/sub channel so Wait callers don't have to poll.
type RedisBackend struct {
	client     *redis.Client
	namespace  string
	successTTL time.Duration
	failureTTL time.Duration
}

// NewRedisBackend returns a RedisBackend storing results under namespace,
// expiring successful results after successTTL and failed ones after
// failureTTL.
func NewRedisBackend(client *redis.Client, namespace string, successTTL, failureTTL time.Duration) *RedisBackend {
	return &RedisBackend{client: client, namespace: namespace, successTTL: successTTL, failureTTL: failureTTL}
}

func (r *RedisBackend) key(attemptID string) string {
	return fmt.Sprintf("%s:outcome:%s", r.namespace, attemptID)
}

func (r *RedisBackend) notifyChannel(attemptID string) string {
	return fmt.Sprintf("%s:outcome:notify:%s", r.namespace, attemptID)
}

// Publish writes result and its TTL in one pipeline, then publishes a
// notification so any concurrent Wait wakes immediately instead of polling.
func (r *RedisBackend) Publish(ctx context.Context, result *Result) error {
	data := map[string]interface{}{
		"status":       string(result.Status),
		"completed_at": result.CompletedAt.Format(time.RFC3339),
		"duration_ms":  result.Duration.Milliseconds(),
	}
	if result.IsSuccess() && len(result.Payload) > 0 {
		data["payload"] = string(result.Payload)
	}
	if result.IsFailed() && result.Error != "" {
		data["error"] = result.Error
	}

	ttl := r.successTTL
	if result.IsFailed() {
		ttl = r.failureTTL
	}

	key := r.key(result.AttemptID)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, data)
	pipe.Expire(ctx, key, ttl)
	pipe.Publish(ctx, r.notifyChannel(result.AttemptID), "ready")

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outcome: publish %s: %w", result.AttemptID, err)
	}
	return nil
}

// Get returns the published result for attemptID, or nil if none exists.
func (r *RedisBackend) Get(ctx context.Context, attemptID string) (*Result, error) {
	data, err := r.client.HGetAll(ctx, r.key(attemptID)).Result()
	if err != nil {
		return nil, fmt.Errorf("outcome: get %s: %w", attemptID, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	result := &Result{AttemptID: attemptID, Status: Status(data["status"]), Error: data["error"]}
	if v, ok := data["completed_at"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			result.CompletedAt = t
		}
	}
	if v, ok := data["duration_ms"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			result.Duration = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := data["payload"]; ok {
		result.Payload = json.RawMessage(v)
	}

	return result, nil
}

// Wait blocks until a result is published or timeout elapses, subscribing
// to the attempt's notify channel rather than polling Get in a loop.
func (r *RedisBackend) Wait(ctx context.Context, attemptID string, timeout time.Duration) (*Result, error) {
	if result, err := r.Get(ctx, attemptID); err != nil {
		return nil, err
	} else if result != nil {
		return result, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pubsub := r.client.Subscribe(waitCtx, r.notifyChannel(attemptID))
	defer pubsub.Close()

	select {
	case <-waitCtx.Done():
		return r.Get(ctx, attemptID)
	case msg := <-pubsub.Channel():
		if msg != nil && msg.Payload == "ready" {
			return r.Get(ctx, attemptID)
		}
		return nil, nil
	}
}

// Delete removes a published result. It is not an error if none exists.
func (r *RedisBackend) Delete(ctx context.Context, attemptID string) error {
	if err := r.client.Del(ctx, r.key(attemptID)).Err(); err != nil {
		return fmt.Errorf("outcome: delete %s: %w", attemptID, err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (r *RedisBackend) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
