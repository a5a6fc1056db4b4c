// Package datastore is the thin wrapper over a Redis-compatible client that
// the Manager, Worker, and Watcher share. It owns key-layout and namespacing
// and exposes exactly the command surface spec.md §2/§6 names — nothing more.
// Business logic (what to write, when, and why) belongs to the callers.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace is the key prefix used when none is configured.
const DefaultNamespace = "onyx-background"

// ErrNotFound is returned in place of redis.Nil by the convenience methods
// below, so callers can use errors.Is without importing go-redis directly.
var ErrNotFound = errors.New("datastore: key or field not found")

// Pipeliner is satisfied by *redis.Pipeline (Store.Pipeline) and the pipeline
// handle inside a MULTI/EXEC transaction (Store.TxPipeline). Exposed so the
// Manager's batched multi-enqueue caller can hold one open across several
// calls before a single Exec.
type Pipeliner = redis.Pipeliner

// Store wraps a *redis.Client with the namespaced key layout from spec.md §6.
type Store struct {
	client    *redis.Client
	namespace string

	readyKeyPattern *regexp.Regexp
}

// New parses redisURL, opens a client tuned for a job-queue workload (generous
// pool, blocking-op-friendly read timeout, context-aware cancellation) and
// verifies connectivity.
func New(redisURL, namespace string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	// Tuned the way the teacher's RedisQueue tunes its pool: workers hold
	// long-lived blocking connections (BLPOP), so the pool must be sized
	// for fibers + control connections, and reads need a long timeout so a
	// zero-timeout BLPOP isn't torn down by the client itself.
	opts.PoolSize = 200
	opts.MinIdleConns = 5
	opts.ConnMaxIdleTime = 10 * time.Minute
	opts.PoolTimeout = 5 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 0 // BLPOP blocks indefinitely per spec.md §4.2; let Redis's own timeout govern
	opts.WriteTimeout = 3 * time.Second
	opts.ContextTimeoutEnabled = true

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if namespace == "" {
		namespace = DefaultNamespace
	}

	return &Store{
		client:          client,
		namespace:       namespace,
		readyKeyPattern: regexp.MustCompile(regexp.QuoteMeta(namespace) + `:ready:(\w+)`),
	}, nil
}

// Namespace returns the configured key-prefix namespace.
func (s *Store) Namespace() string { return s.namespace }

// Client exposes the underlying client for callers (the Worker's fiber pool,
// the Watcher's control connection) that need a dedicated *redis.Conn or raw
// pipelining beyond this wrapper's convenience methods.
func (s *Store) Client() *redis.Client { return s.client }

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.client.Close() }

// --- Key layout (spec.md §6, authoritative) ---

func (s *Store) JobKey(jobID string) string {
	return s.key("jobs", jobID)
}

func (s *Store) AttemptKey(attemptID string) string {
	return s.key("attempts", attemptID)
}

func (s *Store) ReadyKey(queue string) string {
	return s.key("ready", queue)
}

func (s *Store) ScheduledKey(queue string) string {
	return s.key("scheduled", queue)
}

func (s *Store) ProcessingKey(queue string) string {
	return s.key("processing", queue)
}

func (s *Store) CompletedKey(queue string) string {
	return s.key("completed", queue)
}

func (s *Store) FailedKey(queue string) string {
	return s.key("failed", queue)
}

// ScheduleStateKey returns the key for a cron schedule's run-state hash,
// keyed by the schedule package's own state/lock layout.
func (s *Store) ScheduleStateKey(scheduleID string) string {
	return s.key("schedules", scheduleID)
}

// ScheduleLockKey returns the key for a cron schedule's distributed lock.
func (s *Store) ScheduleLockKey(scheduleID string) string {
	return s.key("schedule_lock", scheduleID)
}

func (s *Store) key(section, id string) string {
	var b strings.Builder
	b.Grow(len(s.namespace) + len(section) + len(id) + 2)
	b.WriteString(s.namespace)
	b.WriteByte(':')
	b.WriteString(section)
	b.WriteByte(':')
	b.WriteString(id)
	return b.String()
}

// QueueFromReadyKey extracts the queue name from a ready-list key returned by
// a multi-key BLPOP, per spec.md §4.2's `<ns>:ready:(\w+)` match.
func (s *Store) QueueFromReadyKey(key string) (string, bool) {
	m := s.readyKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// --- Hashes ---

func (s *Store) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return s.client.HSet(ctx, key, fields).Err()
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *Store) HMGet(ctx context.Context, key string, fields ...string) ([]interface{}, error) {
	return s.client.HMGet(ctx, key, fields...).Result()
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	return s.client.Del(ctx, keys...).Result()
}

// --- Lists ---

func (s *Store) RPush(ctx context.Context, key string, member string) error {
	return s.client.RPush(ctx, key, member).Err()
}

func (s *Store) LPop(ctx context.Context, key string) (string, error) {
	return s.client.LPop(ctx, key).Result()
}

// BLPop blocks on the given keys with the given timeout (0 = block forever),
// returning the key it popped from and the popped value.
func (s *Store) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	res, err := s.client.BLPop(ctx, timeout, keys...).Result()
	if err != nil {
		return "", "", err
	}
	if len(res) != 2 {
		return "", "", fmt.Errorf("unexpected BLPOP reply: %v", res)
	}
	return res[0], res[1], nil
}

func (s *Store) LRem(ctx context.Context, key string, member string) (int64, error) {
	return s.client.LRem(ctx, key, 0, member).Result()
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

// --- Sorted sets ---

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *Store) ZRem(ctx context.Context, key string, member string) (int64, error) {
	return s.client.ZRem(ctx, key, member).Result()
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}).Result()
}

func (s *Store) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.client.ZCount(ctx, key,
		strconv.FormatFloat(min, 'f', -1, 64),
		strconv.FormatFloat(max, 'f', -1, 64)).Result()
}

func (s *Store) ZPopMax(ctx context.Context, key string) ([]redis.Z, error) {
	return s.client.ZPopMax(ctx, key).Result()
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

// --- Sets ---

func (s *Store) SAdd(ctx context.Context, key string, member string) error {
	return s.client.SAdd(ctx, key, member).Err()
}

func (s *Store) SRem(ctx context.Context, key string, member string) (int64, error) {
	return s.client.SRem(ctx, key, member).Result()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	return s.client.SCard(ctx, key).Result()
}

// --- Client introspection/control (spec.md §6, required for liveness) ---

// NamedConn opens a dedicated connection, sets its client name, and returns
// both the connection and the id Redis assigned it. Used for the Manager,
// Worker, and Watcher's long-lived control connections and for fiber
// connections, per spec.md §4.2's pool-acquisition procedure.
func (s *Store) NamedConn(ctx context.Context, name string) (*redis.Conn, int64, error) {
	conn := s.client.Conn()

	if err := conn.ClientSetName(ctx, name).Err(); err != nil {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("failed to set client name: %w", err)
	}

	id, err := conn.ClientID(ctx).Result()
	if err != nil {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("failed to read client id: %w", err)
	}

	return conn, id, nil
}

// ListNormalClients returns the raw CLIENT LIST reply, one line per
// connection, for the Watcher to scan for live fiber names. It issues a
// plain CLIENT LIST with no TYPE filter, so connections of every type are
// listed; callers pick out fibers by client name.
func (s *Store) ListNormalClients(ctx context.Context) (string, error) {
	return s.client.ClientList(ctx).Result()
}

// UnblockClient issues CLIENT UNBLOCK for id. If withError is true the
// blocked command returns an UNBLOCKED error instead of its normal timeout
// reply, matching spec.md §4.2 step 2 of Worker shutdown.
func (s *Store) UnblockClient(ctx context.Context, id int64, withError bool) error {
	if withError {
		_, err := s.client.ClientUnblockWithError(ctx, id).Result()
		return err
	}
	_, err := s.client.ClientUnblock(ctx, id).Result()
	return err
}

// KillClient issues CLIENT KILL ID id, severing the connection outright.
func (s *Store) KillClient(ctx context.Context, id int64) error {
	return s.client.ClientKillByFilter(ctx, "ID", strconv.FormatInt(id, 10)).Err()
}

// --- Transactions / pipelines ---

// Pipeline returns a non-atomic pipeline for batching independent writes,
// used by Manager.Enqueue (hash write + queue insert, §4.1) and the
// Watcher's reclaim read and write batches.
func (s *Store) Pipeline() redis.Pipeliner {
	return s.client.Pipeline()
}

// TxPipeline returns an atomic MULTI/EXEC pipeline, used by Manager.Dequeue
// and the Watcher's scheduled-set promotion.
func (s *Store) TxPipeline() redis.Pipeliner {
	return s.client.TxPipeline()
}
