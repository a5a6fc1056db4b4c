// Package watcher implements the Watcher component: a singleton per
// namespace that reclaims attempts whose owning fiber connection has died
// and promotes due scheduled jobs to their ready lists, per spec.md §4.3.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onyx-run/onyx-background/internal/datastore"
	onyxerrors "github.com/onyx-run/onyx-background/internal/errors"
	"github.com/onyx-run/onyx-background/internal/job"
	"github.com/onyx-run/onyx-background/internal/logger"
	"github.com/onyx-run/onyx-background/internal/metrics"
)

// fiberNamePattern matches the name CLIENT LIST reports for a fiber
// connection, per spec.md §6's bit-exact client-name contract. The worker
// client id embedded after the colon is not used for matching — only the
// CLIENT LIST entry's own `id=` field is the fiber's live connection id.
var fiberNamePattern = regexp.MustCompile(`^onyx-background-worker-fiber:`)

// Watcher has no internal locking by design — spec.md §4.3 explicitly states
// the system tolerates at most one Watcher per namespace and takes no locks
// to enforce that, an acknowledged gap rather than an oversight.
type Watcher struct {
	store    *datastore.Store
	queues   []string
	interval time.Duration
	log      logger.Logger
	metrics  *metrics.Collector

	stopped atomic.Bool
	doneCh  chan struct{}
}

// Config configures a Watcher.
type Config struct {
	Store    *datastore.Store
	Queues   []string
	Interval time.Duration
	Logger   logger.Logger
	Metrics  *metrics.Collector
}

// New builds a Watcher from cfg. Interval defaults to 1 second.
func New(cfg Config) *Watcher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Watcher{
		store:    cfg.Store,
		queues:   cfg.Queues,
		interval: interval,
		log:      log.WithComponent(logger.ComponentWatcher),
		metrics:  m,
	}
}

// Run opens the Watcher's control connection and ticks until the context is
// cancelled or Stop is called. It blocks for the Watcher's lifetime.
func (w *Watcher) Run(ctx context.Context) error {
	conn, id, err := w.store.NamedConn(ctx, "onyx-background-watcher")
	if err != nil {
		return fmt.Errorf("watcher: failed to open control connection: %w", err)
	}
	w.doneCh = make(chan struct{})
	defer close(w.doneCh)
	defer conn.Close()

	w.log.Info("watcher started", "queues", w.queues, "interval", w.interval.String(), "client_id", id)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.stopped.Load() {
			w.log.Info("watcher stopped")
			return nil
		}

		if err := w.tick(ctx); err != nil {
			// spec.md §9 notes per-iteration datastore errors currently
			// propagate and terminate the Watcher — a known fragility, not
			// a bug to paper over here.
			w.log.Error("watcher tick failed, stopping", "error", err.Error())
			return fmt.Errorf("watcher: tick failed: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop sets a flag observed at the next tick boundary; shutdown is not
// immediate, bounded by Interval, matching spec.md §4.3.
func (w *Watcher) Stop() {
	w.stopped.Store(true)
}

// Done returns a channel closed once Run has returned.
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Watcher) tick(ctx context.Context) error {
	if err := w.reclaimStaleAttempts(ctx); err != nil {
		return fmt.Errorf("stale-attempt reclamation: %w", err)
	}
	if err := w.promoteScheduled(ctx); err != nil {
		return fmt.Errorf("scheduled promotion: %w", err)
	}
	return nil
}

// reclaimStaleAttempts implements spec.md §4.3 part A: mark every in-flight
// attempt whose owning fiber connection is no longer listed in CLIENT LIST
// as a Worker Timeout failure.
//
// The CLIENT LIST and the per-queue SMEMBERS reads are issued as one
// pipeline round trip rather than as separate Exec calls, per spec.md §4.3
// step 1. This is a batched read, not a MULTI/EXEC transaction: CLIENT LIST
// and SMEMBERS still each observe the server's state at the moment they run
// within the pipeline, and nothing here mutates data, so the distinction is
// immaterial — a fiber or attempt that changes state between the two reads
// is caught on the next tick regardless.
func (w *Watcher) reclaimStaleAttempts(ctx context.Context) error {
	pipe := w.store.Pipeline()
	clientListCmd := pipe.ClientList(ctx)
	smembersCmds := make(map[string]*redis.StringSliceCmd, len(w.queues))
	for _, queue := range w.queues {
		smembersCmds[queue] = pipe.SMembers(ctx, w.store.ProcessingKey(queue))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reclaim read pipeline: %w", err)
	}

	raw, err := clientListCmd.Result()
	if err != nil {
		return fmt.Errorf("client list: %w", err)
	}
	liveFibers := parseLiveFiberIDs(raw)

	type staleAttempt struct {
		id    string
		queue string
	}
	var stale []staleAttempt

	for _, queue := range w.queues {
		attemptIDs, err := smembersCmds[queue].Result()
		if err != nil {
			return fmt.Errorf("smembers processing:%s: %w", queue, err)
		}

		for _, attemptID := range attemptIDs {
			wrk, err := w.store.HGet(ctx, w.store.AttemptKey(attemptID), job.FieldAttemptWorker)
			if err != nil {
				if errors.Is(err, datastore.ErrNotFound) {
					w.log.Error("BUG: processing attempt missing wrk field", "attempt_id", attemptID, "queue", queue)
					continue
				}
				return fmt.Errorf("hget attempts:%s wrk: %w", attemptID, err)
			}
			if wrk == "" {
				w.log.Error("BUG: processing attempt missing wrk field", "attempt_id", attemptID, "queue", queue)
				continue
			}
			if !liveFibers[wrk] {
				stale = append(stale, staleAttempt{id: attemptID, queue: queue})
			}
		}
	}

	if len(stale) == 0 {
		return nil
	}

	writePipe := w.store.Pipeline()
	nowMS := time.Now().UnixMilli()
	for _, s := range stale {
		writePipe.HSet(ctx, w.store.AttemptKey(s.id), map[string]interface{}{
			job.FieldAttemptError: onyxerrors.WorkerTimeoutMessage,
		})
		writePipe.SRem(ctx, w.store.ProcessingKey(s.queue), s.id)
		writePipe.ZAdd(ctx, w.store.FailedKey(s.queue), redis.Z{Score: float64(nowMS), Member: s.id})
	}
	if _, err := writePipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec: %w", err)
	}

	for _, s := range stale {
		w.metrics.RecordAttemptReclaimed(s.queue)
		w.log.Warn("reclaimed stale attempt", "attempt_id", s.id, "queue", s.queue)
	}

	return nil
}

// parseLiveFiberIDs parses a CLIENT LIST reply and returns the
// set of client ids whose name matches the fiber connection pattern.
func parseLiveFiberIDs(raw string) map[string]bool {
	live := make(map[string]bool)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var id, name string
		for _, field := range strings.Fields(line) {
			k, v, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			switch k {
			case "id":
				id = v
			case "name":
				name = v
			}
		}

		if id == "" || !fiberNamePattern.MatchString(name) {
			continue
		}
		live[id] = true
	}

	return live
}

// promoteScheduled implements spec.md §4.3 part B: move every due job from
// each configured queue's scheduled set into its ready list.
func (w *Watcher) promoteScheduled(ctx context.Context) error {
	nowMS := float64(time.Now().UnixMilli())

	for _, queue := range w.queues {
		due, err := w.store.ZRangeByScore(ctx, w.store.ScheduledKey(queue), 0, nowMS)
		if err != nil {
			return fmt.Errorf("zrangebyscore scheduled:%s: %w", queue, err)
		}

		for _, jobID := range due {
			tx := w.store.TxPipeline()
			tx.ZRem(ctx, w.store.ScheduledKey(queue), jobID)
			tx.RPush(ctx, w.store.ReadyKey(queue), jobID)
			if _, err := tx.Exec(ctx); err != nil {
				return fmt.Errorf("promote %s: %w", jobID, err)
			}
			w.log.Debug("promoted scheduled job", "job_id", jobID, "queue", queue)
		}
	}

	return nil
}
