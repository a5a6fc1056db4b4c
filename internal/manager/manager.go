// Package manager implements the Manager component: a stateless library
// object any process can construct to enqueue and dequeue jobs, per spec.md §4.1.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onyx-run/onyx-background/internal/datastore"
	onyxerrors "github.com/onyx-run/onyx-background/internal/errors"
	"github.com/onyx-run/onyx-background/internal/job"
)

// Manager enqueues and dequeues jobs against one datastore namespace. It
// holds no per-call state; every method is safe to call concurrently from
// multiple goroutines or multiple processes.
type Manager struct {
	store *datastore.Store
}

// New builds a Manager over store.
func New(store *datastore.Store) *Manager {
	return &Manager{store: store}
}

// EnqueueOptions configures Enqueue. Queue defaults to job.DefaultQueue.
// In and At are mutually exclusive; setting both is a programming error.
type EnqueueOptions struct {
	Queue string
	In    time.Duration
	At    time.Time
}

// Pipeliner is the narrow interface Enqueue needs from an externally
// supplied batching handle — a *redis.Pipeline or *redis.Tx's pipeline.
// Passing one lets a caller batch several Enqueue calls into a single round
// trip; the caller is then responsible for calling Exec.
type Pipeliner = datastore.Pipeliner

// Enqueue creates a new job and writes it to the datastore: always the job
// hash, plus either the ready list (immediate) or the scheduled set (delayed),
// per spec.md §4.1. The hash write and the queue-insert are pipelined, not
// transactional — spec.md §9 explicitly tolerates the resulting narrow window
// where a job hash exists with no queue membership, because the Worker drops
// an empty job hash rather than crashing on it.
//
// Enqueue opens and executes its own pipeline; use EnqueueWithPipe to append
// the commands to a caller-owned pipeline instead.
func (m *Manager) Enqueue(ctx context.Context, class, arg string, opts EnqueueOptions) (string, error) {
	if !opts.At.IsZero() && opts.In != 0 {
		return "", fmt.Errorf("%w: EnqueueOptions.In and At are mutually exclusive", onyxerrors.ErrMisuse)
	}

	j := job.New(class, arg, opts.Queue)

	var runAt *time.Time
	switch {
	case opts.In != 0:
		t := time.Now().Add(opts.In)
		runAt = &t
	case !opts.At.IsZero():
		runAt = &opts.At
	}
	j.RunAt = runAt

	pipe := m.store.Pipeline()
	pipe.HSet(ctx, m.store.JobKey(j.ID), j.ToHash())

	if runAt != nil {
		pipe.ZAdd(ctx, m.store.ScheduledKey(j.Queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: j.ID})
	} else {
		pipe.RPush(ctx, m.store.ReadyKey(j.Queue), j.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("manager: enqueue %s: %w", j.ID, err)
	}

	return j.ID, nil
}

// EnqueueWithPipe behaves like Enqueue but appends its commands to an
// externally managed pipeline instead of executing its own, per spec.md
// §4.1's "configurable handle" for batched multi-enqueue callers. The caller
// owns Exec.
func (m *Manager) EnqueueWithPipe(ctx context.Context, pipe Pipeliner, class, arg string, opts EnqueueOptions) (string, error) {
	if !opts.At.IsZero() && opts.In != 0 {
		return "", fmt.Errorf("%w: EnqueueOptions.In and At are mutually exclusive", onyxerrors.ErrMisuse)
	}

	j := job.New(class, arg, opts.Queue)

	var runAt *time.Time
	switch {
	case opts.In != 0:
		t := time.Now().Add(opts.In)
		runAt = &t
	case !opts.At.IsZero():
		runAt = &opts.At
	}
	j.RunAt = runAt

	pipe.HSet(ctx, m.store.JobKey(j.ID), j.ToHash())
	if runAt != nil {
		pipe.ZAdd(ctx, m.store.ScheduledKey(j.Queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: j.ID})
	} else {
		pipe.RPush(ctx, m.store.ReadyKey(j.Queue), j.ID)
	}

	return j.ID, nil
}

// Dequeue removes a job before it has been picked up by any Worker. It reads
// the job's queue membership from its hash, then transactionally deletes the
// hash and removes it from whichever of the ready list or scheduled set it
// was in. Returns true iff the job was still in its ready list or scheduled
// set — a job already claimed by a Worker (hash kept, id no longer queued)
// returns false with no error. An absent hash, or one with no que field,
// returns ErrJobNotFoundByUUID.
func (m *Manager) Dequeue(ctx context.Context, jobID string) (bool, error) {
	que, err := m.store.HGet(ctx, m.store.JobKey(jobID), job.FieldQueue)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return false, fmt.Errorf("manager: dequeue %s: %w", jobID, onyxerrors.ErrJobNotFoundByUUID)
		}
		return false, fmt.Errorf("manager: dequeue %s: %w", jobID, err)
	}
	if que == "" {
		return false, fmt.Errorf("manager: dequeue %s: %w", jobID, onyxerrors.ErrJobNotFoundByUUID)
	}

	tx := m.store.TxPipeline()
	tx.Del(ctx, m.store.JobKey(jobID))
	zremCmd := tx.ZRem(ctx, m.store.ScheduledKey(que), jobID)
	lremCmd := tx.LRem(ctx, m.store.ReadyKey(que), 0, jobID)

	if _, err := tx.Exec(ctx); err != nil {
		return false, fmt.Errorf("manager: dequeue %s: %w", jobID, err)
	}

	removedFromScheduled := zremCmd.Val() > 0
	removedFromReady := lremCmd.Val() > 0

	return removedFromScheduled || removedFromReady, nil
}
