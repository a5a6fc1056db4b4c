// Package examplejobs contains reference job classes used to exercise a
// Worker end to end: one that succeeds, one that always fails, and one that
// never returns on its own so a Watcher has something to reclaim. They are
// registered by cmd/worker as a starting point, not a production workload.
package examplejobs

import (
	"context"
	"fmt"
	"time"

	"github.com/onyx-run/onyx-background/internal/datastore"
	"github.com/onyx-run/onyx-background/internal/registry"
)

// SimpleJob writes its arg to a fixed sentinel key so a caller can observe
// that a Worker actually ran it.
type SimpleJob struct {
	store     *datastore.Store
	arg       string
	attemptID string
}

// NewSimpleJobFactory returns a registry.Factory producing SimpleJob
// instances that write through store.
func NewSimpleJobFactory(store *datastore.Store) registry.Factory {
	return func(arg string) (registry.Job, error) {
		return &SimpleJob{store: store, arg: arg}, nil
	}
}

func (j *SimpleJob) SetAttemptID(attemptID string) { j.attemptID = attemptID }

// Perform sets the namespace's sentinel key to arg.
func (j *SimpleJob) Perform(ctx context.Context) error {
	key := fmt.Sprintf("%s:sentinel", j.store.Namespace())
	return j.store.Client().Set(ctx, key, j.arg, 0).Err()
}

// ArgumentError is the failure SimpleJob's counterpart, FailingJob, always
// raises, matching the "ArgumentError" kind name a status reader expects.
type ArgumentError struct {
	Message string
}

func (e *ArgumentError) Error() string { return e.Message }

// FailingJob always fails with an ArgumentError, for exercising a Worker's
// failed-attempt path.
type FailingJob struct {
	attemptID string
}

// NewFailingJobFactory returns a registry.Factory producing FailingJob instances.
func NewFailingJobFactory() registry.Factory {
	return func(arg string) (registry.Job, error) {
		return &FailingJob{}, nil
	}
}

func (j *FailingJob) SetAttemptID(attemptID string) { j.attemptID = attemptID }

// Perform always returns an *ArgumentError.
func (j *FailingJob) Perform(ctx context.Context) error {
	return &ArgumentError{Message: "invalid argument"}
}

// LongJob suspends until its context is cancelled, simulating a fiber whose
// owning Worker process dies mid-attempt so a Watcher has something stale to
// reclaim.
type LongJob struct {
	attemptID string
}

// NewLongJobFactory returns a registry.Factory producing LongJob instances.
func NewLongJobFactory() registry.Factory {
	return func(arg string) (registry.Job, error) {
		return &LongJob{}, nil
	}
}

func (j *LongJob) SetAttemptID(attemptID string) { j.attemptID = attemptID }

// Perform blocks until ctx is done or, absent cancellation, effectively
// forever — long enough that nothing but a killed process or a Watcher
// reclaim ends the attempt.
func (j *LongJob) Perform(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(24 * time.Hour):
		return nil
	}
}
