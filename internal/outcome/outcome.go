// Package outcome is an optional, disabled-by-default convenience layer on
// top of the Manager/Worker/Watcher core: a job's Perform may publish a
// return value here for a caller that wants more than the side-effect-only
// contract the core data model provides. Nothing in the core reads from or
// writes to this package; wiring it in is entirely up to application code.
package outcome

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the terminal state of a published outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Result is the payload a Backend stores and serves back to a waiting caller.
// It is keyed by attempt id, not job id, because an attempt — not a job — is
// the unit registry.Job.SetAttemptID correlates Perform's execution with.
type Result struct {
	AttemptID   string
	Status      Status
	CompletedAt time.Time
	Duration    time.Duration
	Payload     json.RawMessage
	Error       string
}

// IsSuccess reports whether the result completed successfully.
func (r *Result) IsSuccess() bool { return r.Status == StatusSuccess }

// IsFailed reports whether the result represents a failure.
func (r *Result) IsFailed() bool { return r.Status == StatusFailed }

// Backend stores and serves outcome.Result values, keyed by attempt id.
type Backend interface {
	// Publish stores result, making it visible to Get and any in-flight Wait.
	Publish(ctx context.Context, result *Result) error

	// Get returns the result for attemptID, or nil if it isn't published yet
	// or has expired. A nil, nil return is not an error.
	Get(ctx context.Context, attemptID string) (*Result, error)

	// Wait blocks until a result is published or timeout elapses. A nil,
	// nil return means the timeout elapsed with nothing published.
	Wait(ctx context.Context, attemptID string, timeout time.Duration) (*Result, error)

	// Delete removes a published result. It does not error if none exists.
	Delete(ctx context.Context, attemptID string) error

	// Close releases any connections the backend holds open.
	Close() error
}
