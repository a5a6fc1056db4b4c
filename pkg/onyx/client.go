// Package onyx is the external-facing client API: the thing an application
// that only wants to enqueue and dequeue jobs imports, without pulling in
// the Worker or Watcher internals.
package onyx

import (
	"context"
	"fmt"
	"time"

	"github.com/onyx-run/onyx-background/internal/datastore"
	"github.com/onyx-run/onyx-background/internal/manager"
	"github.com/onyx-run/onyx-background/internal/outcome"
)

// Client wraps a Manager over one datastore connection, plus an optional
// outcome backend for callers that want to wait on a job's published result.
type Client struct {
	store   *datastore.Store
	manager *manager.Manager
	outcome outcome.Backend
}

// Option configures a Client constructed by New.
type Option func(*Client)

// WithOutcomeBackend enables Client.WaitForOutcome by attaching backend,
// typically an *outcome.RedisBackend. Outcome publishing is opt-in on the
// Worker side too — this has no effect unless registered jobs publish.
func WithOutcomeBackend(backend outcome.Backend) Option {
	return func(c *Client) { c.outcome = backend }
}

// New connects to redisURL under namespace and returns a ready Client.
func New(redisURL, namespace string, opts ...Option) (*Client, error) {
	store, err := datastore.New(redisURL, namespace)
	if err != nil {
		return nil, fmt.Errorf("onyx: failed to connect: %w", err)
	}

	c := &Client{store: store, manager: manager.New(store)}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// EnqueueOptions mirrors manager.EnqueueOptions so callers never need to
// import the internal package directly.
type EnqueueOptions = manager.EnqueueOptions

// Enqueue creates a job of the given class with a serialized arg payload and
// returns its UUID.
func (c *Client) Enqueue(ctx context.Context, class, arg string, opts EnqueueOptions) (string, error) {
	return c.manager.Enqueue(ctx, class, arg, opts)
}

// Dequeue removes a job before a Worker has picked it up. Returns true iff a
// job was actually removed.
func (c *Client) Dequeue(ctx context.Context, jobID string) (bool, error) {
	return c.manager.Dequeue(ctx, jobID)
}

// WaitForOutcome blocks until the attempt identified by attemptID publishes a
// result via the outcome backend, or timeout elapses. Requires a Client
// built with WithOutcomeBackend; returns an error otherwise.
func (c *Client) WaitForOutcome(ctx context.Context, attemptID string, timeout time.Duration) (*outcome.Result, error) {
	if c.outcome == nil {
		return nil, fmt.Errorf("onyx: no outcome backend configured")
	}
	return c.outcome.Wait(ctx, attemptID, timeout)
}

// Store exposes the underlying datastore handle for advanced callers (the
// status CLI, a custom schedule.Runner) that need direct key access.
func (c *Client) Store() *datastore.Store { return c.store }

// Close releases the underlying datastore connection and any outcome backend
// the Client owns.
func (c *Client) Close() error {
	if c.outcome != nil {
		if err := c.outcome.Close(); err != nil {
			return err
		}
	}
	return c.store.Close()
}
