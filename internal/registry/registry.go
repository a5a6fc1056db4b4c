// Package registry is the process-local extension point through which an
// application tells a Worker how to turn a job's class id and argument
// payload into a runnable instance. Registrations belong to the Registry
// instance a Worker is given and must happen before that Worker starts
// consuming, per spec.md §4.4 and §9.
package registry

import (
	"context"
	"fmt"
	"sync"
)

// Job is a live, deserialized unit of work. Perform runs it; any side effects
// are the result, per spec.md §1's "no job-result return channel" Non-goal.
// SetAttemptID injects the attempt's UUID before Perform runs, so a job that
// wants to correlate its own logging or an opt-in outcome publish with the
// attempt record can do so.
type Job interface {
	Perform(ctx context.Context) error
	SetAttemptID(attemptID string)
}

// Factory parses a job's serialized arg string into a live Job instance.
type Factory func(arg string) (Job, error)

// Registry is a class-id to Factory map. One Registry is shared by every
// fiber of a Worker process; registration itself is not safe to race with
// Worker startup, but concurrent Get calls during steady-state operation are.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates classID with factory. Registering the same class id
// twice overwrites the previous factory — callers should register once at
// startup, before constructing a Worker.
func (r *Registry) Register(classID string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[classID] = factory
}

// Get resolves classID to its Factory. The bool is false if classID was never
// registered, the condition spec.md §4.2 step 3 treats as a terminal,
// non-retryable attempt failure.
func (r *Registry) Get(classID string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[classID]
	return f, ok
}

// Build resolves classID and invokes its Factory on arg in one step.
func (r *Registry) Build(classID, arg string) (Job, error) {
	factory, ok := r.Get(classID)
	if !ok {
		return nil, fmt.Errorf("registry: class %q is not registered", classID)
	}
	return factory(arg)
}

// Count returns the number of registered classes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// ClassIDs returns the registered class ids, in no particular order.
func (r *Registry) ClassIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	return ids
}
