// Package errors defines the error kinds shared across the Manager, Worker, and
// Watcher, plus the panic-recovery helper the worker pool uses to keep a single
// misbehaving job from taking down a fiber's goroutine.
package errors

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Sentinel kinds, per spec.md §7. Wrap these with fmt.Errorf("...: %w", ErrX)
// at the call site so errors.Is still matches after context is added.
var (
	// ErrJobNotFoundByUUID is raised by Manager.Dequeue for a job hash that is
	// absent or missing its que field. The Worker does not use it: it logs and
	// drops a popped job whose hash is unreadable.
	ErrJobNotFoundByUUID = errors.New("job not found by uuid")

	// ErrJobNotFoundByClass is raised when a Worker cannot resolve a job's
	// class id in the Job Registry. Terminal for the attempt.
	ErrJobNotFoundByClass = errors.New("job not found by class")

	// ErrJobExecutionFailed wraps the error returned by a job's Perform method.
	ErrJobExecutionFailed = errors.New("job execution failed")

	// ErrWorkerTimeout is the synthetic failure the Watcher writes for an
	// attempt whose fiber connection is no longer present.
	ErrWorkerTimeout = errors.New("worker timeout")

	// ErrMisuse marks a programming error: running a stopped Worker, or
	// stopping one that isn't running, or stopping twice.
	ErrMisuse = errors.New("misuse")
)

// WorkerTimeoutMessage is the literal string spec.md requires be written to an
// attempt's err field on Watcher reclamation.
const WorkerTimeoutMessage = "Worker Timeout"

// ExecutionError wraps an error returned from a job's Perform method (or from
// deserializing its argument), carrying the simple kind name spec.md §4.2 step 6
// requires be recorded in the attempt's err field instead of a full message or
// stack trace.
type ExecutionError struct {
	Kind string // simple kind name, e.g. "ArgumentError"
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError wraps err under the given kind name. It does not inspect
// err itself; the caller supplies the kind.
func NewExecutionError(kind string, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Err: err}
}

// PanicError represents an error recovered from a panic inside a job's Perform
// method or a fiber's processing loop.
type PanicError struct {
	Value      interface{}
	Stacktrace string
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// RecoverPanic recovers from a panic and returns it as an error with a stack
// trace attached. Returns nil if no panic occurred. Call via defer.
func RecoverPanic() error {
	if r := recover(); r != nil {
		return &PanicError{
			Value:      r,
			Stacktrace: string(debug.Stack()),
		}
	}
	return nil
}

// FormatPanicForLog returns a formatted string suitable for logging a panic.
func FormatPanicForLog(panicErr *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", panicErr.Value, panicErr.Stacktrace)
}
