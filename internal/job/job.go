// Package job defines the Job and Attempt records that make up onyx-background's
// data model and the hash field names under which they are stored in Redis.
package job

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Hash field names, authoritative per the key layout: these are the literal keys
// written into the `jobs:<uuid>` and `attempts:<uuid>` Redis hashes. Keeping them
// this short matches the wire-level field names a status reader or another
// language's client would parse off the hash directly.
const (
	FieldQueue      = "que"
	FieldClass      = "cls"
	FieldArg        = "arg"
	FieldEnqueuedAt = "qat"
	FieldRunAt      = "pat"

	FieldAttemptStart  = "sta"
	FieldAttemptJob    = "job"
	FieldAttemptWorker = "wrk"
	FieldAttemptQueue  = "que"
	FieldAttemptFinish = "fin"
	FieldAttemptTimeMS = "tim"
	FieldAttemptError  = "err"
)

// DefaultQueue is the queue name used when Enqueue is not given one.
const DefaultQueue = "default"

// Job is a unit of work identified by a UUID, composed of a class id and an
// argument payload. It is created by the Manager and read by the Worker; once a
// Worker has dequeued it, the Job record itself becomes read-only.
type Job struct {
	ID         string     // job_uuid
	Queue      string     // que
	Class      string     // cls, the registered job-class identifier
	Arg        string     // arg, the serialized argument payload
	EnqueuedAt time.Time  // qat
	RunAt      *time.Time // pat, only set for delayed/scheduled jobs
}

// New creates a Job with a fresh UUID and qat = now. Queue defaults to
// DefaultQueue if empty.
func New(class, arg, queue string) *Job {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Job{
		ID:         uuid.New().String(),
		Queue:      queue,
		Class:      class,
		Arg:        arg,
		EnqueuedAt: time.Now(),
	}
}

// ToHash renders the Job as the field map written to `jobs:<uuid>`.
func (j *Job) ToHash() map[string]interface{} {
	h := map[string]interface{}{
		FieldQueue:      j.Queue,
		FieldClass:      j.Class,
		FieldArg:        j.Arg,
		FieldEnqueuedAt: timeToMS(j.EnqueuedAt),
	}
	if j.RunAt != nil {
		h[FieldRunAt] = timeToMS(*j.RunAt)
	}
	return h
}

// FromHash reconstructs a Job from its Redis hash fields. id is supplied
// separately because the UUID lives in the key, not the hash body. Returns an
// error if the hash is missing the `que` field, matching spec.md's definition
// of "absent" for JobNotFoundByUUID purposes.
func FromHash(id string, fields map[string]string) (*Job, error) {
	que, ok := fields[FieldQueue]
	if !ok || que == "" {
		return nil, fmt.Errorf("job %s: %w", id, ErrMissingQueue)
	}

	j := &Job{
		ID:    id,
		Queue: que,
		Class: fields[FieldClass],
		Arg:   fields[FieldArg],
	}

	if qat, ok := fields[FieldEnqueuedAt]; ok && qat != "" {
		if ms, err := strconv.ParseInt(qat, 10, 64); err == nil {
			j.EnqueuedAt = msToTime(ms)
		}
	}

	if pat, ok := fields[FieldRunAt]; ok && pat != "" {
		if ms, err := strconv.ParseInt(pat, 10, 64); err == nil {
			t := msToTime(ms)
			j.RunAt = &t
		}
	}

	return j, nil
}

// ErrMissingQueue indicates a job hash exists but lacks its `que` field — the
// condition spec.md §4.1 treats identically to the hash being entirely absent.
var ErrMissingQueue = fmt.Errorf("job hash missing que field")

// Attempt is one execution of a Job by one fiber, identified by its own UUID.
type Attempt struct {
	ID         string     // attempt_uuid
	JobID      string      // job
	Queue      string      // que
	Worker     string      // wrk, the fiber's Redis client id as a decimal string
	StartedAt  time.Time   // sta
	FinishedAt *time.Time  // fin, absent while processing or on a Watcher reclaim
	DurationMS float64     // tim, floating-point milliseconds, set only on fin
	Err        string      // err, set only on failure
}

// NewAttempt creates a fresh attempt record for jobID on worker (the fiber's
// client id), starting now.
func NewAttempt(jobID, queue, worker string) *Attempt {
	return &Attempt{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Queue:     queue,
		Worker:    worker,
		StartedAt: time.Now(),
	}
}

// ToHash renders the initial (processing) attempt hash fields, written at
// creation time per spec.md §3 invariant 3.
func (a *Attempt) ToHash() map[string]interface{} {
	return map[string]interface{}{
		FieldAttemptStart:  timeToMS(a.StartedAt),
		FieldAttemptJob:    a.JobID,
		FieldAttemptWorker: a.Worker,
		FieldAttemptQueue:  a.Queue,
	}
}

// FromAttemptHash reconstructs an Attempt from its Redis hash fields.
func FromAttemptHash(id string, fields map[string]string) *Attempt {
	a := &Attempt{ID: id}
	a.JobID = fields[FieldAttemptJob]
	a.Queue = fields[FieldAttemptQueue]
	a.Worker = fields[FieldAttemptWorker]
	a.Err = fields[FieldAttemptError]

	if sta, ok := fields[FieldAttemptStart]; ok && sta != "" {
		if ms, err := strconv.ParseInt(sta, 10, 64); err == nil {
			a.StartedAt = msToTime(ms)
		}
	}
	if fin, ok := fields[FieldAttemptFinish]; ok && fin != "" {
		if ms, err := strconv.ParseInt(fin, 10, 64); err == nil {
			t := msToTime(ms)
			a.FinishedAt = &t
		}
	}
	if tim, ok := fields[FieldAttemptTimeMS]; ok && tim != "" {
		if f, err := strconv.ParseFloat(tim, 64); err == nil {
			a.DurationMS = f
		}
	}
	return a
}

func timeToMS(t time.Time) int64 {
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
