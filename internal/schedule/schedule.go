// Package schedule adds recurring, cron-triggered job creation on top of the
// Manager/Worker/Watcher core. It is distinct from the Watcher's scheduled-set
// promotion: the Watcher moves a single delayed job from `scheduled:<queue>`
// to `ready:<queue>` once its `at`/`in` time has passed, while a Runner here
// repeatedly calls Manager.Enqueue on a cron cadence, guarded by a distributed
// lock so that running more than one Runner process never double-enqueues the
// same tick.
package schedule

import "time"

// Schedule describes one recurring job: a standard 5-field cron expression
// (minute hour day month weekday) plus the class/arg pair to enqueue when due.
type Schedule struct {
	// ID uniquely identifies the schedule and is used to key its run-state
	// and distributed-lock entries in the datastore.
	ID string

	// Cron is a standard 5-field expression, e.g. "*/15 * * * *".
	Cron string

	// Class is the registered job class to enqueue.
	Class string

	// Arg is the serialized argument payload passed to Manager.Enqueue.
	Arg string

	// Queue defaults to job.DefaultQueue if empty.
	Queue string

	// Timezone is a valid IANA timezone used to evaluate Cron. Defaults to UTC.
	Timezone string

	// Enabled allows a schedule to be registered but temporarily skipped.
	Enabled bool

	// Description is optional, free-form, for logging.
	Description string
}

// State is the persisted run-state of a Schedule, stored in the datastore
// hash at Store.ScheduleStateKey(ID).
type State struct {
	ID          string
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	LastError   string
	LastSuccess time.Time
}
