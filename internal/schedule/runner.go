package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/onyx-run/onyx-background/internal/datastore"
	"github.com/onyx-run/onyx-background/internal/logger"
	"github.com/onyx-run/onyx-background/internal/manager"
)

// Enqueuer is the narrow interface a Runner needs to create jobs. *manager.Manager
// satisfies it; tests can substitute a recording fake.
type Enqueuer interface {
	Enqueue(ctx context.Context, class, arg string, opts manager.EnqueueOptions) (string, error)
}

// Runner evaluates a Registry on a fixed interval and enqueues every due,
// enabled schedule exactly once across however many Runner processes are
// running concurrently, via a DistributedLock keyed per schedule.
type Runner struct {
	store    *datastore.Store
	registry *Registry
	enqueuer Enqueuer
	interval time.Duration
	lockTTL  time.Duration
	log      logger.Logger
}

// Config configures a Runner.
type Config struct {
	Store    *datastore.Store
	Registry *Registry
	Enqueuer Enqueuer
	Interval time.Duration
	LockTTL  time.Duration
	Logger   logger.Logger
}

// New builds a Runner from cfg. Interval defaults to 1 second, LockTTL to 60s.
func New(cfg Config) *Runner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 60 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	return &Runner{
		store:    cfg.Store,
		registry: cfg.Registry,
		enqueuer: cfg.Enqueuer,
		interval: interval,
		lockTTL:  lockTTL,
		log:      log.WithComponent(logger.ComponentScheduler),
	}
}

// Run ticks until ctx is cancelled, checking every registered schedule on
// each tick and enqueueing the ones that are due.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("schedule runner started", "interval", r.interval.String(), "schedules", r.registry.Count())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.tick(ctx)

		select {
		case <-ctx.Done():
			r.log.Info("schedule runner stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	now := time.Now()
	for _, s := range r.registry.List() {
		if !s.Enabled {
			continue
		}
		if r.isDue(ctx, s, now) {
			r.execute(ctx, s, now)
		}
	}
}

func (r *Runner) isDue(ctx context.Context, s *Schedule, now time.Time) bool {
	state, err := r.getState(ctx, s.ID)
	if err != nil {
		r.log.Error("failed to get schedule state", "schedule_id", s.ID, "error", err.Error())
		return false
	}

	nextRun, err := r.registry.NextRun(s, state.LastRun)
	if err != nil {
		r.log.Error("failed to compute next run", "schedule_id", s.ID, "error", err.Error())
		return false
	}

	// 1-second buffer accounts for tick timing jitter against the interval.
	return now.After(nextRun.Add(-time.Second)) || now.Equal(nextRun)
}

func (r *Runner) execute(ctx context.Context, s *Schedule, now time.Time) {
	lockKey := r.store.ScheduleLockKey(s.ID)

	lock, err := AcquireLock(ctx, r.store.Client(), lockKey, r.lockTTL)
	if err != nil {
		r.log.Error("failed to acquire schedule lock", "schedule_id", s.ID, "error", err.Error())
		return
	}
	if lock == nil {
		r.log.Debug("schedule already locked by another runner", "schedule_id", s.ID)
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			r.log.Error("failed to release schedule lock", "schedule_id", s.ID, "error", err.Error())
		}
	}()

	// Another runner may have enqueued this tick and released the lock
	// between the isDue check in tick and the acquire above.
	if !r.isDue(ctx, s, now) {
		return
	}

	queue := s.Queue
	jobID, err := r.enqueuer.Enqueue(ctx, s.Class, s.Arg, manager.EnqueueOptions{Queue: queue})
	if err != nil {
		r.log.Error("failed to enqueue scheduled job", "schedule_id", s.ID, "class", s.Class, "error", err.Error())
		if updateErr := r.updateState(ctx, s.ID, &State{ID: s.ID, LastRun: now, LastError: err.Error()}); updateErr != nil {
			r.log.Warn("failed to update schedule state", "schedule_id", s.ID, "error", updateErr.Error())
		}
		return
	}

	r.log.Info("scheduled job enqueued", "schedule_id", s.ID, "class", s.Class, "job_id", jobID)

	nextRun, err := r.registry.NextRun(s, now)
	if err != nil {
		r.log.Error("failed to compute next run after execute", "schedule_id", s.ID, "error", err.Error())
		nextRun = time.Time{}
	}

	runCount := r.incrementRunCount(ctx, s.ID)
	if updateErr := r.updateState(ctx, s.ID, &State{
		ID:          s.ID,
		LastRun:     now,
		NextRun:     nextRun,
		LastSuccess: now,
		RunCount:    runCount,
	}); updateErr != nil {
		r.log.Warn("failed to update schedule state", "schedule_id", s.ID, "error", updateErr.Error())
	}
}

// GetState exposes a schedule's run-state for monitoring.
func (r *Runner) GetState(ctx context.Context, scheduleID string) (*State, error) {
	return r.getState(ctx, scheduleID)
}

func (r *Runner) getState(ctx context.Context, scheduleID string) (*State, error) {
	fields, err := r.store.HGetAll(ctx, r.store.ScheduleStateKey(scheduleID))
	if err != nil {
		return nil, fmt.Errorf("get schedule state: %w", err)
	}
	if len(fields) == 0 {
		return &State{ID: scheduleID}, nil
	}

	state := &State{ID: scheduleID, LastError: fields["last_error"]}
	if v, ok := fields["last_run"]; ok && v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			state.LastRun = t
		}
	}
	if v, ok := fields["next_run"]; ok && v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			state.NextRun = t
		}
	}
	if v, ok := fields["last_success"]; ok && v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			state.LastSuccess = t
		}
	}
	if v, ok := fields["run_count"]; ok && v != "" {
		var count int64
		if _, err := fmt.Sscanf(v, "%d", &count); err == nil {
			state.RunCount = count
		}
	}
	return state, nil
}

func (r *Runner) updateState(ctx context.Context, scheduleID string, state *State) error {
	key := r.store.ScheduleStateKey(scheduleID)

	fields := map[string]interface{}{
		"last_run": state.LastRun.Format(time.RFC3339),
	}
	if !state.NextRun.IsZero() {
		fields["next_run"] = state.NextRun.Format(time.RFC3339)
	}
	if !state.LastSuccess.IsZero() {
		fields["last_success"] = state.LastSuccess.Format(time.RFC3339)
	}
	if state.LastError != "" {
		fields["last_error"] = state.LastError
	} else {
		r.store.Client().HDel(ctx, key, "last_error")
	}

	return r.store.HSet(ctx, key, fields)
}

func (r *Runner) incrementRunCount(ctx context.Context, scheduleID string) int64 {
	key := r.store.ScheduleStateKey(scheduleID)
	count, err := r.store.Client().HIncrBy(ctx, key, "run_count", 1).Result()
	if err != nil {
		r.log.Error("failed to increment run count", "schedule_id", scheduleID, "error", err.Error())
		return 0
	}
	return count
}
