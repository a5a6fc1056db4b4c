// Package worker implements the Worker component: a pool of fiber-like
// goroutines that each hold a dedicated Redis connection, BLPOP the ready
// lists for their configured queues, and execute attempts against the Job
// Registry, per spec.md §4.2.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onyx-run/onyx-background/internal/datastore"
	onyxerrors "github.com/onyx-run/onyx-background/internal/errors"
	"github.com/onyx-run/onyx-background/internal/job"
	"github.com/onyx-run/onyx-background/internal/logger"
	"github.com/onyx-run/onyx-background/internal/metrics"
	"github.com/onyx-run/onyx-background/internal/registry"
)

// Worker pops jobs off its configured queues' ready lists and runs them
// through the registry, one fiber (goroutine + dedicated connection) per
// in-flight attempt, up to Fibers concurrently.
type Worker struct {
	store    *datastore.Store
	registry *registry.Registry
	queues   []string
	fibers   int
	log      logger.Logger
	metrics  *metrics.Collector

	poolWait time.Duration
	poolTTL  time.Duration

	mu         sync.Mutex
	running    bool
	stopping   bool
	mainConn   *redis.Conn
	mainConnID int64
	pool       *connPool
	doneCh     chan struct{}
	wg         sync.WaitGroup
	// cancel cancels the derived context every in-flight attempt's
	// instance.Perform(ctx) call ultimately runs under, so Stop can unblock
	// a job that never touches Redis (and so never notices a pooled
	// connection being killed) without depending on the caller's own ctx.
	cancel context.CancelFunc
}

// Config configures a Worker.
type Config struct {
	Store    *datastore.Store
	Registry *registry.Registry
	Queues   []string
	Fibers   int
	PoolWait time.Duration
	PoolTTL  time.Duration
	Logger   logger.Logger
	Metrics  *metrics.Collector
}

// New builds a Worker from cfg. Queues defaults to []string{job.DefaultQueue}
// and Fibers defaults to 1 if unset.
func New(cfg Config) *Worker {
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = []string{job.DefaultQueue}
	}
	fibers := cfg.Fibers
	if fibers < 1 {
		fibers = 1
	}
	poolWait := cfg.PoolWait
	if poolWait <= 0 {
		poolWait = 10 * time.Microsecond
	}
	poolTTL := cfg.PoolTTL
	if poolTTL <= 0 {
		poolTTL = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Worker{
		store:    cfg.Store,
		registry: cfg.Registry,
		queues:   queues,
		fibers:   fibers,
		poolWait: poolWait,
		poolTTL:  poolTTL,
		log:      log.WithComponent(logger.ComponentWorker),
		metrics:  m,
	}
}

// Start opens the Worker's control connection and launches its BLPOP loop in
// the background. It returns once the control connection is established;
// the loop itself runs until Stop is called or a fatal datastore error
// occurs.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker: %w: already running", onyxerrors.ErrMisuse)
	}
	if w.doneCh != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker: %w: cannot start a stopped worker", onyxerrors.ErrMisuse)
	}

	name := fmt.Sprintf("onyx-background-worker:%s ", strings.Join(w.queues, ","))
	conn, id, err := w.store.NamedConn(ctx, name)
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker: failed to open control connection: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	w.mainConn = conn
	w.mainConnID = id
	w.pool = newConnPool(w.store, id, w.fibers, w.poolWait, w.poolTTL)
	w.pool.startReap()
	w.doneCh = make(chan struct{})
	w.cancel = cancel
	w.running = true
	w.stopping = false
	w.mu.Unlock()

	w.log.Info("worker started", "queues", w.queues, "fibers", w.fibers, "client_id", id)

	go w.runLoop(runCtx)

	return nil
}

// runLoop is the Worker's main BLPOP loop: one blocking pop per iteration
// across every configured queue's ready list, with each popped job handed
// off to its own goroutine immediately.
func (w *Worker) runLoop(ctx context.Context) {
	defer close(w.doneCh)

	readyKeys := make([]string, len(w.queues))
	for i, q := range w.queues {
		readyKeys[i] = w.store.ReadyKey(q)
	}

	for {
		key, jobID, err := w.mainConnBLPop(ctx, readyKeys)
		if err != nil {
			if isUnblockedError(err) {
				w.log.Debug("worker control connection unblocked, stopping loop")
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error("worker blpop failed, stopping loop", "error", err.Error())
			return
		}

		queue, ok := w.store.QueueFromReadyKey(key)
		if !ok {
			w.log.Warn("worker popped from unrecognized key", "key", key)
			continue
		}

		w.wg.Add(1)
		go func(queue, jobID string) {
			defer w.wg.Done()
			w.runAttempt(ctx, queue, jobID)
		}(queue, jobID)
	}
}

func (w *Worker) mainConnBLPop(ctx context.Context, keys []string) (string, string, error) {
	res, err := w.mainConn.BLPop(ctx, 0, keys...).Result()
	if err != nil {
		return "", "", err
	}
	if len(res) != 2 {
		return "", "", fmt.Errorf("unexpected BLPOP reply: %v", res)
	}
	return res[0], res[1], nil
}

// runAttempt acquires a pooled connection, materializes the job, records
// and executes the attempt, and writes its terminal state, per spec.md
// §4.2 steps 3-6.
func (w *Worker) runAttempt(ctx context.Context, queue, jobID string) {
	pc, err := w.pool.Acquire(ctx)
	if err != nil {
		w.log.Error("worker failed to acquire fiber connection", "job_id", jobID, "error", err.Error())
		return
	}
	defer w.pool.Return(pc)
	defer func() {
		w.metrics.RecordFiberActivity(int64(w.pool.InUseCount()), int64(w.pool.Total()))
	}()
	w.metrics.RecordFiberActivity(int64(w.pool.InUseCount()), int64(w.pool.Total()))

	fields, err := pc.conn.HGetAll(ctx, w.store.JobKey(jobID)).Result()
	if err != nil {
		w.log.Error("worker failed to read job hash", "job_id", jobID, "error", err.Error())
		return
	}

	j, err := job.FromHash(jobID, fields)
	if err != nil {
		// Non-atomic enqueue window (spec.md §9): the hash write and the
		// ready-list push aren't transactional, so a consumer can in
		// principle observe an id before its hash lands. Drop it rather
		// than crash; it is not recoverable once the id is already popped.
		w.log.Warn("worker dropped unreadable job", "job_id", jobID, "error", err.Error())
		return
	}

	attempt := job.NewAttempt(j.ID, queue, strconv.FormatInt(pc.clientID, 10))

	tx := pc.conn.TxPipeline()
	tx.SAdd(ctx, w.store.ProcessingKey(queue), attempt.ID)
	tx.HSet(ctx, w.store.AttemptKey(attempt.ID), attempt.ToHash())
	if _, err := tx.Exec(ctx); err != nil {
		w.log.Error("worker failed to record attempt start", "job_id", jobID, "attempt_id", attempt.ID, "error", err.Error())
		return
	}

	w.metrics.RecordAttemptStarted(queue)
	start := time.Now()
	perr := w.perform(ctx, j, attempt)
	duration := time.Since(start)

	finish := time.Now()

	writer := pc.conn.TxPipeline()
	writer.SRem(ctx, w.store.ProcessingKey(queue), attempt.ID)
	hashUpdate := map[string]interface{}{
		job.FieldAttemptFinish: finish.UnixMilli(),
		job.FieldAttemptTimeMS: float64(duration.Microseconds()) / 1000.0,
	}
	if perr != nil {
		hashUpdate[job.FieldAttemptError] = simpleKindName(perr)
		writer.ZAdd(ctx, w.store.FailedKey(queue), redisScore(finish), attempt.ID)
	} else {
		writer.ZAdd(ctx, w.store.CompletedKey(queue), redisScore(finish), attempt.ID)
	}
	writer.HSet(ctx, w.store.AttemptKey(attempt.ID), hashUpdate)

	if _, err := writer.Exec(ctx); err != nil {
		w.log.Error("worker failed to record attempt outcome", "job_id", jobID, "attempt_id", attempt.ID, "error", err.Error())
	}

	if perr != nil {
		w.metrics.RecordAttemptFailed(queue, duration)
		w.log.Warn("attempt failed", "job_id", jobID, "attempt_id", attempt.ID, "class", j.Class, "error", perr.Error())
	} else {
		w.metrics.RecordAttemptCompleted(queue, duration)
		w.log.Debug("attempt completed", "job_id", jobID, "attempt_id", attempt.ID, "class", j.Class, "duration_ms", duration.Milliseconds())
	}
}

func redisScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// perform resolves j's class in the registry, builds the job instance,
// injects the attempt id, and runs it. A panic inside Perform is recovered
// and reported as the attempt's error rather than crashing the fiber.
func (w *Worker) perform(ctx context.Context, j *job.Job, attempt *job.Attempt) (err error) {
	defer func() {
		if perr := onyxerrors.RecoverPanic(); perr != nil {
			w.log.Error("attempt panicked", "job_id", j.ID, "class", j.Class, "panic", perr.Error())
			err = perr
		}
	}()

	factory, ok := w.registry.Get(j.Class)
	if !ok {
		return fmt.Errorf("%s: %w", j.Class, onyxerrors.ErrJobNotFoundByClass)
	}
	instance, buildErr := factory(j.Arg)
	if buildErr != nil {
		return onyxerrors.NewExecutionError(simpleTypeName(buildErr), buildErr)
	}

	instance.SetAttemptID(attempt.ID)

	if perr := instance.Perform(ctx); perr != nil {
		return onyxerrors.NewExecutionError(simpleTypeName(perr), perr)
	}

	return nil
}

// simpleKindName derives the short error-kind string written to an
// attempt's err field, per spec.md §4.2 step 6: never a full message or
// stack trace.
func simpleKindName(err error) string {
	if errors.Is(err, onyxerrors.ErrJobNotFoundByClass) {
		return "JobNotFoundByClass"
	}
	var execErr *onyxerrors.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	var panicErr *onyxerrors.PanicError
	if errors.As(err, &panicErr) {
		return "PanicError"
	}
	return simpleTypeName(err)
}

func simpleTypeName(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

// isUnblockedError reports whether err is the CLIENT UNBLOCK-induced error a
// blocked BLPOP returns when unblocked with an error, per spec.md §4.2.
func isUnblockedError(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNBLOCKED")
}

// StopOptions configures Stop's shutdown behavior.
type StopOptions struct {
	// ForceKill immediately severs every fiber connection via CLIENT KILL
	// instead of waiting for in-flight attempts to finish.
	ForceKill bool
	// FibersTimeout, if set, polls in-flight fiber count until it reaches
	// zero or the timeout elapses, then force-kills any stragglers.
	FibersTimeout time.Duration
	// FibersCheckInterval is the poll interval for FibersTimeout. Defaults
	// to 1ms.
	FibersCheckInterval time.Duration
}

// Stop unblocks the control connection so the BLPOP loop exits, then drains
// or kills fiber connections per opts, per spec.md §4.2's shutdown
// procedure. The control connection commands route through the shared
// client pool rather than the dedicated blocked connection, so no separate
// auxiliary connection is needed to issue CLIENT UNBLOCK.
func (w *Worker) Stop(ctx context.Context, opts StopOptions) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker: %w: not running", onyxerrors.ErrMisuse)
	}
	if w.stopping {
		w.mu.Unlock()
		return fmt.Errorf("worker: %w: already stopping", onyxerrors.ErrMisuse)
	}
	w.stopping = true
	mainConnID := w.mainConnID
	mainConn := w.mainConn
	pool := w.pool
	doneCh := w.doneCh
	cancel := w.cancel
	w.mu.Unlock()

	if err := w.store.UnblockClient(ctx, mainConnID, true); err != nil {
		w.log.Warn("worker failed to unblock control connection", "error", err.Error())
	}

	switch {
	case opts.ForceKill:
		// Killing the pooled connections only interrupts a fiber that is
		// blocked inside a Redis call; a job like a long-running Perform
		// that blocks on ctx.Done() and never touches Redis is only
		// unblocked by canceling its context directly.
		cancel()
		pool.Clear(ctx)
	case opts.FibersTimeout > 0:
		interval := opts.FibersCheckInterval
		if interval <= 0 {
			interval = time.Millisecond
		}
		deadline := time.Now().Add(opts.FibersTimeout)
		for pool.InUseCount() > 0 && time.Now().Before(deadline) {
			time.Sleep(interval)
		}
		if pool.InUseCount() > 0 {
			w.log.Warn("worker force-killing fibers after timeout", "in_use", pool.InUseCount())
		}
		cancel()
		pool.Clear(ctx)
	}

	<-doneCh

	if opts.ForceKill || opts.FibersTimeout > 0 {
		w.wg.Wait()
	}

	pool.StopReap()
	_ = mainConn.Close()

	w.mu.Lock()
	w.running = false
	w.stopping = false
	w.mu.Unlock()

	w.log.Info("worker stopped")
	return nil
}
