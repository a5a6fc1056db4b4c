package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/onyx-run/onyx-background/internal/datastore"
	onyxerrors "github.com/onyx-run/onyx-background/internal/errors"
	"github.com/onyx-run/onyx-background/internal/job"
	"github.com/onyx-run/onyx-background/internal/manager"
	"github.com/onyx-run/onyx-background/internal/metrics"
	"github.com/onyx-run/onyx-background/internal/registry"
)

// stopWithDeadline bounds a Stop call so a backend that can't honor CLIENT
// UNBLOCK fails the test instead of hanging the suite.
func stopWithDeadline(t *testing.T, w *Worker, opts StopOptions) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Stop(context.Background(), opts) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Stop")
	}
}

type recordingJob struct {
	shouldFail bool
	attemptID  string
	ran        chan struct{}
}

func (r *recordingJob) SetAttemptID(id string) { r.attemptID = id }

func (r *recordingJob) Perform(ctx context.Context) error {
	defer close(r.ran)
	if r.shouldFail {
		return errors.New("boom")
	}
	return nil
}

// blockingJob never touches Redis; it blocks until its context is canceled,
// the way internal/examplejobs's LongJob blocks on a timer or ctx.Done().
// It exists to prove Stop's ForceKill path interrupts an in-flight attempt
// rather than relying on the caller canceling its own context first.
type blockingJob struct {
	attemptID string
	started   chan struct{}
	startOnce sync.Once
}

func (b *blockingJob) SetAttemptID(id string) { b.attemptID = id }

func (b *blockingJob) Perform(ctx context.Context) error {
	b.startOnce.Do(func() { close(b.started) })
	<-ctx.Done()
	return ctx.Err()
}

func setupTestWorker(t *testing.T, reg *registry.Registry, fibers int) (*Worker, *manager.Manager, *datastore.Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	store, err := datastore.New("redis://"+mr.Addr(), "testns")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	w := New(Config{
		Store:    store,
		Registry: reg,
		Queues:   []string{job.DefaultQueue},
		Fibers:   fibers,
		PoolWait: time.Millisecond,
		PoolTTL:  time.Minute,
		Metrics:  metrics.NewCollector(),
	})

	return w, manager.New(store), store, mr
}

func TestWorkerProcessesSuccessfulAttempt(t *testing.T) {
	ran := make(chan struct{})
	reg := registry.New()
	reg.Register("Echo", func(arg string) (registry.Job, error) {
		return &recordingJob{ran: ran}, nil
	})

	w, m, store, mr := setupTestWorker(t, reg, 2)
	defer mr.Close()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	jobID, err := m.Enqueue(ctx, "Echo", "arg", manager.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job to run")
	}

	stopWithDeadline(t, w, StopOptions{FibersTimeout: time.Second})

	completed, err := store.ZCard(context.Background(), store.CompletedKey(job.DefaultQueue))
	if err != nil {
		t.Fatalf("ZCard failed: %v", err)
	}
	if completed != 1 {
		t.Errorf("expected 1 completed attempt, got %d", completed)
	}

	processing, err := store.SCard(context.Background(), store.ProcessingKey(job.DefaultQueue))
	if err != nil {
		t.Fatalf("SCard failed: %v", err)
	}
	if processing != 0 {
		t.Errorf("expected processing set to be empty, got %d", processing)
	}

	jobFields, err := store.HGetAll(context.Background(), store.JobKey(jobID))
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	if jobFields[job.FieldClass] != "Echo" {
		t.Errorf("expected class Echo, got %q", jobFields[job.FieldClass])
	}
}

func TestWorkerRecordsFailedAttemptErrorKind(t *testing.T) {
	ran := make(chan struct{})
	reg := registry.New()
	reg.Register("Boom", func(arg string) (registry.Job, error) {
		return &recordingJob{shouldFail: true, ran: ran}, nil
	})

	w, m, store, mr := setupTestWorker(t, reg, 1)
	defer mr.Close()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := m.Enqueue(ctx, "Boom", "arg", manager.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job to run")
	}

	stopWithDeadline(t, w, StopOptions{FibersTimeout: time.Second})

	failed, err := store.ZCard(context.Background(), store.FailedKey(job.DefaultQueue))
	if err != nil {
		t.Fatalf("ZCard failed: %v", err)
	}
	if failed != 1 {
		t.Errorf("expected 1 failed attempt, got %d", failed)
	}
}

func TestWorkerFailsAttemptForUnregisteredClass(t *testing.T) {
	reg := registry.New()

	w, m, store, mr := setupTestWorker(t, reg, 1)
	defer mr.Close()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := m.Enqueue(ctx, "Missing", "arg", manager.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// No registered class means no Perform to synchronize on; give the fiber
	// a moment to run and record its failure.
	time.Sleep(50 * time.Millisecond)

	stopWithDeadline(t, w, StopOptions{FibersTimeout: time.Second})

	failed, err := store.ZCard(context.Background(), store.FailedKey(job.DefaultQueue))
	if err != nil {
		t.Fatalf("ZCard failed: %v", err)
	}
	if failed != 1 {
		t.Errorf("expected 1 failed attempt for unregistered class, got %d", failed)
	}
}

func TestWorkerStartTwiceFails(t *testing.T) {
	reg := registry.New()
	w, _, store, mr := setupTestWorker(t, reg, 1)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer stopWithDeadline(t, w, StopOptions{ForceKill: true})

	if err := w.Start(ctx); !errors.Is(err, onyxerrors.ErrMisuse) {
		t.Errorf("expected ErrMisuse on double start, got %v", err)
	}
}

func TestWorkerStopNotRunningFails(t *testing.T) {
	reg := registry.New()
	w, _, store, mr := setupTestWorker(t, reg, 1)
	defer mr.Close()
	defer store.Close()

	if err := w.Stop(context.Background(), StopOptions{}); !errors.Is(err, onyxerrors.ErrMisuse) {
		t.Errorf("expected ErrMisuse stopping a worker that never started, got %v", err)
	}
}

func TestWorkerForceKillStopsImmediately(t *testing.T) {
	reg := registry.New()
	w, _, store, mr := setupTestWorker(t, reg, 1)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stopWithDeadline(t, w, StopOptions{ForceKill: true})
}

func TestWorkerForceKillInterruptsInFlightAttempt(t *testing.T) {
	bj := &blockingJob{started: make(chan struct{})}
	reg := registry.New()
	reg.Register("Block", func(arg string) (registry.Job, error) {
		return bj, nil
	})

	w, m, store, mr := setupTestWorker(t, reg, 1)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := m.Enqueue(ctx, "Block", "arg", manager.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case <-bj.started:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for blocking job to start")
	}

	// ForceKill must interrupt Perform's ctx.Done() wait directly; it does
	// not depend on the caller having already canceled ctx, and stopWithDeadline
	// calls Stop with context.Background().
	stopWithDeadline(t, w, StopOptions{ForceKill: true})

	processing, err := store.SCard(context.Background(), store.ProcessingKey(job.DefaultQueue))
	if err != nil {
		t.Fatalf("SCard failed: %v", err)
	}
	if processing != 0 {
		t.Errorf("expected processing set to be empty after force-kill, got %d", processing)
	}
}

func TestSimpleKindNameForRegistryMiss(t *testing.T) {
	if got := simpleKindName(onyxerrors.ErrJobNotFoundByClass); got != "JobNotFoundByClass" {
		t.Errorf("expected JobNotFoundByClass, got %q", got)
	}
}

func TestIsUnblockedError(t *testing.T) {
	if !isUnblockedError(errors.New("UNBLOCKED client unblocked via CLIENT UNBLOCK")) {
		t.Error("expected UNBLOCKED error to be detected")
	}
	if isUnblockedError(errors.New("connection reset by peer")) {
		t.Error("expected unrelated error to not be detected as UNBLOCKED")
	}
	if isUnblockedError(nil) {
		t.Error("expected nil error to not be detected as UNBLOCKED")
	}
}
