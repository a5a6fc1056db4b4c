package watcher

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/onyx-run/onyx-background/internal/datastore"
	onyxerrors "github.com/onyx-run/onyx-background/internal/errors"
	"github.com/onyx-run/onyx-background/internal/job"
)

func setupTestWatcher(t *testing.T, queues []string, interval time.Duration) (*Watcher, *datastore.Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	store, err := datastore.New("redis://"+mr.Addr(), "testns")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	w := New(Config{
		Store:    store,
		Queues:   queues,
		Interval: interval,
	})

	return w, store, mr
}

func TestPromoteScheduledMovesDueJobs(t *testing.T) {
	w, store, mr := setupTestWatcher(t, []string{job.DefaultQueue}, time.Second)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	if err := store.ZAdd(ctx, store.ScheduledKey(job.DefaultQueue), float64(time.Now().Add(-time.Second).UnixMilli()), "due-job"); err != nil {
		t.Fatalf("ZAdd failed: %v", err)
	}
	if err := store.ZAdd(ctx, store.ScheduledKey(job.DefaultQueue), float64(time.Now().Add(time.Hour).UnixMilli()), "future-job"); err != nil {
		t.Fatalf("ZAdd failed: %v", err)
	}

	if err := w.promoteScheduled(ctx); err != nil {
		t.Fatalf("promoteScheduled failed: %v", err)
	}

	n, err := store.LLen(ctx, store.ReadyKey(job.DefaultQueue))
	if err != nil {
		t.Fatalf("LLen failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 entry promoted to ready, got %d", n)
	}

	card, err := store.ZCard(ctx, store.ScheduledKey(job.DefaultQueue))
	if err != nil {
		t.Fatalf("ZCard failed: %v", err)
	}
	if card != 1 {
		t.Errorf("expected future job to remain scheduled, got %d members", card)
	}
}

func TestReclaimStaleAttemptsMarksDeadFiberWork(t *testing.T) {
	w, store, mr := setupTestWatcher(t, []string{job.DefaultQueue}, time.Second)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()

	attempt := job.NewAttempt("job-1", job.DefaultQueue, "9999")
	if err := store.HSet(ctx, store.AttemptKey(attempt.ID), attempt.ToHash()); err != nil {
		t.Fatalf("HSet failed: %v", err)
	}
	if err := store.SAdd(ctx, store.ProcessingKey(job.DefaultQueue), attempt.ID); err != nil {
		t.Fatalf("SAdd failed: %v", err)
	}

	if err := w.reclaimStaleAttempts(ctx); err != nil {
		t.Fatalf("reclaimStaleAttempts failed: %v", err)
	}

	fields, err := store.HGetAll(ctx, store.AttemptKey(attempt.ID))
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	if fields[job.FieldAttemptError] != onyxerrors.WorkerTimeoutMessage {
		t.Errorf("expected err %q, got %q", onyxerrors.WorkerTimeoutMessage, fields[job.FieldAttemptError])
	}
	if _, hasFin := fields[job.FieldAttemptFinish]; hasFin {
		t.Error("expected reclaimed attempt to have no fin field")
	}

	processing, err := store.SCard(ctx, store.ProcessingKey(job.DefaultQueue))
	if err != nil {
		t.Fatalf("SCard failed: %v", err)
	}
	if processing != 0 {
		t.Errorf("expected processing set to be empty, got %d", processing)
	}

	failed, err := store.ZCard(ctx, store.FailedKey(job.DefaultQueue))
	if err != nil {
		t.Fatalf("ZCard failed: %v", err)
	}
	if failed != 1 {
		t.Errorf("expected 1 failed attempt, got %d", failed)
	}
}

func TestReclaimStaleAttemptsSparesLiveFiber(t *testing.T) {
	w, store, mr := setupTestWatcher(t, []string{job.DefaultQueue}, time.Second)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()

	conn, id, err := store.NamedConn(ctx, "onyx-background-worker-fiber:1 ")
	if err != nil {
		t.Fatalf("NamedConn failed: %v", err)
	}
	defer conn.Close()

	attempt := job.NewAttempt("job-1", job.DefaultQueue, formatID(id))
	if err := store.HSet(ctx, store.AttemptKey(attempt.ID), attempt.ToHash()); err != nil {
		t.Fatalf("HSet failed: %v", err)
	}
	if err := store.SAdd(ctx, store.ProcessingKey(job.DefaultQueue), attempt.ID); err != nil {
		t.Fatalf("SAdd failed: %v", err)
	}

	if err := w.reclaimStaleAttempts(ctx); err != nil {
		t.Fatalf("reclaimStaleAttempts failed: %v", err)
	}

	processing, err := store.SCard(ctx, store.ProcessingKey(job.DefaultQueue))
	if err != nil {
		t.Fatalf("SCard failed: %v", err)
	}
	if processing != 1 {
		t.Errorf("expected attempt owned by a live fiber to survive, processing cardinality is %d", processing)
	}
}

func TestLiveFiberIDsIgnoresNonFiberConnections(t *testing.T) {
	_, store, mr := setupTestWatcher(t, []string{job.DefaultQueue}, time.Second)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()

	managerConn, _, err := store.NamedConn(ctx, "onyx-background-manager")
	if err != nil {
		t.Fatalf("NamedConn failed: %v", err)
	}
	defer managerConn.Close()

	fiberConn, fiberID, err := store.NamedConn(ctx, "onyx-background-worker-fiber:42 ")
	if err != nil {
		t.Fatalf("NamedConn failed: %v", err)
	}
	defer fiberConn.Close()

	raw, err := store.ListNormalClients(ctx)
	if err != nil {
		t.Fatalf("ListNormalClients failed: %v", err)
	}
	live := parseLiveFiberIDs(raw)

	if !live[formatID(fiberID)] {
		t.Errorf("expected fiber connection id %d to be live", fiberID)
	}
	if len(live) != 1 {
		t.Errorf("expected exactly 1 live fiber, got %d: %v", len(live), live)
	}
}

func TestWatcherStopTakesEffectAtNextTick(t *testing.T) {
	w, store, mr := setupTestWatcher(t, []string{job.DefaultQueue}, 10*time.Millisecond)
	defer mr.Close()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(ctx) }()

	time.Sleep(15 * time.Millisecond)
	w.Stop()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watcher to observe Stop")
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
