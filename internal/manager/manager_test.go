package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/onyx-run/onyx-background/internal/datastore"
	onyxerrors "github.com/onyx-run/onyx-background/internal/errors"
	"github.com/onyx-run/onyx-background/internal/job"
)

func setupTestManager(t *testing.T) (*Manager, *datastore.Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	store, err := datastore.New("redis://"+mr.Addr(), "testns")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	return New(store), store, mr
}

func TestEnqueueImmediate(t *testing.T) {
	m, store, mr := setupTestManager(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	id, err := m.Enqueue(ctx, "SimpleJob", `{"n":1}`, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty job id")
	}

	fields, err := store.HGetAll(ctx, store.JobKey(id))
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	if fields[job.FieldClass] != "SimpleJob" {
		t.Errorf("expected class SimpleJob, got %q", fields[job.FieldClass])
	}
	if fields[job.FieldQueue] != job.DefaultQueue {
		t.Errorf("expected queue %q, got %q", job.DefaultQueue, fields[job.FieldQueue])
	}
	if _, hasRunAt := fields[job.FieldRunAt]; hasRunAt {
		t.Error("expected no pat field for an immediate job")
	}

	n, err := store.LLen(ctx, store.ReadyKey(job.DefaultQueue))
	if err != nil {
		t.Fatalf("LLen failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 entry in ready list, got %d", n)
	}
}

func TestEnqueueWithCustomQueue(t *testing.T) {
	m, store, mr := setupTestManager(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	id, err := m.Enqueue(ctx, "SendEmail", "arg", EnqueueOptions{Queue: "emails"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	n, err := store.LLen(ctx, store.ReadyKey("emails"))
	if err != nil {
		t.Fatalf("LLen failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 entry in emails ready list, got %d", n)
	}

	fields, err := store.HGetAll(ctx, store.JobKey(id))
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	if fields[job.FieldQueue] != "emails" {
		t.Errorf("expected queue emails, got %q", fields[job.FieldQueue])
	}
}

func TestEnqueueScheduledByIn(t *testing.T) {
	m, store, mr := setupTestManager(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	id, err := m.Enqueue(ctx, "SimpleJob", "arg", EnqueueOptions{In: time.Hour})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	fields, err := store.HGetAll(ctx, store.JobKey(id))
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	if _, ok := fields[job.FieldRunAt]; !ok {
		t.Error("expected pat field to be set for a scheduled job")
	}

	n, err := store.LLen(ctx, store.ReadyKey(job.DefaultQueue))
	if err != nil {
		t.Fatalf("LLen failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected scheduled job to not land in ready list, got %d entries", n)
	}

	due, err := store.ZRangeByScore(ctx, store.ScheduledKey(job.DefaultQueue), 0, float64(time.Now().Add(2*time.Hour).UnixMilli()))
	if err != nil {
		t.Fatalf("ZRangeByScore failed: %v", err)
	}
	if len(due) != 1 || due[0] != id {
		t.Errorf("expected [%s] in scheduled set, got %v", id, due)
	}
}

func TestEnqueueRejectsInAndAtTogether(t *testing.T) {
	m, store, mr := setupTestManager(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	_, err := m.Enqueue(ctx, "SimpleJob", "arg", EnqueueOptions{In: time.Hour, At: time.Now().Add(2 * time.Hour)})
	if !errors.Is(err, onyxerrors.ErrMisuse) {
		t.Errorf("expected ErrMisuse, got %v", err)
	}
}

func TestDequeueRemovesReadyJob(t *testing.T) {
	m, store, mr := setupTestManager(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	id, err := m.Enqueue(ctx, "SimpleJob", "arg", EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	removed, err := m.Dequeue(ctx, id)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if !removed {
		t.Error("expected Dequeue to report removal")
	}

	if _, err := store.HGetAll(ctx, store.JobKey(id)); err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	exists, err := store.HGetAll(ctx, store.JobKey(id))
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	if len(exists) != 0 {
		t.Error("expected job hash to be deleted")
	}

	n, err := store.LLen(ctx, store.ReadyKey(job.DefaultQueue))
	if err != nil {
		t.Fatalf("LLen failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected ready list to be empty after dequeue, got %d", n)
	}
}

func TestDequeueRemovesScheduledJob(t *testing.T) {
	m, store, mr := setupTestManager(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	id, err := m.Enqueue(ctx, "SimpleJob", "arg", EnqueueOptions{In: time.Hour})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	removed, err := m.Dequeue(ctx, id)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if !removed {
		t.Error("expected Dequeue to report removal")
	}

	card, err := store.ZCard(ctx, store.ScheduledKey(job.DefaultQueue))
	if err != nil {
		t.Fatalf("ZCard failed: %v", err)
	}
	if card != 0 {
		t.Errorf("expected scheduled set to be empty, got %d members", card)
	}
}

func TestDequeueNonexistentJobReturnsError(t *testing.T) {
	m, store, mr := setupTestManager(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	_, err := m.Dequeue(ctx, "nonexistent-uuid")
	if !errors.Is(err, onyxerrors.ErrJobNotFoundByUUID) {
		t.Errorf("expected ErrJobNotFoundByUUID, got %v", err)
	}
}

func TestDequeueAlreadyClaimedJobReturnsFalse(t *testing.T) {
	m, store, mr := setupTestManager(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	id, err := m.Enqueue(ctx, "SimpleJob", "arg", EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Simulate a Worker having already claimed the job: the id has been
	// popped off the ready list, but the Worker leaves the job hash in place.
	if _, err := store.LRem(ctx, store.ReadyKey(job.DefaultQueue), id); err != nil {
		t.Fatalf("LRem failed: %v", err)
	}

	removed, err := m.Dequeue(ctx, id)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if removed {
		t.Error("expected Dequeue to report no removal for an already-claimed job")
	}
}

func TestEnqueueWithPipeBatchesMultipleJobs(t *testing.T) {
	m, store, mr := setupTestManager(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	pipe := store.Pipeline()

	id1, err := m.EnqueueWithPipe(ctx, pipe, "SimpleJob", "one", EnqueueOptions{})
	if err != nil {
		t.Fatalf("EnqueueWithPipe failed: %v", err)
	}
	id2, err := m.EnqueueWithPipe(ctx, pipe, "SimpleJob", "two", EnqueueOptions{})
	if err != nil {
		t.Fatalf("EnqueueWithPipe failed: %v", err)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.Fatalf("pipe exec failed: %v", err)
	}

	n, err := store.LLen(ctx, store.ReadyKey(job.DefaultQueue))
	if err != nil {
		t.Fatalf("LLen failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 entries in ready list, got %d", n)
	}
	if id1 == id2 {
		t.Error("expected distinct job ids")
	}
}
