package datastore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	store, err := New("redis://"+mr.Addr(), "testns")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	return store, mr
}

func TestNewDefaultsNamespace(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	store, err := New("redis://"+mr.Addr(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer store.Close()

	if store.Namespace() != DefaultNamespace {
		t.Errorf("expected namespace %q, got %q", DefaultNamespace, store.Namespace())
	}
}

func TestKeyLayout(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	cases := []struct {
		got  string
		want string
	}{
		{store.JobKey("abc"), "testns:jobs:abc"},
		{store.AttemptKey("abc"), "testns:attempts:abc"},
		{store.ReadyKey("default"), "testns:ready:default"},
		{store.ScheduledKey("default"), "testns:scheduled:default"},
		{store.ProcessingKey("default"), "testns:processing:default"},
		{store.CompletedKey("default"), "testns:completed:default"},
		{store.FailedKey("default"), "testns:failed:default"},
	}

	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("expected key %q, got %q", c.want, c.got)
		}
	}
}

func TestQueueFromReadyKey(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	queue, ok := store.QueueFromReadyKey("testns:ready:emails")
	if !ok {
		t.Fatal("expected match")
	}
	if queue != "emails" {
		t.Errorf("expected queue %q, got %q", "emails", queue)
	}

	if _, ok := store.QueueFromReadyKey("testns:processing:emails"); ok {
		t.Error("expected no match against a processing key")
	}
}

func TestHashRoundTrip(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	key := store.JobKey("job-1")

	if err := store.HSet(ctx, key, map[string]interface{}{"cls": "SimpleJob", "que": "default"}); err != nil {
		t.Fatalf("HSet failed: %v", err)
	}

	fields, err := store.HGetAll(ctx, key)
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	if fields["cls"] != "SimpleJob" {
		t.Errorf("expected cls SimpleJob, got %q", fields["cls"])
	}

	val, err := store.HGet(ctx, key, "que")
	if err != nil {
		t.Fatalf("HGet failed: %v", err)
	}
	if val != "default" {
		t.Errorf("expected que default, got %q", val)
	}

	if _, err := store.HGet(ctx, key, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing field, got %v", err)
	}
}

func TestListOps(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	key := store.ReadyKey("default")

	if err := store.RPush(ctx, key, "job-1"); err != nil {
		t.Fatalf("RPush failed: %v", err)
	}
	if err := store.RPush(ctx, key, "job-2"); err != nil {
		t.Fatalf("RPush failed: %v", err)
	}

	n, err := store.LLen(ctx, key)
	if err != nil {
		t.Fatalf("LLen failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected length 2, got %d", n)
	}

	gotKey, gotVal, err := store.BLPop(ctx, 50*time.Millisecond, key)
	if err != nil {
		t.Fatalf("BLPop failed: %v", err)
	}
	if gotKey != key || gotVal != "job-1" {
		t.Errorf("expected (%s, job-1), got (%s, %s)", key, gotKey, gotVal)
	}

	removed, err := store.LRem(ctx, key, "job-2")
	if err != nil {
		t.Fatalf("LRem failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
}

func TestSortedSetOps(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	key := store.ScheduledKey("default")

	now := float64(time.Now().UnixMilli())
	if err := store.ZAdd(ctx, key, now-1000, "past-job"); err != nil {
		t.Fatalf("ZAdd failed: %v", err)
	}
	if err := store.ZAdd(ctx, key, now+1000000, "future-job"); err != nil {
		t.Fatalf("ZAdd failed: %v", err)
	}

	due, err := store.ZRangeByScore(ctx, key, 0, now)
	if err != nil {
		t.Fatalf("ZRangeByScore failed: %v", err)
	}
	if len(due) != 1 || due[0] != "past-job" {
		t.Errorf("expected [past-job], got %v", due)
	}

	removed, err := store.ZRem(ctx, key, "past-job")
	if err != nil {
		t.Fatalf("ZRem failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
}

func TestSetOps(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	key := store.ProcessingKey("default")

	if err := store.SAdd(ctx, key, "attempt-1"); err != nil {
		t.Fatalf("SAdd failed: %v", err)
	}

	members, err := store.SMembers(ctx, key)
	if err != nil {
		t.Fatalf("SMembers failed: %v", err)
	}
	if len(members) != 1 || members[0] != "attempt-1" {
		t.Errorf("expected [attempt-1], got %v", members)
	}

	card, err := store.SCard(ctx, key)
	if err != nil {
		t.Fatalf("SCard failed: %v", err)
	}
	if card != 1 {
		t.Errorf("expected cardinality 1, got %d", card)
	}

	removed, err := store.SRem(ctx, key, "attempt-1")
	if err != nil {
		t.Fatalf("SRem failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
}

func TestNamedConn(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	conn, id, err := store.NamedConn(ctx, "onyx-background-manager")
	if err != nil {
		t.Fatalf("NamedConn failed: %v", err)
	}
	defer conn.Close()

	if id <= 0 {
		t.Errorf("expected positive client id, got %d", id)
	}

	list, err := store.ListNormalClients(ctx)
	if err != nil {
		t.Fatalf("ListNormalClients failed: %v", err)
	}
	if list == "" {
		t.Error("expected non-empty client list")
	}
}

func TestPipelineExec(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	pipe := store.Pipeline()
	pipe.HSet(ctx, store.JobKey("job-1"), map[string]interface{}{"cls": "X"})
	pipe.RPush(ctx, store.ReadyKey("default"), "job-1")

	if _, err := pipe.Exec(ctx); err != nil {
		t.Fatalf("pipeline exec failed: %v", err)
	}

	n, err := store.LLen(ctx, store.ReadyKey("default"))
	if err != nil {
		t.Fatalf("LLen failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 item in ready list, got %d", n)
	}
}
