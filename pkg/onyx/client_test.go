package onyx

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestEnqueueAndDequeue(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	c, err := New("redis://"+mr.Addr(), "testns")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	jobID, err := c.Enqueue(ctx, "Echo", "hello", EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected non-empty job id")
	}

	removed, err := c.Dequeue(ctx, jobID)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if !removed {
		t.Error("expected Dequeue to report removal")
	}
}

func TestWaitForOutcomeWithoutBackendErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	c, err := New("redis://"+mr.Addr(), "testns")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	if _, err := c.WaitForOutcome(context.Background(), "attempt-1", 0); err == nil {
		t.Error("expected error when no outcome backend is configured")
	}
}
