package opstate

import (
	"context"
	"testing"
	"time"

	"github.com/trackguard/interlocking/infrastructure/state"
)

func newTestLatch(t *testing.T) *Latch {
	t.Helper()
	backend := state.NewMemoryBackend(0)
	l, err := New(backend)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l
}

func TestLatch_DefaultsOperational(t *testing.T) {
	l := newTestLatch(t)
	ctx := context.Background()

	ok, err := l.IsOperational(ctx)
	if err != nil {
		t.Fatalf("IsOperational() error = %v", err)
	}
	if !ok {
		t.Error("expected latch to default to operational")
	}
}

func TestLatch_ClearIsMonotonic(t *testing.T) {
	l := newTestLatch(t)
	ctx := context.Background()

	if err := l.Clear(ctx, "triple-source mismatch"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	ok, err := l.IsOperational(ctx)
	if err != nil {
		t.Fatalf("IsOperational() error = %v", err)
	}
	if ok {
		t.Fatal("expected latch to be non-operational after Clear")
	}

	// Clearing again must not panic or flip it back.
	if err := l.Clear(ctx, "second mismatch"); err != nil {
		t.Fatalf("Clear() second call error = %v", err)
	}
	ok, _ = l.IsOperational(ctx)
	if ok {
		t.Error("expected latch to remain non-operational")
	}
}

func TestLatch_ReinitializeRequiresOperator(t *testing.T) {
	l := newTestLatch(t)
	ctx := context.Background()

	_ = l.Clear(ctx, "reason")

	if err := l.Reinitialize(ctx, ""); err == nil {
		t.Fatal("expected error when reinitializing without an operator")
	}

	if err := l.Reinitialize(ctx, "operator-1"); err != nil {
		t.Fatalf("Reinitialize() error = %v", err)
	}

	ok, err := l.IsOperational(ctx)
	if err != nil {
		t.Fatalf("IsOperational() error = %v", err)
	}
	if !ok {
		t.Error("expected latch to be operational after Reinitialize")
	}
}

func TestLatch_OnClearHookFiresOnlyOnTransition(t *testing.T) {
	l := newTestLatch(t)
	ctx := context.Background()

	var fired int
	var lastReason string
	l.OnClear(func(reason string) {
		fired++
		lastReason = reason
	})

	if err := l.Clear(ctx, "first"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if err := l.Clear(ctx, "second"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	if fired != 1 {
		t.Errorf("expected onClear to fire exactly once on the operational->false transition, fired %d times", fired)
	}
	if lastReason != "first" {
		t.Errorf("lastReason = %q, want %q", lastReason, "first")
	}
}

func TestLatch_SnapshotReportsClearProvenance(t *testing.T) {
	l := newTestLatch(t)
	ctx := context.Background()

	before := time.Now()
	if err := l.Clear(ctx, "signal mismatch on SIG_12"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	operational, reason, clearedAt, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if operational {
		t.Error("expected operational=false in snapshot")
	}
	if reason != "signal mismatch on SIG_12" {
		t.Errorf("reason = %q, want %q", reason, "signal mismatch on SIG_12")
	}
	if clearedAt == nil || clearedAt.Before(before) {
		t.Error("expected clearedAt to be set and after test start")
	}
}
