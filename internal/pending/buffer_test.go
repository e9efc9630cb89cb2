package pending

import (
	"context"
	"errors"
	"testing"
	"time"

	"todosync/backend"
	"todosync/internal/kvstore"
	"todosync/internal/utils"
)

func task(id, summary string, minute int) backend.Task {
	return backend.Task{
		ID:       id,
		Summary:  summary,
		Status:   backend.StatusNeedsAction,
		Modified: time.Date(2026, 1, 1, 10, minute, 0, 0, time.UTC),
	}
}

func TestStageLastWriteWins(t *testing.T) {
	ctx := context.Background()
	b := New(kvstore.NewMemory())

	if err := b.Stage(ctx, task("x", "first", 1)); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if err := b.Stage(ctx, task("x", "second", 2)); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
	got, ok := b.Get("x")
	if !ok || got.Summary != "second" {
		t.Errorf("Get(x) = %+v, %v, want the second version", got, ok)
	}
}

func TestBufferSurvivesReload(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	b := New(store)
	if err := b.Stage(ctx, task("a", "alpha", 1)); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if err := b.Stage(ctx, task("b", "beta", 2)); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if err := b.Unstage(ctx, "a"); err != nil {
		t.Fatalf("Unstage() error = %v", err)
	}

	reloaded := New(store)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	snap := reloaded.Snapshot()
	if len(snap) != 1 || snap["b"].Summary != "beta" {
		t.Errorf("reloaded snapshot = %+v", snap)
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	ctx := context.Background()
	b := New(kvstore.NewMemory())
	due := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	x := task("x", "due soon", 1)
	x.DueDate = &due
	if err := b.Stage(ctx, x); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	snap := b.Snapshot()
	*snap["x"].DueDate = due.Add(time.Hour)

	got, _ := b.Get("x")
	if !got.DueDate.Equal(due) {
		t.Error("mutating a snapshot changed the buffer")
	}
}

func TestCommitKeepsEditsStagedDuringCycle(t *testing.T) {
	ctx := context.Background()
	b := New(kvstore.NewMemory())
	_ = b.Stage(ctx, task("a", "alpha", 1))
	_ = b.Stage(ctx, task("b", "beta", 1))

	snap := b.Snapshot()
	// Edit arrives while the cycle is in flight.
	_ = b.Stage(ctx, task("b", "beta v2", 3))
	_ = b.Stage(ctx, task("c", "gamma", 3))

	if err := b.Commit(ctx, snap); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	left := b.Snapshot()
	if len(left) != 2 {
		t.Fatalf("remaining entries = %d, want 2", len(left))
	}
	if left["b"].Summary != "beta v2" {
		t.Errorf("b = %q, want the re-staged version", left["b"].Summary)
	}
	if _, ok := left["a"]; ok {
		t.Error("synced entry a was not cleared")
	}
}

func TestStageStorageFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	b := New(store)
	_ = b.Stage(ctx, task("a", "alpha", 1))

	store.FailWith(func(op, key string) error { return errors.New("quota exceeded") })
	err := b.Stage(ctx, task("a", "changed", 2))
	if !errors.Is(err, utils.ErrStorageFailure) {
		t.Fatalf("Stage() error = %v, want ErrStorageFailure", err)
	}
	if got, _ := b.Get("a"); got.Summary != "alpha" {
		t.Errorf("Get(a) = %q after failed stage, want alpha", got.Summary)
	}
	if err := b.Unstage(ctx, "a"); !errors.Is(err, utils.ErrStorageFailure) {
		t.Errorf("Unstage() error = %v, want ErrStorageFailure", err)
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d after failed unstage, want 1", b.Len())
	}
}

func TestUnstageMissingIsNoop(t *testing.T) {
	store := kvstore.NewMemory()
	store.FailWith(func(op, key string) error { return errors.New("should not write") })
	if err := New(store).Unstage(context.Background(), "nope"); err != nil {
		t.Errorf("Unstage(missing) error = %v", err)
	}
}
