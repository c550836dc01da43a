package statesync_test

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/ctxsync/statesync"
)

func startSnapshotter(t *testing.T, e *statesync.Engine, cfg statesync.SnapshotConfig) *statesync.Snapshotter {
	t.Helper()
	s := statesync.NewSnapshotter(e, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSnapshotterWritesAfterVersionAdvance(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)
	ctx := context.Background()

	created, err := e.CreateContext(ctx, "t-editor", "", "note", map[string]any{"body": "v1"}, "")
	if err != nil {
		t.Fatal(err)
	}

	s := startSnapshotter(t, e, statesync.SnapshotConfig{
		Interval: 10 * time.Millisecond,
		Debounce: 20 * time.Millisecond,
	})

	waitFor(t, 2*time.Second, func() bool { return s.Stats().Snapshots >= 1 })

	snap, err := store.LoadLatestSnapshot(ctx, created.ContextID)
	if err != nil {
		t.Fatal(err)
	}
	if snap == nil || snap.Version != 1 {
		t.Fatalf("snapshot = %+v, want version 1", snap)
	}
}

func TestSnapshotterSkipsWhenVersionUnchanged(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)
	ctx := context.Background()

	if _, err := e.CreateContext(ctx, "t-editor", "", "note", map[string]any{"body": "v1"}, ""); err != nil {
		t.Fatal(err)
	}

	s := startSnapshotter(t, e, statesync.SnapshotConfig{Interval: 10 * time.Millisecond})
	waitFor(t, 2*time.Second, func() bool { return s.Stats().Passes >= 1 })

	// no further commits: more polls must not produce more passes
	waitFor(t, 2*time.Second, func() bool { return s.Stats().Checks >= s.Stats().Passes+5 })
	if got := s.Stats().Passes; got != 1 {
		t.Fatalf("Passes = %d with an unchanged version, want 1", got)
	}
}

func TestSnapshotterSkipsDeletedContexts(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)
	ctx := context.Background()

	created, err := e.CreateContext(ctx, "t-editor", "", "note", map[string]any{"body": "gone"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.DeleteContext(ctx, "t-editor", created.ContextID); err != nil {
		t.Fatal(err)
	}
	keep, err := e.CreateContext(ctx, "t-editor", "", "note", map[string]any{"body": "kept"}, "")
	if err != nil {
		t.Fatal(err)
	}

	s := startSnapshotter(t, e, statesync.SnapshotConfig{Interval: 10 * time.Millisecond})
	waitFor(t, 2*time.Second, func() bool { return s.Stats().Passes >= 1 })

	if snap, _ := store.LoadLatestSnapshot(ctx, created.ContextID); snap != nil {
		t.Fatal("deleted context snapshotted")
	}
	waitFor(t, 2*time.Second, func() bool {
		snap, _ := store.LoadLatestSnapshot(ctx, keep.ContextID)
		return snap != nil
	})
}
