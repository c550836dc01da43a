package statesync

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Snapshotter periodically polls the engine's version and, after a quiet
// debounce window, writes durable snapshots of the contexts that changed
// since the last snapshot pass. It piggybacks on the change feed only
// indirectly: a version advance is the trigger, the dirty set comes from
// the change log.
type Snapshotter struct {
	engine   *Engine
	interval time.Duration
	debounce time.Duration
	log      *slog.Logger

	// lastSeen is the version covered by the previous snapshot pass.
	lastSeen atomic.Uint64

	// counters for Stats
	checks    atomic.Int64
	passes    atomic.Int64
	snapshots atomic.Int64
	errors    atomic.Int64
}

// SnapshotterStats are point-in-time counters.
type SnapshotterStats struct {
	Checks    int64 `json:"checks"`
	Passes    int64 `json:"passes"`
	Snapshots int64 `json:"snapshots"`
	Errors    int64 `json:"errors"`
}

// NewSnapshotter builds a snapshotter over e. Call Run to start the loop.
func NewSnapshotter(e *Engine, cfg SnapshotConfig, logger *slog.Logger) *Snapshotter {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{
		engine:   e,
		interval: cfg.Interval,
		debounce: cfg.Debounce,
		log:      logger,
	}
}

// Stats returns the current counters.
func (s *Snapshotter) Stats() SnapshotterStats {
	return SnapshotterStats{
		Checks:    s.checks.Load(),
		Passes:    s.passes.Load(),
		Snapshots: s.snapshots.Load(),
		Errors:    s.errors.Load(),
	}
}

// Run blocks until ctx is cancelled, polling at the configured interval.
// When the engine's version advanced and the debounce window passes without
// a further advance, one snapshot pass runs.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceC <-chan time.Time
	var pendingVersion uint64

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-ticker.C:
			s.checks.Add(1)
			v, err := s.engine.CurrentVersion()
			if err != nil {
				s.errors.Add(1)
				continue
			}
			if v == s.lastSeen.Load() || v == pendingVersion {
				continue
			}
			pendingVersion = v
			if s.debounce <= 0 {
				s.pass(ctx, v)
				pendingVersion = 0
				continue
			}
			// version advanced: (re)arm the quiet window
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(s.debounce)
			debounceC = debounceTimer.C

		case <-debounceC:
			s.pass(ctx, pendingVersion)
			pendingVersion = 0
			debounceC = nil
		}
	}
}

// pass snapshots every context touched by a change since the last pass.
func (s *Snapshotter) pass(ctx context.Context, version uint64) {
	s.passes.Add(1)
	changes, err := s.engine.ChangesSince(s.lastSeen.Load())
	if err != nil {
		s.errors.Add(1)
		return
	}
	dirty := make(map[string]struct{})
	for _, c := range changes {
		if c.Op == OpDelete {
			delete(dirty, c.ContextID)
			continue
		}
		dirty[c.ContextID] = struct{}{}
	}
	for id := range dirty {
		if err := s.engine.SnapshotContext(ctx, id); err != nil {
			s.errors.Add(1)
			s.log.Warn("snapshot pass failed for context", "context", id, "error", err)
			continue
		}
		s.snapshots.Add(1)
	}
	s.lastSeen.Store(version)
	s.log.Debug("snapshot pass complete", "version", version, "contexts", len(dirty))
}
