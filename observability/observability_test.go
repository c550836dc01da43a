package observability

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ctxsync/dbopen"
)

func newTestLogger(t *testing.T, opts ...EventLoggerOption) *EventLogger {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	return NewEventLogger(db, opts...)
}

func TestLogEvent(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	l.LogEvent(ctx, SyncEvent{
		EventType: EventChangeCommitted,
		ContextID: "ctx_a",
		ChangeID:  "chg_1",
		Version:   1,
		UserID:    "user-1",
		Success:   true,
	})

	var n int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM sync_event_logs WHERE event_type = ?`, EventChangeCommitted).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("event rows = %d, want 1", n)
	}
}

func TestLogEvent_FailureDoesNotPropagate(t *testing.T) {
	db := dbopen.OpenMemory(t)
	// no schema: the insert fails, LogEvent must swallow it
	l := NewEventLogger(db)
	l.LogEvent(context.Background(), SyncEvent{EventType: EventChangeRolledBack})
}

func TestCleanup(t *testing.T) {
	now := time.Now()
	l := newTestLogger(t, WithEventClock(func() time.Time { return now }))
	ctx := context.Background()

	l.LogEvent(ctx, SyncEvent{EventType: EventSnapshotWritten})

	// age the row past a 7 day retention window
	l.now = func() time.Time { return now.Add(8 * 24 * time.Hour) }
	if err := l.Cleanup(ctx, RetentionConfig{EventLogsDays: 7}); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM sync_event_logs`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("rows after cleanup = %d, want 0", n)
	}
}

func TestLogHeartbeat(t *testing.T) {
	l := newTestLogger(t)
	l.LogHeartbeat(context.Background(), "ctxsyncd", "host-1", 4242, 17)

	var version uint64
	if err := l.db.QueryRow(`SELECT version FROM engine_heartbeats WHERE engine_name = 'ctxsyncd'`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != 17 {
		t.Fatalf("version = %d, want 17", version)
	}
}
