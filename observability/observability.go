// Package observability records domain-level sync events into SQLite. The
// event log answers "what happened to this context and when" without
// grepping service logs; it is written best-effort and never blocks or
// fails the mutation path.
package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/hazyhaar/ctxsync/dbopen"
	"github.com/hazyhaar/ctxsync/idgen"
)

// Event types recorded by the engine.
const (
	EventChangeCommitted  = "change.committed"
	EventChangeRolledBack = "change.rolled_back"
	EventSnapshotWritten  = "snapshot.written"
	EventLogCompacted     = "log.compacted"
	EventEngineInit       = "engine.initialized"
	EventEngineReset      = "engine.reset"
)

// SyncEvent is one domain-level event to record.
type SyncEvent struct {
	EventType string
	ContextID string
	ChangeID  string
	Version   uint64
	UserID    string
	Success   bool
	Details   string // optional JSON
}

// EventLogger writes sync events and manages retention cleanup.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithEventClock overrides the logger's time source.
func WithEventClock(now func() time.Time) EventLoggerOption {
	return func(l *EventLogger) { l.now = now }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a sync event. Errors are logged via slog but do not
// propagate, so a failing observability store never blocks a commit.
func (l *EventLogger) LogEvent(ctx context.Context, event SyncEvent) {
	eventID := l.newID()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sync_event_logs (
			event_id, event_type, context_id, change_id, version,
			user_id, success, details, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		eventID, event.EventType, event.ContextID, event.ChangeID, event.Version,
		event.UserID, event.Success, event.Details, l.now().Unix())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", event.EventType)
	}
}

// LogHeartbeat records a lightweight heartbeat row carrying the engine's
// current version.
func (l *EventLogger) LogHeartbeat(ctx context.Context, engineName, hostname string, pid int, version uint64) {
	heartbeatID := l.newID()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO engine_heartbeats (
			heartbeat_id, engine_name, hostname, pid, version, timestamp
		) VALUES (?,?,?,?,?,?)`,
		heartbeatID, engineName, hostname, pid, version, l.now().Unix())
	if err != nil {
		slog.Warn("heartbeat log failed", "error", err, "engine", engineName)
	}
}

// RetentionConfig specifies per-table retention in days. Zero means no
// cleanup for that table.
type RetentionConfig struct {
	EventLogsDays  int
	HeartbeatsDays int
	RunVacuumAfter bool
}

// Cleanup deletes records exceeding the retention thresholds.
func (l *EventLogger) Cleanup(ctx context.Context, cfg RetentionConfig) error {
	now := l.now().Unix()
	err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		if cfg.EventLogsDays > 0 {
			cutoff := now - int64(cfg.EventLogsDays*86400)
			if _, err := tx.ExecContext(ctx, `DELETE FROM sync_event_logs WHERE created_at < ?`, cutoff); err != nil {
				return err
			}
		}
		if cfg.HeartbeatsDays > 0 {
			cutoff := now - int64(cfg.HeartbeatsDays*86400)
			if _, err := tx.ExecContext(ctx, `DELETE FROM engine_heartbeats WHERE timestamp < ?`, cutoff); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	// VACUUM cannot run inside a transaction
	if cfg.RunVacuumAfter {
		if _, err := dbopen.Exec(ctx, l.db, "VACUUM"); err != nil {
			return err
		}
	}
	return nil
}
