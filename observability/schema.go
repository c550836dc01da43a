package observability

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/ctxsync/dbopen"
)

// Schema holds the observability tables: one for sync events, one for
// engine heartbeats.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_event_logs (
	event_id   TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	context_id TEXT NOT NULL DEFAULT '',
	change_id  TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 0,
	user_id    TEXT NOT NULL DEFAULT '',
	success    INTEGER NOT NULL DEFAULT 1,
	details    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_event_logs_created ON sync_event_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_sync_event_logs_context ON sync_event_logs(context_id);

CREATE TABLE IF NOT EXISTS engine_heartbeats (
	heartbeat_id TEXT PRIMARY KEY,
	engine_name  TEXT NOT NULL,
	hostname     TEXT NOT NULL,
	pid          INTEGER NOT NULL,
	version      INTEGER NOT NULL,
	timestamp    INTEGER NOT NULL
);
`

// EnsureSchema creates the observability tables when absent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := dbopen.Exec(ctx, db, Schema); err != nil {
		return fmt.Errorf("observability: ensure schema: %w", err)
	}
	return nil
}
