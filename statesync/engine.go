package statesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/ctxsync/contexts"
	"github.com/hazyhaar/ctxsync/guard"
	"github.com/hazyhaar/ctxsync/health"
	"github.com/hazyhaar/ctxsync/idgen"
	"github.com/hazyhaar/ctxsync/observability"
)

// Store is the durable backend the engine commits to. *persist.Store
// implements it; tests inject failing stores to exercise the rollback path.
type Store interface {
	SaveSnapshot(ctx context.Context, c *contexts.Context) error
	LoadLatestSnapshot(ctx context.Context, contextID string) (*contexts.Context, error)
	SnapshotContextIDs(ctx context.Context) ([]string, error)
	DeleteSnapshots(contextID string) (int, error)
	PruneSnapshots(contextID string, keep int) (int, error)
	SaveChange(ctx context.Context, c Change) error
	DeleteChange(ctx context.Context, changeID string) error
	LoadChangesSince(ctx context.Context, v uint64) ([]Change, error)
	PruneChanges(ctx context.Context, before time.Time) (int, error)
	PurgeChanges(ctx context.Context) (int, error)
}

// Engine orchestrates the full commit path for context mutations:
// authorize, validate, assign a version, apply, persist, broadcast. When
// persistence fails the in-memory state is rolled back to its pre-mutation
// shape, so memory and disk never diverge by more than the change being
// committed.
//
// Construction is two-phase: NewEngine wires dependencies, Initialize
// recovers persisted state and arms the engine. Every operation before a
// successful Initialize fails with *NotInitializedError.
type Engine struct {
	guard    *guard.Guard
	contexts *contexts.Manager
	state    *Manager
	store    Store
	monitor  *health.Monitor
	events   *observability.EventLogger
	hub      *hub
	log      *slog.Logger
	newCtxID idgen.Generator

	// commitMu serializes writers. It is the only lock held across
	// component calls; the per-component mutexes stay per-call.
	commitMu       chan struct{}
	initialized    atomic.Bool
	persistTimeout time.Duration
	snapshotKeep   int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithHealthMonitor sets the persistence health monitor.
func WithHealthMonitor(m *health.Monitor) EngineOption {
	return func(e *Engine) { e.monitor = m }
}

// WithEventLogger sets the observability event logger.
func WithEventLogger(l *observability.EventLogger) EngineOption {
	return func(e *Engine) { e.events = l }
}

// WithLogger sets the engine's slog logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithContextIDGen overrides the generator for new context IDs.
func WithContextIDGen(gen idgen.Generator) EngineOption {
	return func(e *Engine) { e.newCtxID = gen }
}

// WithStateManager overrides the engine's version/log manager.
func WithStateManager(m *Manager) EngineOption {
	return func(e *Engine) { e.state = m }
}

// NewEngine wires an engine over its dependencies. The engine is not
// usable until Initialize succeeds.
func NewEngine(g *guard.Guard, cm *contexts.Manager, store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		guard:    g,
		contexts: cm,
		state:    NewManager(),
		store:    store,
		monitor:  health.NewMonitor(),
		log:      slog.Default(),
		newCtxID: contexts.NewID,
		commitMu: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsInitialized reports whether Initialize has completed.
func (e *Engine) IsInitialized() bool {
	return e.initialized.Load()
}

// Initialize recovers persisted state and arms the engine: the latest
// snapshot of every context is loaded, changes newer than each snapshot are
// replayed, and the version counter is seeded from the replayed log.
// Calling Initialize on an initialized engine is an error.
func (e *Engine) Initialize(ctx context.Context, cfg Config) error {
	if e.initialized.Load() {
		return fmt.Errorf("statesync: already initialized")
	}
	cfg.applyDefaults()
	e.persistTimeout = cfg.PersistTimeout
	e.snapshotKeep = cfg.Snapshot.Keep
	e.hub = newHub(cfg.SubscriberBuffer)

	snapshotVersions, err := e.loadSnapshots(ctx)
	if err != nil {
		return err
	}
	replayed, maxVersion, err := e.replayChanges(ctx, snapshotVersions)
	if err != nil {
		return err
	}

	e.initialized.Store(true)
	e.log.Info("sync engine initialized",
		"contexts", e.contexts.Len(),
		"version", maxVersion,
		"replayed", replayed)
	if e.events != nil {
		e.events.LogEvent(ctx, observability.SyncEvent{
			EventType: observability.EventEngineInit,
			Version:   maxVersion,
			Success:   true,
		})
	}
	return nil
}

func (e *Engine) loadSnapshots(ctx context.Context) (map[string]uint64, error) {
	ids, err := e.store.SnapshotContextIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("statesync: initialize: %w", err)
	}
	versions := make(map[string]uint64, len(ids))
	for _, id := range ids {
		c, err := e.store.LoadLatestSnapshot(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("statesync: initialize: %w", err)
		}
		if c == nil {
			continue
		}
		e.contexts.Restore(c)
		versions[id] = c.Version
	}
	return versions, nil
}

func (e *Engine) replayChanges(ctx context.Context, snapshotVersions map[string]uint64) (replayed int, maxVersion uint64, err error) {
	changes, err := e.store.LoadChangesSince(ctx, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("statesync: initialize: %w", err)
	}
	for _, c := range changes {
		if c.Version > maxVersion {
			maxVersion = c.Version
		}
		if c.Version <= snapshotVersions[c.ContextID] {
			continue
		}
		if err := e.applyChange(c); err != nil {
			// a replay miss is tolerable: the snapshot may already
			// reflect the change, or the context was later deleted
			e.log.Warn("change replay skipped", "change", c.ID, "version", c.Version, "error", err)
			continue
		}
		replayed++
	}
	if err := e.state.Seed(changes); err != nil {
		return 0, 0, err
	}
	return replayed, maxVersion, nil
}

// applyChange applies one change to the context manager without versioning
// or persistence. Used for replay.
func (e *Engine) applyChange(c Change) error {
	switch c.Op {
	case OpCreate:
		schemaID, parentID, fields, err := createArgs(c.Payload)
		if err != nil {
			return err
		}
		_, err = e.contexts.ApplyCreate(c.ContextID, schemaID, fields, parentID, c.Version, c.Timestamp)
		return err
	case OpUpdate:
		_, err := e.contexts.ApplyUpdate(c.ContextID, c.Payload, c.Version, c.Timestamp)
		return err
	case OpDelete:
		_, err := e.contexts.ApplyDelete(c.ContextID)
		return err
	}
	return fmt.Errorf("statesync: unknown operation %q", c.Op)
}

// createArgs unpacks a create payload: {"schema_id": ..., "parent_id": ...,
// "fields": {...}}.
func createArgs(payload map[string]any) (schemaID, parentID string, fields map[string]any, err error) {
	schemaID, _ = payload["schema_id"].(string)
	if schemaID == "" {
		return "", "", nil, fmt.Errorf("statesync: create payload missing schema_id")
	}
	parentID, _ = payload["parent_id"].(string)
	fields, _ = payload["fields"].(map[string]any)
	if fields == nil {
		fields = map[string]any{}
	}
	return schemaID, parentID, fields, nil
}

// CreateContext commits a context creation. An empty contextID lets the
// engine assign one. Returns the committed change; the new context's ID is
// the change's ContextID.
func (e *Engine) CreateContext(ctx context.Context, token, contextID, schemaID string, fields map[string]any, parentID string) (Change, error) {
	payload := map[string]any{
		"schema_id": schemaID,
		"fields":    fields,
	}
	if parentID != "" {
		payload["parent_id"] = parentID
	}
	if contextID == "" {
		contextID = e.newCtxID()
	}
	return e.RecordChange(ctx, token, contextID, OpCreate, payload)
}

// UpdateContext commits a field merge into an existing context.
func (e *Engine) UpdateContext(ctx context.Context, token, contextID string, delta map[string]any) (Change, error) {
	return e.RecordChange(ctx, token, contextID, OpUpdate, delta)
}

// DeleteContext commits the deletion of a context and its descendants.
func (e *Engine) DeleteContext(ctx context.Context, token, contextID string) (Change, error) {
	return e.RecordChange(ctx, token, contextID, OpDelete, nil)
}

// RecordChange runs the full commit path for one mutation. On success the
// change is durable, applied, and broadcast. On a persistence failure all
// in-memory effects are undone and the error is a *ConcurrencyError; the
// caller retries the whole mutation.
func (e *Engine) RecordChange(ctx context.Context, token, contextID string, op Operation, payload map[string]any) (Change, error) {
	if !e.initialized.Load() {
		return Change{}, &NotInitializedError{Op: "record change"}
	}
	if !op.Valid() {
		return Change{}, fmt.Errorf("statesync: unknown operation %q", op)
	}

	sess, err := e.guard.Authorize(ctx, token, guard.PermContextWrite)
	if err != nil {
		return Change{}, err
	}

	// serialize writers; respect cancellation while waiting
	select {
	case e.commitMu <- struct{}{}:
	case <-ctx.Done():
		return Change{}, ctx.Err()
	}
	defer func() { <-e.commitMu }()

	// validate before touching any state
	var schemaID, parentID string
	var fields map[string]any
	switch op {
	case OpCreate:
		schemaID, parentID, fields, err = createArgs(payload)
		if err == nil {
			err = e.contexts.ValidateCreate(schemaID, fields, parentID)
		}
	case OpUpdate:
		err = e.contexts.ValidateUpdate(contextID, payload)
	case OpDelete:
		err = e.contexts.ValidateDelete(contextID)
	}
	if err != nil {
		return Change{}, err
	}

	// version and append, then apply
	change := e.state.Append(contextID, op, payload)

	var prev *contexts.Context
	var removed []*contexts.Context
	switch op {
	case OpCreate:
		_, err = e.contexts.ApplyCreate(contextID, schemaID, fields, parentID, change.Version, change.Timestamp)
	case OpUpdate:
		prev, err = e.contexts.ApplyUpdate(contextID, payload, change.Version, change.Timestamp)
	case OpDelete:
		removed, err = e.contexts.ApplyDelete(contextID)
	}
	if err != nil {
		if rbErr := e.state.Rollback(change); rbErr != nil {
			e.log.Error("log rollback failed after apply error", "change", change.ID, "error", rbErr)
		}
		return Change{}, err
	}

	// make it durable; the caller's deadline applies, capped by the
	// configured persist timeout
	pctx := ctx
	if e.persistTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, e.persistTimeout)
		defer cancel()
	}
	if perr := e.store.SaveChange(pctx, change); perr != nil {
		e.rollback(ctx, change, op, contextID, prev, removed, sess.UserID)
		return Change{}, &ConcurrencyError{ContextID: contextID, Version: change.Version, Err: perr}
	}

	e.monitor.RecordSuccess()
	if op == OpDelete {
		// snapshots of a deleted tree are dead weight; best effort
		for _, rc := range removed {
			if _, err := e.store.DeleteSnapshots(rc.ID); err != nil {
				e.log.Warn("snapshot cleanup failed", "context", rc.ID, "error", err)
			}
		}
	}
	if e.events != nil {
		e.events.LogEvent(ctx, observability.SyncEvent{
			EventType: observability.EventChangeCommitted,
			ContextID: contextID,
			ChangeID:  change.ID,
			Version:   change.Version,
			UserID:    sess.UserID,
			Success:   true,
		})
	}
	e.log.Debug("change committed", "change", change.ID, "context", contextID, "op", op, "version", change.Version)
	e.hub.publish(change)
	return change, nil
}

// rollback undoes a versioned-and-applied mutation whose persistence
// failed. Restores the context manager, pops the log entry, decrements the
// counter, and records the failure with the health monitor.
func (e *Engine) rollback(ctx context.Context, change Change, op Operation, contextID string, prev *contexts.Context, removed []*contexts.Context, userID string) {
	switch op {
	case OpCreate:
		e.contexts.Evict(contextID)
	case OpUpdate:
		e.contexts.Restore(prev)
	case OpDelete:
		e.contexts.Restore(removed...)
	}
	if err := e.state.Rollback(change); err != nil {
		e.log.Error("log rollback failed", "change", change.ID, "error", err)
	}
	// a timed-out save may still have landed; drop the orphan so it can
	// never replay a rolled-back version
	if err := e.store.DeleteChange(context.WithoutCancel(ctx), change.ID); err != nil {
		e.log.Warn("orphan change cleanup failed", "change", change.ID, "error", err)
	}
	e.monitor.RecordFailure()
	e.log.Warn("change rolled back",
		"change", change.ID, "context", contextID, "op", op, "version", change.Version)
	if e.events != nil {
		e.events.LogEvent(ctx, observability.SyncEvent{
			EventType: observability.EventChangeRolledBack,
			ContextID: contextID,
			ChangeID:  change.ID,
			Version:   change.Version,
			UserID:    userID,
			Success:   false,
		})
	}
}

// CurrentVersion returns the engine's latest committed version.
func (e *Engine) CurrentVersion() (uint64, error) {
	if !e.initialized.Load() {
		return 0, &NotInitializedError{Op: "current version"}
	}
	return e.state.CurrentVersion(), nil
}

// ChangesSince returns committed changes with version strictly greater
// than v, ascending. Idempotent between commits.
func (e *Engine) ChangesSince(v uint64) ([]Change, error) {
	if !e.initialized.Load() {
		return nil, &NotInitializedError{Op: "changes since"}
	}
	return e.state.ChangesSince(v), nil
}

// GetContext returns a deep copy of one live context.
func (e *Engine) GetContext(id string) (*contexts.Context, error) {
	if !e.initialized.Load() {
		return nil, &NotInitializedError{Op: "get context"}
	}
	return e.contexts.Get(id)
}

// ChildContexts returns deep copies of the direct children of id.
func (e *Engine) ChildContexts(id string) ([]*contexts.Context, error) {
	if !e.initialized.Load() {
		return nil, &NotInitializedError{Op: "child contexts"}
	}
	return e.contexts.Children(id), nil
}

// ContextIDs returns the live context IDs, sorted.
func (e *Engine) ContextIDs() ([]string, error) {
	if !e.initialized.Load() {
		return nil, &NotInitializedError{Op: "context ids"}
	}
	return e.contexts.IDs(), nil
}

// Subscribe registers a change-feed subscription.
func (e *Engine) Subscribe() (*Sub, error) {
	if !e.initialized.Load() {
		return nil, &NotInitializedError{Op: "subscribe"}
	}
	return e.hub.subscribe(), nil
}

// Health returns the persistence health snapshot.
func (e *Engine) Health() health.Status {
	return e.monitor.Status()
}

// SnapshotContext writes a durable snapshot of one context and prunes old
// snapshots past the retention limit.
func (e *Engine) SnapshotContext(ctx context.Context, id string) error {
	if !e.initialized.Load() {
		return &NotInitializedError{Op: "snapshot context"}
	}
	c, err := e.contexts.Get(id)
	if err != nil {
		return err
	}
	if err := e.store.SaveSnapshot(ctx, c); err != nil {
		e.monitor.RecordFailure()
		return err
	}
	e.monitor.RecordSuccess()
	if e.snapshotKeep > 0 {
		if _, err := e.store.PruneSnapshots(id, e.snapshotKeep); err != nil {
			e.log.Warn("snapshot prune failed", "context", id, "error", err)
		}
	}
	if e.events != nil {
		e.events.LogEvent(ctx, observability.SyncEvent{
			EventType: observability.EventSnapshotWritten,
			ContextID: id,
			Version:   c.Version,
			Success:   true,
		})
	}
	return nil
}

// Compact drops committed changes older than the cutoff from the in-memory
// log and the durable store. Requires sync.admin.
func (e *Engine) Compact(ctx context.Context, token string, before time.Time) (int, error) {
	if !e.initialized.Load() {
		return 0, &NotInitializedError{Op: "compact"}
	}
	sess, err := e.guard.Authorize(ctx, token, guard.PermSyncAdmin)
	if err != nil {
		return 0, err
	}
	dropped := e.state.Compact(before)
	pruned, err := e.store.PruneChanges(ctx, before)
	if err != nil {
		return dropped, err
	}
	e.log.Info("change log compacted", "dropped", dropped, "pruned_files", pruned, "before", before)
	if e.events != nil {
		e.events.LogEvent(ctx, observability.SyncEvent{
			EventType: observability.EventLogCompacted,
			UserID:    sess.UserID,
			Success:   true,
			Details:   fmt.Sprintf(`{"dropped":%d,"pruned_files":%d}`, dropped, pruned),
		})
	}
	return dropped, nil
}

// Reset returns the engine to its empty initial state: the version counter,
// the change log, live contexts, and the durable change and snapshot records
// are all dropped. Durable records go first, so a reset that fails leaves
// memory untouched and a reset that succeeds survives a restart. Requires
// sync.admin.
func (e *Engine) Reset(ctx context.Context, token string) error {
	if !e.initialized.Load() {
		return &NotInitializedError{Op: "reset"}
	}
	sess, err := e.guard.Authorize(ctx, token, guard.PermSyncAdmin)
	if err != nil {
		return err
	}

	select {
	case e.commitMu <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.commitMu }()

	if _, err := e.store.PurgeChanges(ctx); err != nil {
		return fmt.Errorf("statesync: reset: %w", err)
	}
	ids, err := e.store.SnapshotContextIDs(ctx)
	if err != nil {
		return fmt.Errorf("statesync: reset: %w", err)
	}
	for _, id := range ids {
		if _, err := e.store.DeleteSnapshots(id); err != nil {
			return fmt.Errorf("statesync: reset: %w", err)
		}
	}

	e.contexts.Clear()
	e.state.Reset()
	e.log.Warn("sync state reset", "user", sess.UserID)
	if e.events != nil {
		e.events.LogEvent(ctx, observability.SyncEvent{
			EventType: observability.EventEngineReset,
			UserID:    sess.UserID,
			Success:   true,
		})
	}
	return nil
}

// Close ends all subscriptions.
func (e *Engine) Close() {
	if e.hub != nil {
		e.hub.close()
	}
}
