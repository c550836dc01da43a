package statesync

import (
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/ctxsync/idgen"
)

// Manager owns the version counter and the append-only change log. One
// mutex covers both, so no reader can observe an incremented counter
// without the corresponding log entry, and vice versa.
type Manager struct {
	mu      sync.Mutex
	version uint64
	log     []Change
	newID   idgen.Generator
	now     func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithChangeID overrides the change ID generator.
func WithChangeID(gen idgen.Generator) ManagerOption {
	return func(m *Manager) { m.newID = gen }
}

// WithManagerClock overrides the manager's time source.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a manager at version 0 with an empty log.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		newID: NewChangeID,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Append assigns the next version and records the change, atomically. The
// returned change carries the assigned version, a fresh ID and a timestamp.
func (m *Manager) Append(contextID string, op Operation, payload map[string]any) Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
	c := Change{
		ID:        m.newID(),
		ContextID: contextID,
		Op:        op,
		Payload:   clonePayload(payload),
		Version:   m.version,
		Timestamp: m.now(),
	}
	m.log = append(m.log, c)
	return c.Clone()
}

// CurrentVersion returns the latest assigned version, 0 before any change.
func (m *Manager) CurrentVersion() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// ChangesSince returns all changes with version strictly greater than v, in
// ascending version order. Re-reads with the same v are idempotent while no
// new change lands. Changes are deep copies.
func (m *Manager) ChangesSince(v uint64) []Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	// log is ascending; find the first entry past v
	i := 0
	for i < len(m.log) && m.log[i].Version <= v {
		i++
	}
	out := make([]Change, 0, len(m.log)-i)
	for _, c := range m.log[i:] {
		out = append(out, c.Clone())
	}
	return out
}

// Rollback removes a just-appended change and decrements the counter. Only
// the newest log entry may be rolled back; anything else would punch a gap
// into the version sequence.
func (m *Manager) Rollback(c Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.log) == 0 {
		return fmt.Errorf("statesync: rollback: log is empty")
	}
	last := m.log[len(m.log)-1]
	if last.ID != c.ID || last.Version != c.Version {
		return fmt.Errorf("statesync: rollback: change %s@%d is not the newest entry (%s@%d)",
			c.ID, c.Version, last.ID, last.Version)
	}
	m.log = m.log[:len(m.log)-1]
	m.version--
	return nil
}

// Seed replaces the log with previously persisted changes and sets the
// counter to the highest version present. Changes must be in ascending
// version order. Used once during restart recovery.
func (m *Manager) Seed(changes []Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.version != 0 || len(m.log) != 0 {
		return fmt.Errorf("statesync: seed: manager is not empty")
	}
	var prev uint64
	for _, c := range changes {
		if c.Version <= prev {
			return fmt.Errorf("statesync: seed: version %d after %d is not ascending", c.Version, prev)
		}
		prev = c.Version
		m.log = append(m.log, c.Clone())
	}
	m.version = prev
	return nil
}

// Compact drops log entries with timestamps before the cutoff, keeping the
// tail gap-free: entries are dropped only from the front, so a retained
// version always has every later version retained with it. Returns the
// number of entries dropped.
func (m *Manager) Compact(before time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := 0
	for i < len(m.log) && m.log[i].Timestamp.Before(before) {
		i++
	}
	if i == 0 {
		return 0
	}
	m.log = append([]Change(nil), m.log[i:]...)
	return i
}

// Reset drops the log and zeroes the counter. Administrative use only; the
// mutation paths never call it.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = 0
	m.log = nil
}

// LogLen returns the number of retained log entries.
func (m *Manager) LogLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.log)
}
