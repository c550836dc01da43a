package contexts

import (
	"sort"
	"sync"
	"time"
)

// Manager holds the live context map and its parent/child index.
// All methods are safe for concurrent use. Readers always receive deep
// copies; the live map is never exposed.
type Manager struct {
	mu       sync.RWMutex
	registry Validator
	byID     map[string]*Context
	children map[string]map[string]struct{}
	now      func() time.Time
}

// Validator validates a field set against a schema. *schema.Registry
// satisfies it; tests can stub it.
type Validator interface {
	Validate(schemaID string, fields map[string]any) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns an empty manager validating against reg.
func NewManager(reg Validator, opts ...Option) *Manager {
	m := &Manager{
		registry: reg,
		byID:     make(map[string]*Context),
		children: make(map[string]map[string]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a deep copy of the context, or *NotFoundError.
func (m *Manager) Get(id string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return c.Clone(), nil
}

// Snapshot returns a deep copy of the context, or nil when absent. Used by
// orchestrators to capture pre-mutation state for rollback.
func (m *Manager) Snapshot(id string) *Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id].Clone()
}

// Children returns deep copies of the direct children of id, sorted by ID.
func (m *Manager) Children(id string) []*Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kids := m.children[id]
	out := make([]*Context, 0, len(kids))
	for kid := range kids {
		out = append(out, m.byID[kid].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live contexts.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// IDs returns all live context IDs, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// --- staged primitives -----------------------------------------------------

// ValidateCreate checks a prospective create without mutating anything:
// schema validation plus parent existence when parentID is set.
func (m *Manager) ValidateCreate(schemaID string, fields map[string]any, parentID string) error {
	if err := m.registry.Validate(schemaID, fields); err != nil {
		return err
	}
	if parentID == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.byID[parentID]; !ok {
		return &HierarchyError{ParentID: parentID, Reason: "parent does not exist"}
	}
	return nil
}

// ValidateUpdate checks a prospective field merge: the context must exist and
// the post-merge field set must still satisfy its schema.
func (m *Manager) ValidateUpdate(id string, delta map[string]any) error {
	m.mu.RLock()
	c, ok := m.byID[id]
	if !ok {
		m.mu.RUnlock()
		return &NotFoundError{ID: id}
	}
	schemaID := c.SchemaID
	merged := mergeFields(c.Fields, delta)
	m.mu.RUnlock()
	return m.registry.Validate(schemaID, merged)
}

// ValidateDelete checks that the context exists.
func (m *Manager) ValidateDelete(id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.byID[id]; !ok {
		return &NotFoundError{ID: id}
	}
	return nil
}

// ApplyCreate inserts a new context with the given identity and version.
// Validation is the caller's job (ValidateCreate); ApplyCreate still rejects
// ID collisions and vanished parents since locks were not held in between.
func (m *Manager) ApplyCreate(id, schemaID string, fields map[string]any, parentID string, version uint64, ts time.Time) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[id]; exists {
		return nil, &HierarchyError{ID: id, Reason: "id already exists"}
	}
	if parentID != "" {
		if _, ok := m.byID[parentID]; !ok {
			return nil, &HierarchyError{ID: id, ParentID: parentID, Reason: "parent does not exist"}
		}
	}
	c := &Context{
		ID:        id,
		SchemaID:  schemaID,
		Fields:    deepCopyFields(fields),
		ParentID:  parentID,
		Version:   version,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	m.byID[id] = c
	if parentID != "" {
		m.link(parentID, id)
	}
	return c.Clone(), nil
}

// ApplyUpdate merges delta into the context's fields and bumps its version.
// Returns a deep copy of the pre-update context for rollback.
func (m *Manager) ApplyUpdate(id string, delta map[string]any, version uint64, ts time.Time) (prev *Context, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	prev = c.Clone()
	c.Fields = mergeFields(c.Fields, delta)
	c.Version = version
	c.UpdatedAt = ts
	return prev, nil
}

// ApplyDelete removes the context and, recursively, all its descendants.
// Returns deep copies of everything removed, parent before child, so a
// rollback can Restore them in order.
func (m *Manager) ApplyDelete(id string) ([]*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return nil, &NotFoundError{ID: id}
	}
	var removed []*Context
	m.removeTree(id, &removed)
	return removed, nil
}

func (m *Manager) removeTree(id string, removed *[]*Context) {
	c, ok := m.byID[id]
	if !ok {
		return
	}
	*removed = append(*removed, c.Clone())
	for kid := range m.children[id] {
		m.removeTree(kid, removed)
	}
	delete(m.children, id)
	if c.ParentID != "" {
		m.unlink(c.ParentID, id)
	}
	delete(m.byID, id)
}

// Restore reinserts snapshots taken before a mutation, re-linking each into
// the hierarchy. Order matters for trees: parents before children.
func (m *Manager) Restore(snapshots ...*Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snapshots {
		if s == nil {
			continue
		}
		c := s.Clone()
		m.byID[c.ID] = c
		if c.ParentID != "" {
			m.link(c.ParentID, c.ID)
		}
	}
}

// Evict removes a single context without touching descendants. Rollback
// counterpart of ApplyCreate: a just-created context has none.
func (m *Manager) Evict(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return
	}
	if c.ParentID != "" {
		m.unlink(c.ParentID, id)
	}
	delete(m.children, id)
	delete(m.byID, id)
}

// Clear drops every live context and the hierarchy index.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = make(map[string]*Context)
	m.children = make(map[string]map[string]struct{})
}

func (m *Manager) link(parentID, id string) {
	kids := m.children[parentID]
	if kids == nil {
		kids = make(map[string]struct{})
		m.children[parentID] = kids
	}
	kids[id] = struct{}{}
}

func (m *Manager) unlink(parentID, id string) {
	if kids := m.children[parentID]; kids != nil {
		delete(kids, id)
		if len(kids) == 0 {
			delete(m.children, parentID)
		}
	}
}

// --- one-shot operations ---------------------------------------------------

// Create validates and inserts a new context in one step. The ID is
// generated; the version is 0 (unversioned standalone use).
func (m *Manager) Create(schemaID string, fields map[string]any, parentID string) (*Context, error) {
	if err := m.ValidateCreate(schemaID, fields, parentID); err != nil {
		return nil, err
	}
	return m.ApplyCreate(NewID(), schemaID, fields, parentID, 0, m.now())
}

// Update validates and applies a field merge in one step.
func (m *Manager) Update(id string, delta map[string]any) error {
	if err := m.ValidateUpdate(id, delta); err != nil {
		return err
	}
	_, err := m.ApplyUpdate(id, delta, 0, m.now())
	return err
}

// Delete removes the context and all descendants.
func (m *Manager) Delete(id string) error {
	_, err := m.ApplyDelete(id)
	return err
}
