// Package schema holds the context schema registry. A schema names the
// fields a context of that kind must carry; the registry validates field
// sets before any versioned mutation is committed.
package schema

import (
	"fmt"
	"sort"
	"sync"
)

// Schema describes one context kind.
type Schema struct {
	ID             string   `yaml:"id" json:"id"`
	Description    string   `yaml:"description,omitempty" json:"description,omitempty"`
	RequiredFields []string `yaml:"required_fields" json:"required_fields"`
}

// ValidationError reports a field set that violates a schema.
type ValidationError struct {
	SchemaID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema %q: field %q: %s", e.SchemaID, e.Field, e.Reason)
}

// UnknownSchemaError reports a schema ID with no registration.
type UnknownSchemaError struct {
	SchemaID string
}

func (e *UnknownSchemaError) Error() string {
	return fmt.Sprintf("schema %q: not registered", e.SchemaID)
}

// Registry maps schema IDs to schemas. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// Register adds or replaces a schema.
func (r *Registry) Register(s Schema) error {
	if s.ID == "" {
		return fmt.Errorf("schema: register: empty schema id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.ID] = s
	return nil
}

// Get returns the schema for id, or false when unregistered.
func (r *Registry) Get(id string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[id]
	return s, ok
}

// IDs returns the registered schema IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks fields against the schema for schemaID. Every required
// field must be present and non-nil. Fields outside the required set are
// allowed; schemas constrain the floor, not the ceiling.
func (r *Registry) Validate(schemaID string, fields map[string]any) error {
	s, ok := r.Get(schemaID)
	if !ok {
		return &UnknownSchemaError{SchemaID: schemaID}
	}
	for _, name := range s.RequiredFields {
		v, present := fields[name]
		if !present {
			return &ValidationError{SchemaID: schemaID, Field: name, Reason: "required field missing"}
		}
		if v == nil {
			return &ValidationError{SchemaID: schemaID, Field: name, Reason: "required field is null"}
		}
	}
	return nil
}
