// Package contexts manages the live set of hierarchical contexts: an
// in-memory map guarded by a RWMutex, a parent/child index, and schema
// validation on every mutation.
//
// Mutations come in two shapes. The one-shot Create/Update/Delete methods
// validate and apply in a single call and suit standalone use. The staged
// Validate*/Apply*/Restore primitives let an orchestrator interleave
// validation, version assignment and application without holding any lock
// across the sequence, and undo an application when a later step fails.
package contexts

import (
	"fmt"
	"time"

	"github.com/hazyhaar/ctxsync/idgen"
)

// Context is one node in the hierarchy. Fields is schema-validated; ParentID
// is empty for roots. Version is assigned by the caller that versions
// mutations; contexts created through the one-shot methods carry version 0.
type Context struct {
	ID        string         `json:"id"`
	SchemaID  string         `json:"schema_id"`
	Fields    map[string]any `json:"fields"`
	ParentID  string         `json:"parent_id,omitempty"`
	Version   uint64         `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep copy. Mutating the copy never affects the original.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.Fields = deepCopyFields(c.Fields)
	return &out
}

// NotFoundError reports an operation on an unknown context ID.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("context %q: not found", e.ID)
}

// HierarchyError reports a parent/child constraint violation.
type HierarchyError struct {
	ID       string
	ParentID string
	Reason   string
}

func (e *HierarchyError) Error() string {
	return fmt.Sprintf("context %q: parent %q: %s", e.ID, e.ParentID, e.Reason)
}

func deepCopyFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyFields(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// mergeFields overlays delta onto base, last write wins per field. A nil
// value in delta keeps the key (schemas reject nulls for required fields,
// optional fields may carry them).
func mergeFields(base, delta map[string]any) map[string]any {
	out := deepCopyFields(base)
	if out == nil {
		out = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		out[k] = deepCopyValue(v)
	}
	return out
}

// NewID generates a context ID with the conventional prefix.
var NewID = idgen.Prefixed("ctx_", idgen.UUIDv7())
