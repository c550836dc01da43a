// Package statesync versions context mutations into an append-only change
// log and fans them out to subscribers. The Manager owns the version counter
// and the log; the Engine orchestrates the full commit path (authorize,
// validate, version, apply, persist, broadcast) with rollback when
// persistence fails.
package statesync

import (
	"time"

	"github.com/hazyhaar/ctxsync/idgen"
)

// Operation is the kind of mutation a Change records.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Change is one committed mutation. Versions are strictly increasing and
// globally unique per Manager; a change with version N is never observable
// before every version below N.
type Change struct {
	ID        string         `json:"id"`
	ContextID string         `json:"context_id"`
	Op        Operation      `json:"operation"`
	Payload   map[string]any `json:"payload,omitempty"`
	Version   uint64         `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
}

// Clone returns a deep copy of the change.
func (c Change) Clone() Change {
	out := c
	out.Payload = clonePayload(c.Payload)
	return out
}

func clonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// NewChangeID generates a change ID with the conventional prefix.
var NewChangeID = idgen.Prefixed("chg_", idgen.UUIDv7())
