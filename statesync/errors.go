package statesync

import "fmt"

// ConcurrencyError reports a mutation that was versioned but could not be
// made durable. The rollback already ran: the version counter, log and
// context state are back to their pre-mutation values. Callers retry the
// whole mutation, never just the persist step.
type ConcurrencyError struct {
	ContextID string
	Version   uint64
	Err       error
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("statesync: commit of context %q at version %d rolled back: %v", e.ContextID, e.Version, e.Err)
}

func (e *ConcurrencyError) Unwrap() error { return e.Err }

// NotInitializedError reports a call on an engine before Initialize
// succeeded.
type NotInitializedError struct {
	Op string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("statesync: %s: engine not initialized", e.Op)
}
