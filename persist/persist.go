// Package persist stores context snapshots and change records as JSON files
// under a data directory. Writes go through a temp file and an atomic
// rename, so a crash mid-write never leaves a torn record. Missing records
// read back as absence, never as an error; records that exist but fail to
// decode surface as *CorruptionError.
package persist

import (
	"fmt"
)

// Error reports an I/O failure in the store. These are retryable: the
// record may well persist on the next attempt.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("persist: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CorruptionError reports a record that exists on disk but cannot be
// decoded. Not retryable; retrying re-reads the same bytes. Callers surface
// it for operator attention instead of looping.
type CorruptionError struct {
	Path string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("persist: corrupt record %s: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }
