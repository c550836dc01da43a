package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/ctxsync/contexts"
	"github.com/hazyhaar/ctxsync/horosafe"
	"github.com/hazyhaar/ctxsync/statesync"
)

const (
	snapshotsDir = "snapshots"
	changesDir   = "changes"
)

// Store is a file-backed snapshot and change-record store rooted at one
// data directory. Safe for concurrent use: every write lands under a unique
// name via temp file + rename, and reads only ever see complete files.
//
// Context cancellation is checked on entry, not during I/O: an in-flight
// disk write runs to completion even after the caller's deadline passes,
// so a caller-observed timeout does not imply the write was lost.
type Store struct {
	dir string
}

// Open roots a store at dir, creating dir and its snapshots/ and changes/
// subdirectories when absent.
func Open(dir string) (*Store, error) {
	for _, d := range []string{dir, filepath.Join(dir, snapshotsDir), filepath.Join(dir, changesDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, &Error{Op: "mkdir", Path: d, Err: err}
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the data directory the store is rooted at.
func (s *Store) Dir() string { return s.dir }

// SaveSnapshot writes a full copy of c as
// snapshots/<contextID>_v<version>.json. Existing snapshots are never
// mutated; a newer version lands under a new name.
func (s *Store) SaveSnapshot(ctx context.Context, c *contexts.Context) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "save snapshot", Path: c.ID, Err: err}
	}
	if err := horosafe.ValidateIdentifier(c.ID); err != nil {
		return &Error{Op: "save snapshot", Path: c.ID, Err: err}
	}
	name := fmt.Sprintf("%s_v%d.json", c.ID, c.Version)
	path, err := horosafe.SafePath(filepath.Join(s.dir, snapshotsDir), name)
	if err != nil {
		return &Error{Op: "save snapshot", Path: name, Err: err}
	}
	return s.writeJSON(path, c)
}

// LoadLatestSnapshot returns the highest-version snapshot for contextID, or
// (nil, nil) when none exists.
func (s *Store) LoadLatestSnapshot(ctx context.Context, contextID string) (*contexts.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "load snapshot", Path: contextID, Err: err}
	}
	path, _, err := s.latestSnapshotFile(contextID)
	if err != nil || path == "" {
		return nil, err
	}
	var c contexts.Context
	if err := s.readJSON(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SnapshotContextIDs returns the distinct context IDs that have at least one
// snapshot on disk, sorted.
func (s *Store) SnapshotContextIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "list snapshots", Path: s.dir, Err: err}
	}
	names, err := s.listDir(snapshotsDir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, name := range names {
		id, _, ok := parseSnapshotName(name)
		if !ok {
			continue
		}
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// PruneSnapshots deletes all but the newest keep snapshots of contextID.
// Returns the number of files removed.
func (s *Store) PruneSnapshots(contextID string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	names, err := s.listDir(snapshotsDir)
	if err != nil {
		return 0, err
	}
	type snap struct {
		name    string
		version uint64
	}
	var snaps []snap
	for _, name := range names {
		id, v, ok := parseSnapshotName(name)
		if !ok || id != contextID {
			continue
		}
		snaps = append(snaps, snap{name: name, version: v})
	}
	if len(snaps) <= keep {
		return 0, nil
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].version > snaps[j].version })
	removed := 0
	for _, old := range snaps[keep:] {
		path := filepath.Join(s.dir, snapshotsDir, old.name)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, &Error{Op: "prune snapshot", Path: path, Err: err}
		}
		removed++
	}
	return removed, nil
}

// DeleteSnapshots removes every snapshot of contextID. Used after the
// context itself is deleted.
func (s *Store) DeleteSnapshots(contextID string) (int, error) {
	names, err := s.listDir(snapshotsDir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		id, _, ok := parseSnapshotName(name)
		if !ok || id != contextID {
			continue
		}
		path := filepath.Join(s.dir, snapshotsDir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, &Error{Op: "delete snapshot", Path: path, Err: err}
		}
		removed++
	}
	return removed, nil
}

// SaveChange writes one change record as changes/<changeID>.json.
func (s *Store) SaveChange(ctx context.Context, c statesync.Change) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "save change", Path: c.ID, Err: err}
	}
	if err := horosafe.ValidateIdentifier(c.ID); err != nil {
		return &Error{Op: "save change", Path: c.ID, Err: err}
	}
	path, err := horosafe.SafePath(filepath.Join(s.dir, changesDir), c.ID+".json")
	if err != nil {
		return &Error{Op: "save change", Path: c.ID, Err: err}
	}
	return s.writeJSON(path, c)
}

// DeleteChange removes one change record. Missing records are not an error;
// the rollback path calls this without knowing whether the write landed.
func (s *Store) DeleteChange(ctx context.Context, changeID string) error {
	if err := horosafe.ValidateIdentifier(changeID); err != nil {
		return &Error{Op: "delete change", Path: changeID, Err: err}
	}
	path := filepath.Join(s.dir, changesDir, changeID+".json")
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &Error{Op: "delete change", Path: path, Err: err}
	}
	return nil
}

// PurgeChanges removes every change record. Returns the number of files
// removed.
func (s *Store) PurgeChanges(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, &Error{Op: "purge changes", Path: s.dir, Err: err}
	}
	names, err := s.listDir(changesDir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		path := filepath.Join(s.dir, changesDir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, &Error{Op: "purge changes", Path: path, Err: err}
		}
		removed++
	}
	return removed, nil
}

// LoadChangesSince returns every persisted change with version strictly
// greater than v, ascending. An empty changes directory yields an empty
// slice.
func (s *Store) LoadChangesSince(ctx context.Context, v uint64) ([]statesync.Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "load changes", Path: s.dir, Err: err}
	}
	names, err := s.listDir(changesDir)
	if err != nil {
		return nil, err
	}
	var out []statesync.Change
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		var c statesync.Change
		if err := s.readJSON(filepath.Join(s.dir, changesDir, name), &c); err != nil {
			return nil, err
		}
		if c.Version > v {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// PruneChanges deletes change records with timestamps before the cutoff.
// Returns the number of files removed.
func (s *Store) PruneChanges(ctx context.Context, before time.Time) (int, error) {
	changes, err := s.LoadChangesSince(ctx, 0)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range changes {
		if !c.Timestamp.Before(before) {
			continue
		}
		if err := s.DeleteChange(ctx, c.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &Error{Op: "encode", Path: path, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return &Error{Op: "create temp", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &Error{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &Error{Op: "close", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &Error{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Op: "read", Path: path, Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &CorruptionError{Path: path, Err: err}
	}
	return nil
}

func (s *Store) listDir(sub string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, sub))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &Error{Op: "list", Path: filepath.Join(s.dir, sub), Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// latestSnapshotFile finds the highest-version snapshot file for contextID.
// Empty path means no snapshot exists.
func (s *Store) latestSnapshotFile(contextID string) (path string, version uint64, err error) {
	names, err := s.listDir(snapshotsDir)
	if err != nil {
		return "", 0, err
	}
	best := ""
	var bestV uint64
	for _, name := range names {
		id, v, ok := parseSnapshotName(name)
		if !ok || id != contextID {
			continue
		}
		if best == "" || v > bestV {
			best, bestV = name, v
		}
	}
	if best == "" {
		return "", 0, nil
	}
	return filepath.Join(s.dir, snapshotsDir, best), bestV, nil
}

// parseSnapshotName splits "<contextID>_v<version>.json". The context ID may
// itself contain "_v", so the split happens at the last occurrence.
func parseSnapshotName(name string) (contextID string, version uint64, ok bool) {
	base, found := strings.CutSuffix(name, ".json")
	if !found {
		return "", 0, false
	}
	i := strings.LastIndex(base, "_v")
	if i < 1 {
		return "", 0, false
	}
	v, err := strconv.ParseUint(base[i+2:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return base[:i], v, true
}
