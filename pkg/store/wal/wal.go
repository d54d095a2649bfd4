// Package wal is the write-ahead log (spec §4.6): before any side
// effect, an operation registers how to undo it; startup recovery
// replays unfinished entries oldest-first, rolling each back in
// reverse order of step registration.
package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/marcoallegretti/karapace/pkg/store/objects"
	"github.com/marcoallegretti/karapace/pkg/storeerr"
)

// Kind enumerates the operation kinds a WAL entry may belong to.
type Kind string

const (
	Build   Kind = "Build"
	Rebuild Kind = "Rebuild"
	Commit  Kind = "Commit"
	Restore Kind = "Restore"
	Destroy Kind = "Destroy"
	Gc      Kind = "Gc"
	Pull    Kind = "Pull"
)

// StepKind is one of the rollback primitives from spec §4.6.
//
// RestoreBackup additionally exists for operations that swap a live
// directory out from under a backup copy (restore's upper-directory
// swap): until the entry is completed, the backup is authoritative, so
// recovery always reinstates it over whatever currently sits at Path,
// even if the swap itself already succeeded. That keeps the crash
// window for a two-phase rename at zero: an uncompleted entry always
// rolls all the way back to the backup, never stalls half-swapped.
type StepKind string

const (
	RemoveDir     StepKind = "RemoveDir"
	RemoveFile    StepKind = "RemoveFile"
	RestoreBackup StepKind = "RestoreBackup"
)

// Step is one rollback action, in the order it must be undone. From is
// only used by RestoreBackup, naming the backup path to reinstate over
// Path.
type Step struct {
	Kind StepKind `json:"kind"`
	Path string   `json:"path"`
	From string   `json:"from,omitempty"`
}

// Entry is a WAL entry: unique operation id, kind, the subject it
// concerns, when it was created, and the ordered rollback steps
// registered before the operation's side effects ran.
type Entry struct {
	OpID      string   `json:"op_id"`
	Kind      Kind     `json:"kind"`
	Subject   string   `json:"subject"`
	CreatedAt string   `json:"created_at"`
	Steps     []Step   `json:"steps"`
}

// Log is the on-disk WAL rooted at <store_root>/wal.
type Log struct {
	root string
}

func New(dir string) *Log {
	return &Log{root: dir}
}

// newOpID returns timestamp+random-suffix operation identifiers
// (spec §4.6), using google/uuid for the random component.
func newOpID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102T150405.000000000Z"), uuid.NewString())
}

// Register creates a WAL entry declaring the rollback steps the
// caller's operation is about to need, before it performs any side
// effect. now is supplied by the caller so op-id generation is
// testable without touching the wall clock from inside this package.
func (l *Log) Register(now time.Time, kind Kind, subject string, steps []Step) (*Entry, error) {
	e := &Entry{
		OpID:      newOpID(now),
		Kind:      kind,
		Subject:   subject,
		CreatedAt: now.UTC().Format(time.RFC3339),
		Steps:     steps,
	}
	if err := l.write(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (l *Log) write(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return storeerr.New(storeerr.Io, "Wal", e.OpID, err.Error())
	}
	return objects.WriteAtomic(l.root, filepath.Join(l.root, e.OpID), data)
}

// Complete deletes a WAL entry after its operation has finished
// successfully (spec W3: zero WAL entries exist for a completed
// operation).
func (l *Log) Complete(e *Entry) error {
	if err := os.Remove(filepath.Join(l.root, e.OpID)); err != nil && !os.IsNotExist(err) {
		return storeerr.New(storeerr.Io, "Wal", e.OpID, err.Error())
	}
	return nil
}

// Rollback executes e's steps in reverse order of registration; it
// does not delete the entry (Complete and Recover do that).
// RemoveDir/RemoveFile targeting a path that is
// already gone are treated as already-rolled-back, not as errors;
// partial rollback replay must be idempotent.
func Rollback(e *Entry) error {
	for i := len(e.Steps) - 1; i >= 0; i-- {
		if err := applyStep(e.Steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func applyStep(s Step) error {
	var err error
	switch s.Kind {
	case RemoveDir:
		err = os.RemoveAll(s.Path)
	case RemoveFile:
		err = os.Remove(s.Path)
	case RestoreBackup:
		if _, statErr := os.Lstat(s.From); statErr != nil {
			if os.IsNotExist(statErr) {
				return nil
			}
			return storeerr.New(storeerr.Io, "Wal", s.From, statErr.Error())
		}
		if rmErr := os.RemoveAll(s.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			return storeerr.New(storeerr.Io, "Wal", s.Path, rmErr.Error())
		}
		err = os.Rename(s.From, s.Path)
	default:
		return storeerr.New(storeerr.Io, "Wal", s.Path, fmt.Sprintf("unknown rollback step kind %q", s.Kind))
	}
	if err != nil && !os.IsNotExist(err) {
		return storeerr.New(storeerr.Io, "Wal", s.Path, err.Error())
	}
	return nil
}

// Recover runs once at engine construction: enumerates WAL entries
// oldest first (by op-id, which is timestamp-prefixed and therefore
// lexicographically time-ordered), rolls each back in reverse step
// order, then deletes it. Entries that fail to deserialize are
// deleted unconditionally.
func (l *Log) Recover() error {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return storeerr.New(storeerr.Io, "Wal", l.root, err.Error())
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(l.root, name)
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			os.Remove(path)
			continue
		}
		if err := Rollback(&e); err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return storeerr.New(storeerr.Io, "Wal", e.OpID, err.Error())
		}
	}
	return nil
}

// List returns every currently registered entry, oldest first,
// skipping entries that cannot be read or deserialized.
func (l *Log) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storeerr.New(storeerr.Io, "Wal", l.root, err.Error())
	}
	var out []Entry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.root, de.Name()))
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpID < out[j].OpID })
	return out, nil
}
