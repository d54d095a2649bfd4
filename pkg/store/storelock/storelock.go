// Package storelock is the store-wide advisory exclusive lock (spec
// §4.5): every mutating engine operation acquires it on entry and
// releases it on exit, over a single file under the store root.
package storelock

import (
	"github.com/gofrs/flock"
	"github.com/marcoallegretti/karapace/pkg/storeerr"
)

// Lock wraps a gofrs/flock file lock over <store_root>/store/.lock.
type Lock struct {
	fl *flock.Flock
}

// New returns a Lock over the given lock file path. It does not
// acquire the lock; call Acquire.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// Acquire blocks until the exclusive lock is held.
func (l *Lock) Acquire() error {
	if err := l.fl.Lock(); err != nil {
		return storeerr.New(storeerr.Io, "", l.fl.Path(), err.Error())
	}
	return nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return storeerr.New(storeerr.Io, "", l.fl.Path(), err.Error())
	}
	return nil
}

// Locked reports whether this handle currently holds the lock.
func (l *Lock) Locked() bool {
	return l.fl.Locked()
}

// WithLock acquires the lock, runs fn, and releases the lock
// regardless of fn's outcome. This is the shape every mutating
// lifecycle engine operation uses.
func (l *Lock) WithLock(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
