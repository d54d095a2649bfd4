package storelock

import (
	"path/filepath"
	"testing"
)

func TestWithLockRunsAndReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	l := New(path)

	ran := false
	if err := l.WithLock(func() error {
		ran = true
		if !l.Locked() {
			t.Fatal("expected lock to be held inside WithLock")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("expected fn to run")
	}
	if l.Locked() {
		t.Fatal("expected lock to be released after WithLock returns")
	}
}
