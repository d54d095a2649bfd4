package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRegisterCompleteLeavesNoEntry(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	e, err := l.Register(time.Now(), Build, "env-1", []Step{{Kind: RemoveFile, Path: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected 1 registered entry, got %d", len(entries))
	}
	if err := l.Complete(e); err != nil {
		t.Fatal(err)
	}
	entries, _ = os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected 0 entries after Complete, got %d", len(entries))
	}
}

func TestRecoverRollsBackInReverseOrder(t *testing.T) {
	root := t.TempDir()
	walDir := filepath.Join(root, "wal")
	if err := os.Mkdir(walDir, 0o755); err != nil {
		t.Fatal(err)
	}

	fileA := filepath.Join(root, "a")
	fileB := filepath.Join(root, "b")
	if err := os.WriteFile(fileA, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fileB, []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(walDir)
	if _, err := l.Register(time.Now(), Build, "env-1", []Step{
		{Kind: RemoveFile, Path: fileA},
		{Kind: RemoveFile, Path: fileB},
	}); err != nil {
		t.Fatal(err)
	}

	if err := l.Recover(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(fileA); !os.IsNotExist(err) {
		t.Fatal("expected fileA removed by recovery")
	}
	if _, err := os.Stat(fileB); !os.IsNotExist(err) {
		t.Fatal("expected fileB removed by recovery")
	}

	remaining, _ := os.ReadDir(walDir)
	if len(remaining) != 0 {
		t.Fatalf("expected WAL drained after recovery, got %d entries", len(remaining))
	}
}

func TestRecoverDeletesUndeserializableEntries(t *testing.T) {
	walDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(walDir, "garbage-entry"), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(walDir)
	if err := l.Recover(); err != nil {
		t.Fatal(err)
	}
	remaining, _ := os.ReadDir(walDir)
	if len(remaining) != 0 {
		t.Fatalf("expected corrupt entry deleted unconditionally, got %d remaining", len(remaining))
	}
}

func TestRestoreBackupReinstatesBackupOverCurrentContent(t *testing.T) {
	root := t.TempDir()
	walDir := filepath.Join(root, "wal")
	if err := os.Mkdir(walDir, 0o755); err != nil {
		t.Fatal(err)
	}

	upper := filepath.Join(root, "upper")
	backup := filepath.Join(root, "upper.pre-restore")
	if err := os.MkdirAll(upper, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(upper, "marker"), []byte("post-swap"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(backup, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(backup, "marker"), []byte("pre-restore"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(walDir)
	if _, err := l.Register(time.Now(), Restore, "env-1", []Step{
		{Kind: RestoreBackup, Path: upper, From: backup},
	}); err != nil {
		t.Fatal(err)
	}

	if err := l.Recover(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(upper, "marker"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "pre-restore" {
		t.Fatalf("expected recovery to reinstate backup content, got %q", data)
	}
	if _, err := os.Stat(backup); !os.IsNotExist(err) {
		t.Fatal("expected backup directory consumed by recovery")
	}
}

func TestRestoreBackupNoOpWhenBackupNeverCreated(t *testing.T) {
	root := t.TempDir()
	walDir := filepath.Join(root, "wal")
	if err := os.Mkdir(walDir, 0o755); err != nil {
		t.Fatal(err)
	}

	upper := filepath.Join(root, "upper")
	backup := filepath.Join(root, "upper.pre-restore")
	if err := os.MkdirAll(upper, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(upper, "marker"), []byte("untouched"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(walDir)
	if _, err := l.Register(time.Now(), Restore, "env-1", []Step{
		{Kind: RestoreBackup, Path: upper, From: backup},
	}); err != nil {
		t.Fatal(err)
	}

	if err := l.Recover(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(upper, "marker"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "untouched" {
		t.Fatalf("expected no-op when backup was never created, got %q", data)
	}
}

func TestOldestFirstOrdering(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	if _, err := l.Register(t1, Build, "first", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Register(t2, Build, "second", nil); err != nil {
		t.Fatal(err)
	}

	entries, err := l.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Subject != "first" || entries[1].Subject != "second" {
		t.Fatalf("expected oldest-first ordering, got %+v", entries)
	}
}
