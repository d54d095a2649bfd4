package objects

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	hash, err := s.Put([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !s.Exists(hash) {
		t.Fatal("expected object to exist after Put")
	}
	data, err := s.Get(hash)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", data)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	h1, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical hash for identical content, got %s vs %s", h1, h2)
	}
}

func TestGetDetectsTamperedContent(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	hash, err := s.Put([]byte("original"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, hash), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(hash); err == nil {
		t.Fatal("expected integrity failure on tampered object")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if _, err := s.Get("doesnotexist"); err == nil {
		t.Fatal("expected error for missing object")
	}
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if _, err := s.Put([]byte("x")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if len(e.Name()) >= 5 && e.Name()[:5] == ".tmp-" {
			t.Fatalf("expected no leftover temp files, found %s", e.Name())
		}
	}
}
