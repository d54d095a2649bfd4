package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestPutGetChecksumRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	r := Record{ID: "abc123", ShortID: "abc123", Name: "dev", State: Built}
	if err := s.Put(r); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("abc123")
	if err != nil {
		t.Fatal(err)
	}
	if got.Checksum == "" {
		t.Fatal("expected Put to populate a checksum")
	}
	if got.Name != "dev" {
		t.Fatalf("expected name 'dev', got %q", got.Name)
	}
}

func TestGetRejectsTamperedRecord(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	r := Record{ID: "abc123", ShortID: "abc123", State: Built}
	if err := s.Put(r); err != nil {
		t.Fatal(err)
	}

	tampered := r
	tampered.State = Running
	tampered.Checksum = "stillvalidlooking"
	if err := writeRaw(dir, "abc123", tampered); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get("abc123"); err == nil {
		t.Fatal("expected checksum mismatch to be detected")
	}
}

func TestNameConflictRejected(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.Put(Record{ID: "a", ShortID: "a", Name: "dev", State: Built}); err != nil {
		t.Fatal(err)
	}
	err := s.Put(Record{ID: "b", ShortID: "b", Name: "dev", State: Built})
	if err == nil {
		t.Fatal("expected name conflict error")
	}
}

func TestResolveExactAndPrefix(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.Put(Record{ID: "abcdef0123456789", ShortID: "abcdef012345", Name: "dev", State: Built}); err != nil {
		t.Fatal(err)
	}

	id, res, err := s.Resolve("dev")
	if err != nil || res != ResolveFound || id != "abcdef0123456789" {
		t.Fatalf("expected exact name match, got id=%q res=%v err=%v", id, res, err)
	}

	id, res, err = s.Resolve("abcd")
	if err != nil || res != ResolveFound || id != "abcdef0123456789" {
		t.Fatalf("expected unique prefix match, got id=%q res=%v err=%v", id, res, err)
	}

	_, res, _ = s.Resolve("zzzz")
	if res != ResolveNotFound {
		t.Fatalf("expected not found, got %v", res)
	}
}

func TestResolveAmbiguousPrefix(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.Put(Record{ID: "abcd1111", ShortID: "abcd1111", State: Built}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(Record{ID: "abcd2222", ShortID: "abcd2222", State: Built}); err != nil {
		t.Fatal(err)
	}

	_, res, err := s.Resolve("abcd")
	if res != ResolveAmbiguous || err == nil {
		t.Fatalf("expected ambiguous result, got res=%v err=%v", res, err)
	}
}

func writeRaw(dir, id string, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, id), data, 0o644)
}
