// Package objects is the content-addressed blob store (spec §4.3):
// immutable byte blobs keyed by their own hex-encoded sha256 digest,
// written through the atomic write protocol (temp file in the target
// directory, full write, flush, rename).
package objects

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/marcoallegretti/karapace/pkg/storeerr"
)

// Store is the on-disk object store rooted at <store_root>/objects.
type Store struct {
	root string
}

// New returns a Store rooted at dir. The caller is responsible for
// ensuring dir exists (the engine creates the full store layout on
// first use; see Layout in pkg/engine).
func New(dir string) *Store {
	return &Store{root: dir}
}

// Hash computes the content hash that Put uses as a key.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put writes data under its content hash and returns that hash.
// Idempotent: rewriting identical content is a no-op once the target
// already exists with matching content; a colliding filename with
// different content is an impossibility the hash assumes away.
func (s *Store) Put(data []byte) (string, error) {
	hash := Hash(data)
	target := filepath.Join(s.root, hash)

	if _, err := os.Stat(target); err == nil {
		return hash, nil
	} else if !os.IsNotExist(err) {
		return "", storeerr.New(storeerr.Io, "Object", hash, err.Error())
	}

	if err := writeAtomic(s.root, target, data); err != nil {
		return "", err
	}
	return hash, nil
}

// Get reads the blob stored under hash and re-hashes it; a mismatch
// between the filename and the recomputed hash raises IntegrityFailure.
func (s *Store) Get(hash string) ([]byte, error) {
	target := filepath.Join(s.root, hash)
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storeerr.New(storeerr.NotFound, "Object", hash, "object not found")
		}
		return nil, storeerr.New(storeerr.Io, "Object", hash, err.Error())
	}
	if got := Hash(data); got != hash {
		return nil, storeerr.New(storeerr.IntegrityFailure, "Object", hash, fmt.Sprintf("content hash mismatch: file contains %s", got))
	}
	return data, nil
}

// Exists reports whether hash names a blob on disk, without
// recomputing its hash.
func (s *Store) Exists(hash string) bool {
	_, err := os.Stat(filepath.Join(s.root, hash))
	return err == nil
}

// writeAtomic implements the atomic write protocol shared by
// objects/layers/metadata: a uniquely-named temp file in the same
// directory as target, full write, flush, rename. Same-directory temp
// files keep the rename on one filesystem so it is atomic.
func writeAtomic(dir, target string, data []byte) error {
	tmp := filepath.Join(dir, fmt.Sprintf(".tmp-%s", uuid.NewString()))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return storeerr.New(storeerr.Io, "", target, err.Error())
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return storeerr.New(storeerr.Io, "", target, err.Error())
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return storeerr.New(storeerr.Io, "", target, err.Error())
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return storeerr.New(storeerr.Io, "", target, err.Error())
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return storeerr.New(storeerr.Io, "", target, err.Error())
	}
	return nil
}

// WriteAtomic exposes the same-directory atomic write protocol to
// sibling store packages (layers, metadata) so every record class
// shares one implementation.
func WriteAtomic(dir, target string, data []byte) error {
	return writeAtomic(dir, target, data)
}
