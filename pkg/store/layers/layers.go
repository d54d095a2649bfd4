// Package layers implements layer manifests and deterministic tar
// packing (spec §4.3, §3): a layer manifest describes a tar archive
// stored as an object, keyed by the hash of that archive (or, for
// snapshots, a composite hash binding it to an environment and base
// layer).
package layers

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/marcoallegretti/karapace/pkg/store/objects"
	"github.com/marcoallegretti/karapace/pkg/storeerr"
)

// Kind enumerates the layer kinds from spec §3.
type Kind string

const (
	Base       Kind = "Base"
	Dependency Kind = "Dependency"
	Policy     Kind = "Policy"
	Snapshot   Kind = "Snapshot"
)

// Manifest describes a tar archive stored as an object.
type Manifest struct {
	Hash          string   `json:"hash"`
	Kind          Kind     `json:"kind"`
	Parent        string   `json:"parent,omitempty"`
	ObjectHashes  []string `json:"object_hashes"`
	ReadOnly      bool     `json:"read_only"`
	TarHash       string   `json:"tar_hash"`
}

// Store is the on-disk layer manifest store rooted at
// <store_root>/layers.
type Store struct {
	root string
}

func New(dir string) *Store {
	return &Store{root: dir}
}

// SnapshotHash computes H("snapshot:" + env_id + ":" + base_layer + ":" + tar_hash),
// the composite identity from spec §3 that prevents a replayed base
// layer from masquerading as a snapshot of a different environment.
func SnapshotHash(envID, baseLayer, tarHash string) string {
	sum := sha256.Sum256([]byte("snapshot:" + envID + ":" + baseLayer + ":" + tarHash))
	return hex.EncodeToString(sum[:])
}

// Pack walks dir and produces a deterministic tar archive: entries
// sorted lexicographically by path, modification times zeroed,
// owner/group forced to 0:0, permission bits preserved, symlink
// targets preserved verbatim. Only directories, regular files and
// symlinks are written; device nodes and every other entry type are
// skipped silently, per spec §4.3. Extended attributes, hardlink
// identity (each link is stored as its own regular file), ACLs, MAC
// labels and sparse holes are not recorded.
func Pack(dir string) (tarBytes []byte, tarHash string, err error) {
	var paths []string
	if walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		paths = append(paths, path)
		return nil
	}); walkErr != nil {
		return nil, "", storeerr.New(storeerr.Io, "Layer", dir, walkErr.Error())
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, path := range paths {
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil, "", storeerr.New(storeerr.Io, "Layer", path, relErr.Error())
		}
		info, statErr := os.Lstat(path)
		if statErr != nil {
			return nil, "", storeerr.New(storeerr.Io, "Layer", path, statErr.Error())
		}

		var hdr *tar.Header
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, linkErr := os.Readlink(path)
			if linkErr != nil {
				return nil, "", storeerr.New(storeerr.Io, "Layer", path, linkErr.Error())
			}
			hdr = &tar.Header{Typeflag: tar.TypeSymlink, Name: filepath.ToSlash(rel), Linkname: link}
		case info.IsDir():
			hdr = &tar.Header{Typeflag: tar.TypeDir, Name: filepath.ToSlash(rel) + "/"}
		case info.Mode().IsRegular():
			hdr = &tar.Header{Typeflag: tar.TypeReg, Name: filepath.ToSlash(rel), Size: info.Size()}
		default:
			// Device nodes and other non-regular, non-symlink entries are
			// dropped silently per spec §4.3.
			continue
		}
		hdr.Mode = int64(info.Mode().Perm())
		hdr.Uid, hdr.Gid = 0, 0
		hdr.ModTime = time.Time{}

		if err := tw.WriteHeader(hdr); err != nil {
			return nil, "", storeerr.New(storeerr.Io, "Layer", path, err.Error())
		}
		if hdr.Typeflag == tar.TypeReg {
			f, openErr := os.Open(path)
			if openErr != nil {
				return nil, "", storeerr.New(storeerr.Io, "Layer", path, openErr.Error())
			}
			_, copyErr := io.Copy(tw, f)
			f.Close()
			if copyErr != nil {
				return nil, "", storeerr.New(storeerr.Io, "Layer", path, copyErr.Error())
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, "", storeerr.New(storeerr.Io, "Layer", dir, err.Error())
	}

	data := buf.Bytes()
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// Unpack is the inverse of Pack: it extracts tarBytes into dir,
// recreating directories, regular files (with their stored permission
// bits) and symlinks.
func Unpack(tarBytes []byte, dir string) error {
	tr := tar.NewReader(bytes.NewReader(tarBytes))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return storeerr.New(storeerr.Io, "Layer", dir, err.Error())
		}
		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return storeerr.New(storeerr.Io, "Layer", target, err.Error())
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return storeerr.New(storeerr.Io, "Layer", target, err.Error())
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return storeerr.New(storeerr.Io, "Layer", target, err.Error())
			}
			f, createErr := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
			if createErr != nil {
				return storeerr.New(storeerr.Io, "Layer", target, createErr.Error())
			}
			_, copyErr := io.Copy(f, tr)
			f.Close()
			if copyErr != nil {
				return storeerr.New(storeerr.Io, "Layer", target, copyErr.Error())
			}
		}
	}
}

// Put serializes m and stores it keyed by m.Hash, which the caller
// must already have computed (tar_hash for Base/Dependency/Policy
// layers, the composite SnapshotHash for Snapshot layers).
func (s *Store) Put(m Manifest) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", storeerr.New(storeerr.Io, "Layer", m.Hash, err.Error())
	}
	target := filepath.Join(s.root, m.Hash)
	if err := objects.WriteAtomic(s.root, target, data); err != nil {
		return "", err
	}
	return m.Hash, nil
}

// ExistsAlready reports whether a layer manifest keyed by hash is
// already on disk, without reading or verifying it.
func (s *Store) ExistsAlready(hash string) bool {
	_, err := os.Stat(filepath.Join(s.root, hash))
	return err == nil
}

// List enumerates every layer manifest that deserializes and passes
// its own hash check, silently skipping anything that doesn't (a
// concurrent writer mid-rename, or a corrupt file for verify-store to
// report separately).
func (s *Store) List() ([]Manifest, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storeerr.New(storeerr.Io, "Layer", s.root, err.Error())
	}
	var manifests []Manifest
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m, err := s.Get(e.Name())
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Get reads the layer manifest keyed by hash. Unlike objects.Store,
// the key is not the hash of the stored bytes themselves (it's
// tar_hash, or the composite SnapshotHash for snapshots) so the only
// available self-check is that the unmarshaled manifest's own Hash
// field agrees with the key it was looked up under.
func (s *Store) Get(hash string) (Manifest, error) {
	target := filepath.Join(s.root, hash)
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, storeerr.New(storeerr.NotFound, "Layer", hash, "layer not found")
		}
		return Manifest{}, storeerr.New(storeerr.Io, "Layer", hash, err.Error())
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, storeerr.New(storeerr.IntegrityFailure, "Layer", hash, err.Error())
	}
	if m.Hash != hash {
		return Manifest{}, storeerr.New(storeerr.IntegrityFailure, "Layer", hash, fmt.Sprintf("manifest hash field %s does not match key", m.Hash))
	}
	return m, nil
}
