// Package metadata is the per-environment record store (spec §3,
// §4.4): one checksummed record per environment, keyed by canonical
// identifier, supporting exact/name/short-prefix resolution.
package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/marcoallegretti/karapace/pkg/store/objects"
	"github.com/marcoallegretti/karapace/pkg/storeerr"
)

// State is a lifecycle state from the state machine (spec §3, §4.7).
type State string

const (
	Defined  State = "Defined"
	Built    State = "Built"
	Running  State = "Running"
	Frozen   State = "Frozen"
	Archived State = "Archived"
)

// Record is one environment's metadata (spec §3). Checksum is excluded
// from its own hash input and recomputed/verified on every read.
type Record struct {
	ID             string   `json:"id"`
	ShortID        string   `json:"short_id"`
	Name           string   `json:"name,omitempty"`
	State          State    `json:"state"`
	ManifestHash   string   `json:"manifest_hash"`
	Backend        string   `json:"backend"`
	BaseLayer      string   `json:"base_layer"`
	DependencyLayers []string `json:"dependency_layers"`
	PolicyLayer    string   `json:"policy_layer,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	RefCount       int      `json:"ref_count"`
	Checksum       string   `json:"checksum,omitempty"`
}

// nameRE validates environment names per spec §4.4.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Store is the on-disk metadata store rooted at <store_root>/metadata.
type Store struct {
	root string
}

func New(dir string) *Store {
	return &Store{root: dir}
}

// checksumOf computes the hash of r's serialized form with the
// Checksum field cleared, so the checksum never participates in its
// own computation.
func checksumOf(r Record) (string, error) {
	r.Checksum = ""
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Put computes a fresh checksum over r and writes it atomically.
func (s *Store) Put(r Record) error {
	if r.Name != "" && !nameRE.MatchString(r.Name) {
		return storeerr.New(storeerr.InvalidName, "Metadata", r.Name, "name must match [A-Za-z0-9_-]{1,64}")
	}
	if r.Name != "" {
		if conflict, err := s.nameOwnedByOther(r.Name, r.ID); err != nil {
			return err
		} else if conflict {
			return storeerr.New(storeerr.NameConflict, "Metadata", r.Name, "name already in use")
		}
	}

	sum, err := checksumOf(r)
	if err != nil {
		return storeerr.New(storeerr.Io, "Metadata", r.ID, err.Error())
	}
	r.Checksum = sum

	data, err := json.Marshal(r)
	if err != nil {
		return storeerr.New(storeerr.Io, "Metadata", r.ID, err.Error())
	}
	return objects.WriteAtomic(s.root, filepath.Join(s.root, r.ID), data)
}

func (s *Store) nameOwnedByOther(name, id string) (bool, error) {
	records, err := s.List()
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.Name == name && r.ID != id {
			return true, nil
		}
	}
	return false, nil
}

// Get deserializes the record for id, recomputing its checksum and
// rejecting mismatches. A record with no checksum field (a legacy
// record) is accepted as-is.
func (s *Store) Get(id string) (Record, error) {
	data, err := os.ReadFile(filepath.Join(s.root, id))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, storeerr.New(storeerr.NotFound, "Metadata", id, "environment not found")
		}
		return Record{}, storeerr.New(storeerr.Io, "Metadata", id, err.Error())
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, storeerr.New(storeerr.IntegrityFailure, "Metadata", id, err.Error())
	}
	if r.Checksum != "" {
		want, err := checksumOf(r)
		if err != nil {
			return Record{}, storeerr.New(storeerr.Io, "Metadata", id, err.Error())
		}
		if want != r.Checksum {
			return Record{}, storeerr.New(storeerr.IntegrityFailure, "Metadata", id, "checksum mismatch")
		}
	}
	return r, nil
}

// List enumerates every record that deserializes and passes checksum
// verification; it silently skips anything that doesn't (a concurrent
// writer mid-rename, or a corrupt file for verify-store to report
// separately).
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storeerr.New(storeerr.Io, "Metadata", s.root, err.Error())
	}
	var records []Record
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		r, err := s.Get(e.Name())
		if err != nil {
			continue
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// ResolveResult classifies the outcome of Resolve.
type ResolveResult int

const (
	ResolveFound ResolveResult = iota
	ResolveNotFound
	ResolveAmbiguous
)

// Resolve implements the exact-id / exact-name / unique-short-prefix
// resolution order from spec §4.4. Prefixes shorter than 4 characters
// never match.
func (s *Store) Resolve(ref string) (string, ResolveResult, error) {
	records, err := s.List()
	if err != nil {
		return "", ResolveNotFound, err
	}

	for _, r := range records {
		if r.ID == ref {
			return r.ID, ResolveFound, nil
		}
	}
	for _, r := range records {
		if r.Name == ref {
			return r.ID, ResolveFound, nil
		}
	}
	if len(ref) >= 4 {
		var matches []string
		for _, r := range records {
			if strings.HasPrefix(r.ID, ref) || strings.HasPrefix(r.ShortID, ref) {
				matches = append(matches, r.ID)
			}
		}
		switch len(matches) {
		case 0:
			return "", ResolveNotFound, nil
		case 1:
			return matches[0], ResolveFound, nil
		default:
			return "", ResolveAmbiguous, storeerr.New(storeerr.InvalidName, "Metadata", ref, fmt.Sprintf("ambiguous prefix matches %d environments", len(matches)))
		}
	}
	return "", ResolveNotFound, nil
}
