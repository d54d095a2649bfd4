package manifest

import (
	"encoding/json"
	"sort"
	"strings"
)

// Normalized is the pure, deterministic normal form of a Manifest:
// trimmed strings, sorted+deduplicated lists, sorted mounts, lowercased
// backend name. Normalize is idempotent: Normalize(Normalize(m).ToManifest())
// (conceptually) yields the same Normalized value.
type Normalized struct {
	ManifestVersion  int
	BaseImage        string
	Packages         []string
	Apps             []string
	GPU              bool
	Audio            bool
	Mounts           []NormalizedMount
	Backend          string
	NetworkIsolation bool
	CPUShares        *int
	MemoryLimitMB    *int
}

// NormalizedMount is one <label> -> <host>:<container> mount, kept sorted
// by label.
type NormalizedMount struct {
	Label     string
	Host      string
	Container string
}

// Normalize is a pure function: trims strings; sorts and deduplicates
// package and app lists; sorts mounts by label; lowercases the backend
// name. It never touches the filesystem or the clock.
func Normalize(m *Manifest) *Normalized {
	n := &Normalized{
		ManifestVersion:  m.ManifestVersion,
		BaseImage:        strings.TrimSpace(m.Base.Image),
		Packages:         sortedUniqueTrimmed(m.System.Packages),
		Apps:             sortedUniqueTrimmed(m.Gui.Apps),
		GPU:              m.Hardware.GPU,
		Audio:            m.Hardware.Audio,
		Backend:          strings.ToLower(strings.TrimSpace(m.Runtime.Backend)),
		NetworkIsolation: m.Runtime.NetworkIsolation,
		CPUShares:        copyIntPtr(m.Runtime.ResourceLimits.CPUShares),
		MemoryLimitMB:    copyIntPtr(m.Runtime.ResourceLimits.MemoryLimitMB),
	}

	for label, spec := range m.Mounts {
		idx := strings.IndexByte(spec, ':')
		host, container := spec[:idx], spec[idx+1:]
		n.Mounts = append(n.Mounts, NormalizedMount{
			Label:     strings.TrimSpace(label),
			Host:      strings.TrimSpace(host),
			Container: strings.TrimSpace(container),
		})
	}
	sort.Slice(n.Mounts, func(i, j int) bool { return n.Mounts[i].Label < n.Mounts[j].Label })

	return n
}

func sortedUniqueTrimmed(items []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

func copyIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// canonicalForm is the JSON shape used for CanonicalBytes. Field order
// is fixed by struct declaration order, so json.Marshal's output is
// stable for a fixed Go type, the property canonical byte-stability
// depends on.
type canonicalForm struct {
	ManifestVersion  int               `json:"manifest_version"`
	BaseImage        string            `json:"base_image"`
	Packages         []string          `json:"packages"`
	Apps             []string          `json:"apps"`
	GPU              bool              `json:"gpu"`
	Audio            bool              `json:"audio"`
	Mounts           []NormalizedMount `json:"mounts"`
	Backend          string            `json:"backend"`
	NetworkIsolation bool              `json:"network_isolation"`
	CPUShares        *int              `json:"cpu_shares,omitempty"`
	MemoryLimitMB    *int              `json:"memory_limit_mb,omitempty"`
}

// CanonicalBytes produces a stable serialization of a Normalized
// manifest: independent of source field order or whitespace, since it is
// built from the already-sorted Normalized value.
func CanonicalBytes(n *Normalized) ([]byte, error) {
	form := canonicalForm{
		ManifestVersion:  n.ManifestVersion,
		BaseImage:        n.BaseImage,
		Packages:         n.Packages,
		Apps:             n.Apps,
		GPU:              n.GPU,
		Audio:            n.Audio,
		Mounts:           n.Mounts,
		Backend:          n.Backend,
		NetworkIsolation: n.NetworkIsolation,
		CPUShares:        n.CPUShares,
		MemoryLimitMB:    n.MemoryLimitMB,
	}
	if form.Mounts == nil {
		form.Mounts = []NormalizedMount{}
	}
	if form.Packages == nil {
		form.Packages = []string{}
	}
	if form.Apps == nil {
		form.Apps = []string{}
	}
	return json.Marshal(form)
}

// DecodeCanonical is the inverse of CanonicalBytes: it reconstructs a
// Normalized manifest from its canonical serialized form, so a
// component holding only the stored manifest object (keyed by
// manifest_hash) can recover normalized fields, e.g. to re-run the
// security policy check before enter/exec without re-parsing the
// original YAML.
func DecodeCanonical(data []byte) (*Normalized, error) {
	var form canonicalForm
	if err := json.Unmarshal(data, &form); err != nil {
		return nil, err
	}
	return &Normalized{
		ManifestVersion:  form.ManifestVersion,
		BaseImage:        form.BaseImage,
		Packages:         form.Packages,
		Apps:             form.Apps,
		GPU:              form.GPU,
		Audio:            form.Audio,
		Mounts:           form.Mounts,
		Backend:          form.Backend,
		NetworkIsolation: form.NetworkIsolation,
		CPUShares:        form.CPUShares,
		MemoryLimitMB:    form.MemoryLimitMB,
	}, nil
}
