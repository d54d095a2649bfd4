// Package lock computes the canonical content-addressed identity of a
// resolved environment and represents the reproducible lock artifact
// (spec §3, §4.2).
package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/marcoallegretti/karapace/pkg/manifest"
	digest "github.com/opencontainers/go-digest"
)

// Version is the only lock-format version this engine produces or accepts.
const Version = 2

// ResolvedPackage is one package name pinned to a specific version by
// backend.resolve.
type ResolvedPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Resolution is what backend.resolve returns: the content hash of the
// extracted base image root tree, and the pinned package set.
type Resolution struct {
	BaseDigest string
	Packages   []ResolvedPackage
}

// Lock is the resolved, reproducible form described in spec §3.
type Lock struct {
	LockVersion      int                        `json:"lock_version"`
	FullID           string                     `json:"full_id"`
	ShortID          string                     `json:"short_id"`
	BaseImage        string                     `json:"base_image"`
	BaseDigest       string                     `json:"base_digest"`
	Packages         []ResolvedPackage          `json:"packages"`
	Apps             []string                   `json:"apps"`
	GPU              bool                       `json:"gpu"`
	Audio            bool                       `json:"audio"`
	Mounts           []manifest.NormalizedMount `json:"mounts"`
	Backend          string                     `json:"backend"`
	NetworkIsolation bool                       `json:"network_isolation"`
	CPUShares        *int                       `json:"cpu_shares,omitempty"`
	MemoryLimitMB    *int                       `json:"memory_limit_mb,omitempty"`

	// ManifestHash is the hash of the canonical manifest object this
	// lock was built from, stored alongside the lock so VerifyIntent can
	// detect a manifest that has since been edited.
	ManifestHash string `json:"manifest_hash"`
}

// Build packs the manifest-declared fields together with the
// backend-supplied resolution into a new Lock and computes its identity.
func Build(n *manifest.Normalized, r Resolution, manifestHash string) *Lock {
	packages := make([]ResolvedPackage, len(r.Packages))
	copy(packages, r.Packages)
	sort.Slice(packages, func(i, j int) bool { return packages[i].Name < packages[j].Name })

	l := &Lock{
		LockVersion:      Version,
		BaseImage:        n.BaseImage,
		BaseDigest:       r.BaseDigest,
		Packages:         packages,
		Apps:             append([]string(nil), n.Apps...),
		GPU:              n.GPU,
		Audio:            n.Audio,
		Mounts:           append([]manifest.NormalizedMount(nil), n.Mounts...),
		Backend:          n.Backend,
		NetworkIsolation: n.NetworkIsolation,
		CPUShares:        n.CPUShares,
		MemoryLimitMB:    n.MemoryLimitMB,
		ManifestHash:     manifestHash,
	}
	l.FullID, l.ShortID = l.ComputeIdentity()
	return l
}

// ComputeIdentity computes the 256-bit canonical identity from exactly
// the token sequence in spec §3. No field not named there participates:
// not overlay state, not timestamps, not host paths outside the
// manifest, not machine identity, not the store location.
func (l *Lock) ComputeIdentity() (full string, short string) {
	var b strings.Builder

	fmt.Fprintf(&b, "base_digest:%s\n", l.BaseDigest)

	packages := make([]ResolvedPackage, len(l.Packages))
	copy(packages, l.Packages)
	sort.Slice(packages, func(i, j int) bool { return packages[i].Name < packages[j].Name })
	for _, pkg := range packages {
		fmt.Fprintf(&b, "pkg:%s@%s\n", pkg.Name, pkg.Version)
	}

	apps := append([]string(nil), l.Apps...)
	sort.Strings(apps)
	for _, app := range apps {
		fmt.Fprintf(&b, "app:%s\n", app)
	}

	if l.GPU {
		b.WriteString("hw:gpu\n")
	}
	if l.Audio {
		b.WriteString("hw:audio\n")
	}

	mounts := make([]manifest.NormalizedMount, len(l.Mounts))
	copy(mounts, l.Mounts)
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].Label < mounts[j].Label })
	for _, m := range mounts {
		fmt.Fprintf(&b, "mount:%s:%s:%s\n", m.Label, m.Host, m.Container)
	}

	fmt.Fprintf(&b, "backend:%s\n", strings.ToLower(l.Backend))

	if l.NetworkIsolation {
		b.WriteString("net:isolated\n")
	}
	if l.CPUShares != nil {
		fmt.Fprintf(&b, "cpu:%s\n", strconv.Itoa(*l.CPUShares))
	}
	if l.MemoryLimitMB != nil {
		fmt.Fprintf(&b, "mem:%s\n", strconv.Itoa(*l.MemoryLimitMB))
	}

	sum := sha256.Sum256([]byte(b.String()))
	full = hex.EncodeToString(sum[:])
	short = full[:12]
	return full, short
}

// VerifyIntegrity recomputes the identity from the stored fields and
// compares it against FullID/ShortID.
func (l *Lock) VerifyIntegrity() bool {
	full, short := l.ComputeIdentity()
	return full == l.FullID && short == l.ShortID
}

// VerifyIntent checks that the hash of the manifest blob stored
// alongside this lock matches the currently-on-disk manifest hash. On
// mismatch, the caller may refuse a --locked build.
func (l *Lock) VerifyIntent(currentManifestHash string) bool {
	return l.ManifestHash == currentManifestHash
}

// DigestString wraps an algorithm-qualified digest.Digest around a raw
// hex hash, for callers that want to pass lock identities through code
// that speaks digest.Digest (pkg/remote's pulled-object verification).
func DigestString(hexHash string) digest.Digest {
	return digest.NewDigestFromEncoded(digest.SHA256, hexHash)
}
