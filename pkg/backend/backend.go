// Package backend is the adapter contract the lifecycle engine relies
// on (spec §4.8): resolve, build, enter, exec, destroy, status. Three
// concrete adapters implement it, namespace (raw os/exec), oci
// (Docker Engine API), and mock (test double), grounded on the
// teacher's ContainerRuntime / OSCommand / MockRuntime split.
package backend

import (
	"context"

	"github.com/marcoallegretti/karapace/pkg/lock"
	"github.com/marcoallegretti/karapace/pkg/manifest"
)

// Spec is everything a backend needs to resolve, build, or run an
// environment: the normalized manifest plus the on-disk paths the
// store has allocated for it.
type Spec struct {
	EnvID    string
	Normalized *manifest.Normalized
	LowerDir string // <root>/images/<cache_key>/rootfs, read-only base
	UpperDir string // <root>/env/<env_id>/upper
	WorkDir  string // <root>/env/<env_id>/work
	MergedDir string // <root>/env/<env_id>/merged
}

// Status is a point-in-time runtime status report for status().
type Status struct {
	Running bool
	Pid     int
	Detail  string
}

// Backend is the contract every runtime adapter implements.
type Backend interface {
	Name() string
	Available() bool
	Resolve(ctx context.Context, spec Spec) (lock.Resolution, error)
	Build(ctx context.Context, spec Spec) error
	Enter(ctx context.Context, spec Spec, cmd []string) error
	Exec(ctx context.Context, spec Spec, cmd []string) error
	Stop(ctx context.Context, spec Spec) error
	Destroy(ctx context.Context, spec Spec) error
	StatusOf(ctx context.Context, envID string) (Status, error)
}

// Registry looks up a Backend by the name declared in
// runtime.backend. The engine consults it once per operation; it
// never caches a stale resolution across manifest edits.
type Registry struct {
	backends map[string]Backend
}

func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: map[string]Backend{}}
	for _, b := range backends {
		r.backends[b.Name()] = b
	}
	return r
}

func (r *Registry) Get(name string) (Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}
