package backend

import (
	"context"
	"testing"

	"github.com/marcoallegretti/karapace/pkg/lock"
)

func TestMockBackendRecordsCalls(t *testing.T) {
	m := &MockBackend{
		ResolveFunc: func(ctx context.Context, spec Spec) (lock.Resolution, error) {
			return lock.Resolution{BaseDigest: "sha256:abc"}, nil
		},
	}

	spec := Spec{EnvID: "env-1"}
	res, err := m.Resolve(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if res.BaseDigest != "sha256:abc" {
		t.Fatalf("expected configured resolution, got %+v", res)
	}
	if len(m.Calls) != 1 || m.Calls[0].Method != "Resolve" {
		t.Fatalf("expected Resolve call recorded, got %+v", m.Calls)
	}
}

func TestMockBackendDefaultsToNotImplemented(t *testing.T) {
	m := &MockBackend{}
	if _, err := m.Resolve(context.Background(), Spec{}); err != ErrMockNotImplemented {
		t.Fatalf("expected ErrMockNotImplemented, got %v", err)
	}
}

func TestRegistryLooksUpByName(t *testing.T) {
	m := &MockBackend{NameFunc: func() string { return "mock" }}
	r := NewRegistry(m)

	got, ok := r.Get("mock")
	if !ok || got != m {
		t.Fatal("expected registry to find backend registered under its Name()")
	}
	if _, ok := r.Get("namespace"); ok {
		t.Fatal("expected unregistered backend name to miss")
	}
}
