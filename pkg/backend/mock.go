package backend

import (
	"context"
	"errors"
	"os"

	"github.com/marcoallegretti/karapace/pkg/lock"
)

// ErrMockNotImplemented is returned when a mock function field is not
// set, mirroring commands.ErrMockNotImplemented in lazydocker.
var ErrMockNotImplemented = errors.New("mock backend: function not implemented")

// MockCall records one invocation for test assertions.
type MockCall struct {
	Method string
	Spec   Spec
	Args   []interface{}
}

// MockBackend implements Backend for tests. Each method can be
// customized by setting the corresponding function field; unset
// fields return sensible zero values or ErrMockNotImplemented,
// matching lazydocker's MockRuntime shape. With BuildFunc unset, Build
// creates the spec's upper, work and merged directories.
type MockBackend struct {
	NameFunc      func() string
	AvailableFunc func() bool
	ResolveFunc   func(ctx context.Context, spec Spec) (lock.Resolution, error)
	BuildFunc     func(ctx context.Context, spec Spec) error
	EnterFunc     func(ctx context.Context, spec Spec, cmd []string) error
	ExecFunc      func(ctx context.Context, spec Spec, cmd []string) error
	StopFunc      func(ctx context.Context, spec Spec) error
	DestroyFunc   func(ctx context.Context, spec Spec) error
	StatusFunc    func(ctx context.Context, envID string) (Status, error)

	Calls []MockCall
}

func (m *MockBackend) record(method string, spec Spec, args ...interface{}) {
	m.Calls = append(m.Calls, MockCall{Method: method, Spec: spec, Args: args})
}

func (m *MockBackend) Name() string {
	m.record("Name", Spec{})
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock"
}

func (m *MockBackend) Available() bool {
	m.record("Available", Spec{})
	if m.AvailableFunc != nil {
		return m.AvailableFunc()
	}
	return true
}

func (m *MockBackend) Resolve(ctx context.Context, spec Spec) (lock.Resolution, error) {
	m.record("Resolve", spec)
	if m.ResolveFunc != nil {
		return m.ResolveFunc(ctx, spec)
	}
	return lock.Resolution{}, ErrMockNotImplemented
}

func (m *MockBackend) Build(ctx context.Context, spec Spec) error {
	m.record("Build", spec)
	if m.BuildFunc != nil {
		return m.BuildFunc(ctx, spec)
	}
	for _, dir := range []string{spec.UpperDir, spec.WorkDir, spec.MergedDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockBackend) Enter(ctx context.Context, spec Spec, cmd []string) error {
	m.record("Enter", spec, cmd)
	if m.EnterFunc != nil {
		return m.EnterFunc(ctx, spec, cmd)
	}
	return nil
}

func (m *MockBackend) Exec(ctx context.Context, spec Spec, cmd []string) error {
	m.record("Exec", spec, cmd)
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, spec, cmd)
	}
	return nil
}

func (m *MockBackend) Stop(ctx context.Context, spec Spec) error {
	m.record("Stop", spec)
	if m.StopFunc != nil {
		return m.StopFunc(ctx, spec)
	}
	return nil
}

func (m *MockBackend) Destroy(ctx context.Context, spec Spec) error {
	m.record("Destroy", spec)
	if m.DestroyFunc != nil {
		return m.DestroyFunc(ctx, spec)
	}
	return nil
}

func (m *MockBackend) StatusOf(ctx context.Context, envID string) (Status, error) {
	m.record("StatusOf", Spec{EnvID: envID})
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, envID)
	}
	return Status{Running: false}, nil
}
