package backend

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcoallegretti/karapace/pkg/config"
	"github.com/marcoallegretti/karapace/pkg/manifest"
	"github.com/sirupsen/logrus"
)

func newTestNamespaceBackend() *NamespaceBackend {
	return NewNamespaceBackend(logrus.NewEntry(logrus.New()), &config.AppConfig{
		UserConfig: &config.UserConfig{Runtime: testRuntimeConfig()},
	})
}

func TestRunSetsFilteredEnvOnChildCommand(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "leak-me-not")

	b := newTestNamespaceBackend()
	var captured *exec.Cmd
	b.SetCommand(func(name string, args ...string) *exec.Cmd {
		captured = exec.Command("true")
		return captured
	})

	spec := Spec{EnvID: "env-1", MergedDir: t.TempDir(), Normalized: &manifest.Normalized{}}
	if err := b.Exec(context.Background(), spec, []string{"true"}); err != nil {
		t.Fatal(err)
	}
	if captured == nil {
		t.Fatal("expected a child command to be constructed")
	}

	var sawPath bool
	for _, kv := range captured.Env {
		if kv == "PATH=/usr/bin" {
			sawPath = true
		}
		if strings.HasPrefix(kv, "AWS_SECRET_ACCESS_KEY=") {
			t.Fatalf("expected deny-listed var filtered out of child env, got %v", captured.Env)
		}
	}
	if !sawPath {
		t.Fatalf("expected allow-listed PATH forwarded into child env, got %v", captured.Env)
	}
}

func TestMountAllowedDevicesSkipsWhenNotRequested(t *testing.T) {
	b := newTestNamespaceBackend()
	calls := 0
	b.SetCommand(func(name string, args ...string) *exec.Cmd {
		calls++
		return exec.Command("true")
	})

	spec := Spec{MergedDir: t.TempDir(), Normalized: &manifest.Normalized{}}
	if err := b.mountAllowedDevices(spec); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatalf("expected no device bind-mount attempted when no hardware flag is set, got %d calls", calls)
	}
}

func TestMountAllowedDevicesBindMountsGrantedDevice(t *testing.T) {
	original := devicePassthrough
	defer func() { devicePassthrough = original }()

	fakeDevice := filepath.Join(t.TempDir(), "fake-gpu")
	if err := os.WriteFile(fakeDevice, []byte("device"), 0o644); err != nil {
		t.Fatal(err)
	}
	devicePassthrough = []struct {
		name     string
		hostPath string
	}{{"gpu", fakeDevice}}

	b := newTestNamespaceBackend()
	var gotArgs []string
	b.SetCommand(func(name string, args ...string) *exec.Cmd {
		gotArgs = append([]string{name}, args...)
		return exec.Command("true")
	})

	spec := Spec{MergedDir: t.TempDir(), Normalized: &manifest.Normalized{GPU: true}}
	if err := b.mountAllowedDevices(spec); err != nil {
		t.Fatal(err)
	}
	if len(gotArgs) != 4 || gotArgs[0] != "mount" || gotArgs[1] != "--bind" || gotArgs[2] != fakeDevice {
		t.Fatalf("expected a bind-mount invocation for the granted device, got %v", gotArgs)
	}
}

func TestMountAllowedDevicesSkipsDeviceAbsentFromHost(t *testing.T) {
	original := devicePassthrough
	defer func() { devicePassthrough = original }()

	devicePassthrough = []struct {
		name     string
		hostPath string
	}{{"gpu", filepath.Join(t.TempDir(), "does-not-exist")}}

	b := newTestNamespaceBackend()
	calls := 0
	b.SetCommand(func(name string, args ...string) *exec.Cmd {
		calls++
		return exec.Command("true")
	})

	spec := Spec{MergedDir: t.TempDir(), Normalized: &manifest.Normalized{GPU: true}}
	if err := b.mountAllowedDevices(spec); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatalf("expected no bind-mount attempted for a device absent on the host, got %d calls", calls)
	}
}
