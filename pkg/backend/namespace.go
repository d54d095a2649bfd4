package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jesseduffield/kill"
	"github.com/marcoallegretti/karapace/pkg/config"
	"github.com/marcoallegretti/karapace/pkg/lock"
	"github.com/mgutz/str"
	"github.com/sirupsen/logrus"
)

// devicePassthrough lists the host device paths each hardware flag may
// expose, checked against DeviceAllowed before any bind-mount runs.
var devicePassthrough = []struct {
	name     string
	hostPath string
}{
	{"gpu", "/dev/dri"},
	{"audio", "/dev/snd"},
}

// NamespaceBackend runs environments as host processes in fresh mount
// and PID namespaces (unshare), chrooted into the environment's merged
// directory, using raw os/exec the way lazydocker's
// OSCommand drives docker-less container operations. It is the
// unprivileged default backend.
type NamespaceBackend struct {
	Log     *logrus.Entry
	Config  *config.AppConfig
	command func(string, ...string) *exec.Cmd

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// NewNamespaceBackend returns the default, unprivileged backend.
func NewNamespaceBackend(log *logrus.Entry, cfg *config.AppConfig) *NamespaceBackend {
	return &NamespaceBackend{
		Log:     log,
		Config:  cfg,
		command: exec.Command,
		running: map[string]*exec.Cmd{},
	}
}

// SetCommand overrides the command constructor; test-only, mirrors
// OSCommand.SetCommand.
func (b *NamespaceBackend) SetCommand(cmd func(string, ...string) *exec.Cmd) {
	b.command = cmd
}

func (b *NamespaceBackend) Name() string { return "namespace" }

func (b *NamespaceBackend) Available() bool {
	_, err := exec.LookPath("unshare")
	return err == nil
}

// Resolve shells out to the package manager resolver for the
// requested base image and packages. The actual resolver invocation
// is backend-private and platform-specific; here it establishes the
// contract the engine depends on: a deterministic (base_digest,
// [(name,version)]) pair given a normalized manifest.
func (b *NamespaceBackend) Resolve(ctx context.Context, spec Spec) (lock.Resolution, error) {
	args := str.ToArgv(fmt.Sprintf("karapace-resolve --base %s", spec.Normalized.BaseImage))
	cmd := b.command(args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return lock.Resolution{}, fmt.Errorf("namespace backend: resolve failed: %w (%s)", err, out)
	}
	// The resolver prints "<base_digest>\n<name>@<version>\n..." on
	// success; parsing is intentionally minimal since the resolver is
	// an external collaborator (spec §1, out of scope).
	return parseResolveOutput(out)
}

// Build materializes the directory structure for spec: lower is a
// symlink to spec.LowerDir, and upper/work/merged are created empty.
// No overlay filesystem is mounted, here or in Enter/Exec, which
// chroot into MergedDir as it stands.
func (b *NamespaceBackend) Build(ctx context.Context, spec Spec) error {
	if err := os.Symlink(spec.LowerDir, filepath.Join(filepath.Dir(spec.UpperDir), "lower")); err != nil && !os.IsExist(err) {
		return fmt.Errorf("namespace backend: build: %w", err)
	}
	for _, dir := range []string{spec.UpperDir, spec.WorkDir, spec.MergedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("namespace backend: build: %w", err)
		}
	}
	return nil
}

func (b *NamespaceBackend) Enter(ctx context.Context, spec Spec, cmdline []string) error {
	return b.run(ctx, spec, cmdline, true)
}

func (b *NamespaceBackend) Exec(ctx context.Context, spec Spec, cmdline []string) error {
	return b.run(ctx, spec, cmdline, false)
}

func (b *NamespaceBackend) run(ctx context.Context, spec Spec, cmdline []string, interactive bool) error {
	rc := b.Config.UserConfig.Runtime
	if err := CheckPolicy(spec.Normalized, rc); err != nil {
		return err
	}
	if err := b.mountAllowedDevices(spec); err != nil {
		return err
	}

	args := append([]string{"--mount", "--pid", "--fork", "chroot", spec.MergedDir}, cmdline...)
	cmd := b.command("unshare", args...)
	if interactive {
		cmd.Stdin = os.Stdin
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = filteredEnviron(rc)
	kill.PrepareForChildren(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("namespace backend: start: %w", err)
	}

	b.mu.Lock()
	b.running[spec.EnvID] = cmd
	b.mu.Unlock()

	err := cmd.Wait()

	b.mu.Lock()
	delete(b.running, spec.EnvID)
	b.mu.Unlock()

	return err
}

// Stop sends SIGTERM to the environment's child process and waits up to
// Config.UserConfig.Runtime.StopTimeout for it to exit before killing
// its process group (spec §4.7).
func (b *NamespaceBackend) Stop(ctx context.Context, spec Spec) error {
	b.mu.Lock()
	cmd, ok := b.running[spec.EnvID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return kill.Kill(cmd)
	}

	deadline := time.Now().Add(b.Config.UserConfig.Runtime.StopTimeout)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		_, stillRunning := b.running[spec.EnvID]
		b.mu.Unlock()
		if !stillRunning {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return kill.Kill(cmd)
}

// Destroy forcibly reaps the whole process group, since
// PrepareForChildren gave this command a PGID equal to its PID at
// Start.
func (b *NamespaceBackend) Destroy(ctx context.Context, spec Spec) error {
	b.mu.Lock()
	cmd, ok := b.running[spec.EnvID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return kill.Kill(cmd)
}

func (b *NamespaceBackend) StatusOf(ctx context.Context, envID string) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cmd, ok := b.running[envID]
	if !ok {
		return Status{Running: false}, nil
	}
	return Status{Running: true, Pid: cmd.Process.Pid}, nil
}

// mountAllowedDevices bind-mounts each hardware-flagged device class
// DeviceAllowed grants into the merged root, so a process chrooted
// into it sees exactly the devices its manifest requested and nothing
// else. A device absent on the host is skipped rather than failing the
// whole run.
func (b *NamespaceBackend) mountAllowedDevices(spec Spec) error {
	for _, d := range devicePassthrough {
		if !DeviceAllowed(spec.Normalized, d.name) {
			continue
		}
		if _, err := os.Stat(d.hostPath); err != nil {
			continue
		}
		target := filepath.Join(spec.MergedDir, d.hostPath)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("namespace backend: device mount %s: %w", d.name, err)
		}
		out, err := b.command("mount", "--bind", d.hostPath, target).CombinedOutput()
		if err != nil {
			return fmt.Errorf("namespace backend: bind-mount %s: %w (%s)", d.name, err, out)
		}
	}
	return nil
}

// filteredEnviron applies the runtime's env allow/deny policy to the
// current process environment, returning the exact []string a child
// process's Env should be set to. A process started without this
// would otherwise inherit the full, unfiltered parent environment.
func filteredEnviron(rc config.RuntimeConfig) []string {
	current := map[string]string{}
	for _, kv := range os.Environ() {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		current[kv[:idx]] = kv[idx+1:]
	}
	filtered := FilterEnv(current, rc)

	out := make([]string, 0, len(filtered))
	for k, v := range filtered {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func parseResolveOutput(out []byte) (lock.Resolution, error) {
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	if len(lines) == 0 {
		return lock.Resolution{}, fmt.Errorf("namespace backend: resolver produced no output")
	}
	r := lock.Resolution{BaseDigest: lines[0]}
	for _, line := range lines[1:] {
		idx := strings.IndexByte(line, '@')
		if idx < 0 {
			continue
		}
		r.Packages = append(r.Packages, lock.ResolvedPackage{Name: line[:idx], Version: line[idx+1:]})
	}
	return r, nil
}
