package backend

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/marcoallegretti/karapace/pkg/config"
	"github.com/marcoallegretti/karapace/pkg/lock"
	"github.com/marcoallegretti/karapace/pkg/manifest"
	"github.com/sirupsen/logrus"
)

// OCIBackend runs environments as Docker containers, grounded on the
// teacher's DockerCommand: a thin struct wrapping *client.Client.
type OCIBackend struct {
	Log    *logrus.Entry
	Config *config.AppConfig
	Client *client.Client
}

// NewOCIBackend builds a Docker client the same way DockerCommand does:
// from the environment (DOCKER_HOST et al.), with API version
// negotiation. No request reaches the daemon here; Available pings it.
func NewOCIBackend(log *logrus.Entry, cfg *config.AppConfig) (*OCIBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("oci backend: connect: %w", err)
	}
	return &OCIBackend{Log: log, Config: cfg, Client: cli}, nil
}

func (b *OCIBackend) Name() string { return "oci" }

func (b *OCIBackend) Available() bool {
	_, err := b.Client.Ping(context.Background())
	return err == nil
}

// Resolve pulls the base image (if not already cached) and reports its
// image ID as base_digest. No per-package resolution is done: each
// requested package is recorded with the base image ID as its version.
func (b *OCIBackend) Resolve(ctx context.Context, spec Spec) (lock.Resolution, error) {
	reader, err := b.Client.ImagePull(ctx, spec.Normalized.BaseImage, image.PullOptions{})
	if err != nil {
		return lock.Resolution{}, fmt.Errorf("oci backend: pull %s: %w", spec.Normalized.BaseImage, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return lock.Resolution{}, fmt.Errorf("oci backend: pull %s: %w", spec.Normalized.BaseImage, err)
	}

	inspect, err := b.Client.ImageInspect(ctx, spec.Normalized.BaseImage)
	if err != nil {
		return lock.Resolution{}, fmt.Errorf("oci backend: inspect %s: %w", spec.Normalized.BaseImage, err)
	}

	var packages []lock.ResolvedPackage
	for _, name := range spec.Normalized.Packages {
		packages = append(packages, lock.ResolvedPackage{Name: name, Version: inspect.ID})
	}
	return lock.Resolution{BaseDigest: inspect.ID, Packages: packages}, nil
}

// Build creates the container (without starting it) so enter/exec
// have a target to attach to; the overlay's merged view is the
// container's own writable layer, not a host-side mount, for this
// backend.
func (b *OCIBackend) Build(ctx context.Context, spec Spec) error {
	rc := b.Config.UserConfig.Runtime
	_, err := b.Client.ContainerCreate(ctx, &container.Config{
		Image:        spec.Normalized.BaseImage,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          filteredEnviron(rc),
	}, &container.HostConfig{
		Resources: hostResourceLimits(spec),
	}, nil, nil, containerName(spec.EnvID))
	if err != nil {
		return fmt.Errorf("oci backend: create: %w", err)
	}
	return nil
}

func hostResourceLimits(spec Spec) container.Resources {
	var r container.Resources
	if spec.Normalized.CPUShares != nil {
		r.CPUShares = int64(*spec.Normalized.CPUShares)
	}
	if spec.Normalized.MemoryLimitMB != nil {
		r.Memory = int64(*spec.Normalized.MemoryLimitMB) * 1024 * 1024
	}
	r.Devices = allowedDeviceMappings(spec.Normalized)
	return r
}

// allowedDeviceMappings exposes only the device classes DeviceAllowed
// grants for this manifest, mirroring the namespace backend's
// mountAllowedDevices gate for the container runtime path.
func allowedDeviceMappings(n *manifest.Normalized) []container.DeviceMapping {
	var mappings []container.DeviceMapping
	for _, d := range devicePassthrough {
		if !DeviceAllowed(n, d.name) {
			continue
		}
		if _, err := os.Stat(d.hostPath); err != nil {
			continue
		}
		mappings = append(mappings, container.DeviceMapping{
			PathOnHost:        d.hostPath,
			PathInContainer:   d.hostPath,
			CgroupPermissions: "rwm",
		})
	}
	return mappings
}

func containerName(envID string) string {
	return "karapace-" + envID
}

func (b *OCIBackend) Enter(ctx context.Context, spec Spec, cmd []string) error {
	if err := CheckPolicy(spec.Normalized, b.Config.UserConfig.Runtime); err != nil {
		return err
	}
	return b.Client.ContainerStart(ctx, containerName(spec.EnvID), container.StartOptions{})
}

func (b *OCIBackend) Exec(ctx context.Context, spec Spec, cmd []string) error {
	if err := CheckPolicy(spec.Normalized, b.Config.UserConfig.Runtime); err != nil {
		return err
	}
	execCfg := container.ExecOptions{Cmd: cmd, AttachStdout: true, AttachStderr: true}
	created, err := b.Client.ContainerExecCreate(ctx, containerName(spec.EnvID), execCfg)
	if err != nil {
		return fmt.Errorf("oci backend: exec create: %w", err)
	}
	attach, err := b.Client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("oci backend: exec attach: %w", err)
	}
	defer attach.Close()
	_, err = io.Copy(os.Stdout, attach.Reader)
	return err
}

// Stop requests a graceful container stop, leaving it present for a
// later enter/exec; Destroy is what removes it.
func (b *OCIBackend) Stop(ctx context.Context, spec Spec) error {
	timeout := int(b.Config.UserConfig.Runtime.StopTimeout.Seconds())
	return b.Client.ContainerStop(ctx, containerName(spec.EnvID), container.StopOptions{Timeout: &timeout})
}

func (b *OCIBackend) Destroy(ctx context.Context, spec Spec) error {
	timeout := int(b.Config.UserConfig.Runtime.StopTimeout.Seconds())
	_ = b.Client.ContainerStop(ctx, containerName(spec.EnvID), container.StopOptions{Timeout: &timeout})
	return b.Client.ContainerRemove(ctx, containerName(spec.EnvID), container.RemoveOptions{Force: true})
}

func (b *OCIBackend) StatusOf(ctx context.Context, envID string) (Status, error) {
	inspect, err := b.Client.ContainerInspect(ctx, containerName(envID))
	if err != nil {
		return Status{Running: false}, nil
	}
	var status Status
	if inspect.State != nil {
		status.Detail = inspect.State.Status
		status.Running = inspect.State.Running
		status.Pid = inspect.State.Pid
	}
	return status, nil
}
