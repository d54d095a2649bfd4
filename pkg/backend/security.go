package backend

import (
	"fmt"
	"strings"

	"github.com/marcoallegretti/karapace/pkg/config"
	"github.com/marcoallegretti/karapace/pkg/manifest"
)

// SecurityViolation names the rule a spec failed, so callers can
// report exactly why enter/exec was refused.
type SecurityViolation struct {
	Reason string
}

func (e *SecurityViolation) Error() string {
	return fmt.Sprintf("security policy: %s", e.Reason)
}

// CheckPolicy is a pure function over the normalized manifest and the
// runtime configuration ceilings (spec §4.8): rejects absolute mount
// host paths outside the allowed prefixes (relative paths are always
// permitted) and resource limits above configured ceilings. Device
// gating and environment filtering are not part of this check; they are
// done by DeviceAllowed and FilterEnv.
func CheckPolicy(n *manifest.Normalized, rc config.RuntimeConfig) error {
	for _, m := range n.Mounts {
		if strings.HasPrefix(m.Host, "/") && !hasAllowedPrefix(m.Host, rc.MountAllowedPrefixes) {
			return &SecurityViolation{Reason: fmt.Sprintf("mount %q: host path %q is outside the allowed prefixes %v", m.Label, m.Host, rc.MountAllowedPrefixes)}
		}
	}

	if n.CPUShares != nil && *n.CPUShares > rc.ResourceCeilings.MaxCPUShares {
		return &SecurityViolation{Reason: fmt.Sprintf("cpu_shares %d exceeds ceiling %d", *n.CPUShares, rc.ResourceCeilings.MaxCPUShares)}
	}
	if n.MemoryLimitMB != nil && *n.MemoryLimitMB > rc.ResourceCeilings.MaxMemoryLimitMB {
		return &SecurityViolation{Reason: fmt.Sprintf("memory_limit_mb %d exceeds ceiling %d", *n.MemoryLimitMB, rc.ResourceCeilings.MaxMemoryLimitMB)}
	}
	return nil
}

func hasAllowedPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// DeviceAllowed reports whether a device class (gpu, audio) may be
// exposed to the container, gated on the corresponding manifest
// hardware flag.
func DeviceAllowed(n *manifest.Normalized, device string) bool {
	switch device {
	case "gpu":
		return n.GPU
	case "audio":
		return n.Audio
	default:
		return false
	}
}

// FilterEnv applies the allow-list-minus-deny-list policy to a set of
// environment variables, returning only the names that should be
// passed into the container.
func FilterEnv(env map[string]string, rc config.RuntimeConfig) map[string]string {
	allow := map[string]bool{}
	for _, name := range rc.EnvAllowList {
		allow[name] = true
	}
	deny := map[string]bool{}
	for _, name := range rc.EnvDenyList {
		deny[name] = true
	}

	out := map[string]string{}
	for k, v := range env {
		if allow[k] && !deny[k] {
			out[k] = v
		}
	}
	return out
}
