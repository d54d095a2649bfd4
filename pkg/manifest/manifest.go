// Package manifest parses and normalizes the declarative environment
// manifest (spec §3, §4.1). Parsing enforces the grammar and rejects
// unknown keys; normalization is a pure, deterministic function from a
// parsed Manifest to canonical serialized bytes.
package manifest

import (
	"fmt"
	"strings"

	yaml "github.com/jesseduffield/yaml"
)

// ManifestVersion is the only manifest_version this engine accepts.
const ManifestVersion = 1

// Manifest is the parsed, but not yet normalized, declarative form.
type Manifest struct {
	ManifestVersion int             `yaml:"manifest_version"`
	Base            BaseSpec        `yaml:"base"`
	System          SystemSpec      `yaml:"system"`
	Gui             GuiSpec         `yaml:"gui"`
	Hardware        HardwareSpec    `yaml:"hardware"`
	Mounts          map[string]string `yaml:"mounts"`
	Runtime         RuntimeSpec     `yaml:"runtime"`
}

// BaseSpec is the base.* manifest section.
type BaseSpec struct {
	Image string `yaml:"image"`
}

// SystemSpec is the system.* manifest section.
type SystemSpec struct {
	Packages []string `yaml:"packages"`
}

// GuiSpec is the gui.* manifest section.
type GuiSpec struct {
	Apps []string `yaml:"apps"`
}

// HardwareSpec is the hardware.* manifest section.
type HardwareSpec struct {
	GPU   bool `yaml:"gpu"`
	Audio bool `yaml:"audio"`
}

// RuntimeSpec is the runtime.* manifest section.
type RuntimeSpec struct {
	Backend           string               `yaml:"backend"`
	NetworkIsolation  bool                 `yaml:"network_isolation"`
	ResourceLimits    ResourceLimitsSpec   `yaml:"resource_limits"`
}

// ResourceLimitsSpec is the runtime.resource_limits.* manifest section.
// Pointers distinguish "unset" from "set to zero", since both cpu_shares
// and memory_limit_mb are optional per spec §3.
type ResourceLimitsSpec struct {
	CPUShares     *int `yaml:"cpu_shares"`
	MemoryLimitMB *int `yaml:"memory_limit_mb"`
}

// knownTopLevelKeys is used by the raw-map pre-pass in Parse to reject
// unknown keys, since yaml.Unmarshal into a typed struct silently drops
// fields it doesn't recognize.
var knownTopLevelKeys = map[string]bool{
	"manifest_version": true,
	"base":              true,
	"system":            true,
	"gui":               true,
	"hardware":          true,
	"mounts":            true,
	"runtime":           true,
}

var knownRuntimeKeys = map[string]bool{
	"backend":            true,
	"network_isolation":  true,
	"resource_limits":    true,
}

var knownResourceLimitKeys = map[string]bool{
	"cpu_shares":       true,
	"memory_limit_mb":  true,
}

var knownBaseKeys = map[string]bool{"image": true}
var knownSystemKeys = map[string]bool{"packages": true}
var knownGuiKeys = map[string]bool{"apps": true}
var knownHardwareKeys = map[string]bool{"gpu": true, "audio": true}

// Parse parses text into a Manifest, enforcing the grammar in spec §3.
// It rejects unknown keys at every level and validates the fields that
// can be checked independent of normalization (non-empty base.image,
// well-formed mount specs).
func Parse(text []byte) (*Manifest, error) {
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(text, &raw); err != nil {
		return nil, &Error{Kind: ErrParse, Detail: err.Error()}
	}

	if err := rejectUnknownKeys(raw, knownTopLevelKeys, "top-level"); err != nil {
		return nil, err
	}
	if rawRuntime, ok := raw["runtime"]; ok {
		if m, ok := rawRuntime.(map[string]interface{}); ok {
			if err := rejectUnknownKeys(m, knownRuntimeKeys, "runtime"); err != nil {
				return nil, err
			}
			if rawLimits, ok := m["resource_limits"]; ok {
				if lm, ok := rawLimits.(map[string]interface{}); ok {
					if err := rejectUnknownKeys(lm, knownResourceLimitKeys, "runtime.resource_limits"); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	if rawBase, ok := raw["base"]; ok {
		if m, ok := rawBase.(map[string]interface{}); ok {
			if err := rejectUnknownKeys(m, knownBaseKeys, "base"); err != nil {
				return nil, err
			}
		}
	}
	if rawSystem, ok := raw["system"]; ok {
		if m, ok := rawSystem.(map[string]interface{}); ok {
			if err := rejectUnknownKeys(m, knownSystemKeys, "system"); err != nil {
				return nil, err
			}
		}
	}
	if rawGui, ok := raw["gui"]; ok {
		if m, ok := rawGui.(map[string]interface{}); ok {
			if err := rejectUnknownKeys(m, knownGuiKeys, "gui"); err != nil {
				return nil, err
			}
		}
	}
	if rawHw, ok := raw["hardware"]; ok {
		if m, ok := rawHw.(map[string]interface{}); ok {
			if err := rejectUnknownKeys(m, knownHardwareKeys, "hardware"); err != nil {
				return nil, err
			}
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(text, &m); err != nil {
		return nil, &Error{Kind: ErrParse, Detail: err.Error()}
	}

	if m.ManifestVersion != ManifestVersion {
		return nil, &Error{Kind: ErrInvalid, Detail: fmt.Sprintf("manifest_version must be %d, got %d", ManifestVersion, m.ManifestVersion)}
	}
	if m.Base.Image == "" {
		return nil, &Error{Kind: ErrInvalid, Detail: "base.image must not be empty"}
	}
	backend := m.Runtime.Backend
	if backend != "" {
		switch strings.ToLower(backend) {
		case "namespace", "oci", "mock":
		default:
			return nil, &Error{Kind: ErrInvalid, Detail: fmt.Sprintf("runtime.backend must be one of namespace, oci, mock; got %q", backend)}
		}
	}
	for label, spec := range m.Mounts {
		if err := validateMountSpec(label, spec); err != nil {
			return nil, err
		}
	}

	return &m, nil
}

func rejectUnknownKeys(m map[string]interface{}, known map[string]bool, section string) error {
	for k := range m {
		if !known[k] {
			return &Error{Kind: ErrUnknownField, Detail: fmt.Sprintf("%s: unknown field %q", section, k)}
		}
	}
	return nil
}

func validateMountSpec(label, spec string) error {
	sepIdx := strings.IndexByte(spec, ':')
	if sepIdx < 0 {
		return &Error{Kind: ErrInvalid, Detail: fmt.Sprintf("mount %q: expected <host_path>:<container_path>", label)}
	}
	host, container := spec[:sepIdx], spec[sepIdx+1:]
	if strings.IndexByte(container, ':') >= 0 {
		return &Error{Kind: ErrInvalid, Detail: fmt.Sprintf("mount %q: expected exactly one ':' separator", label)}
	}
	if host == "" || container == "" {
		return &Error{Kind: ErrInvalid, Detail: fmt.Sprintf("mount %q: host and container paths must be non-empty", label)}
	}
	return nil
}
