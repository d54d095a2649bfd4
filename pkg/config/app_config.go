// Package config handles karapace's configuration: the store root, the
// resource ceilings the security policy enforces, and the handful of
// runtime defaults a user can override in config.yml. You can view the
// current default configuration with `karapace --config`.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/OpenPeeDeeP/xdg"
	"github.com/imdario/mergo"
	yaml "github.com/jesseduffield/yaml"
)

// UserConfig holds all of the user-configurable options.
type UserConfig struct {
	// Store configures where the content-addressed store lives on disk.
	Store StoreConfig `yaml:"store,omitempty"`

	// Runtime configures backend selection, timeouts, and the security
	// policy ceilings enforced by pkg/backend.
	Runtime RuntimeConfig `yaml:"runtime,omitempty"`

	// Reporting is loaded from and defaulted in the user config; no code
	// reads it and no error reports are sent.
	Reporting string `yaml:"reporting,omitempty"`
}

// StoreConfig configures the content-addressed store location.
type StoreConfig struct {
	// Root overrides the default store root (XDG data dir). Empty means
	// use the default. KARAPACE_STORE takes precedence over this.
	Root string `yaml:"root,omitempty"`
}

// RuntimeConfig configures backend selection and the security policy.
type RuntimeConfig struct {
	// DefaultBackend is loaded from and defaulted in the user config; no
	// code reads it, so it does not supply a backend for a manifest that
	// leaves runtime.backend unset.
	DefaultBackend string `yaml:"defaultBackend,omitempty"`

	// StopTimeout is how long `stop` waits after TERM before sending KILL.
	StopTimeout time.Duration `yaml:"stopTimeout,omitempty"`

	// ResourceCeilings bounds what a manifest may request.
	ResourceCeilings ResourceCeilings `yaml:"resourceCeilings,omitempty"`

	// MountAllowedPrefixes lists the absolute host-path prefixes the
	// security policy permits for mounts, in addition to relative paths
	// (always permitted).
	MountAllowedPrefixes []string `yaml:"mountAllowedPrefixes,omitempty"`

	// EnvAllowList and EnvDenyList filter which environment variables a
	// container may inherit. Deny wins over allow.
	EnvAllowList []string `yaml:"envAllowList,omitempty"`
	EnvDenyList  []string `yaml:"envDenyList,omitempty"`
}

// ResourceCeilings bounds the resource_limits a manifest may request.
type ResourceCeilings struct {
	MaxCPUShares     int `yaml:"maxCpuShares,omitempty"`
	MaxMemoryLimitMB int `yaml:"maxMemoryLimitMb,omitempty"`
}

// GetDefaultConfig returns the application's default configuration.
// NOTE (to contributors, not users): do not default a boolean to true,
// because false is the zero value and will be silently overwritten by
// whatever a partially-specified user config merges in.
func GetDefaultConfig() UserConfig {
	return UserConfig{
		Store: StoreConfig{},
		Runtime: RuntimeConfig{
			DefaultBackend: "namespace",
			StopTimeout:    10 * time.Second,
			ResourceCeilings: ResourceCeilings{
				MaxCPUShares:     4096,
				MaxMemoryLimitMB: 16384,
			},
			MountAllowedPrefixes: []string{"/home", "/tmp"},
			EnvAllowList:         []string{"PATH", "HOME", "TERM", "LANG", "USER"},
			EnvDenyList:          []string{"AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN"},
		},
		Reporting: "undetermined",
	}
}

// AppConfig contains the base configuration fields required for karapace.
type AppConfig struct {
	Debug       bool
	Version     string
	Commit      string
	BuildDate   string
	Name        string
	BuildSource string
	UserConfig  *UserConfig
	ConfigDir   string

	// StoreRoot is the resolved store root: KARAPACE_STORE, else the
	// storeOverride passed to NewAppConfig (the --store flag), else
	// UserConfig.Store.Root, else the XDG data directory.
	StoreRoot string
}

// NewAppConfig makes a new app config.
func NewAppConfig(name, version, commit, date, buildSource string, debuggingFlag bool, storeOverride string) (*AppConfig, error) {
	configDir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, err
	}

	userConfig, err := loadUserConfigWithDefaults(configDir)
	if err != nil {
		return nil, err
	}

	appConfig := &AppConfig{
		Name:        name,
		Version:     version,
		Commit:      commit,
		BuildDate:   date,
		Debug:       debuggingFlag || os.Getenv("DEBUG") == "TRUE",
		BuildSource: buildSource,
		UserConfig:  userConfig,
		ConfigDir:   configDir,
		StoreRoot:   resolveStoreRoot(name, storeOverride, userConfig),
	}

	return appConfig, nil
}

func resolveStoreRoot(name, override string, userConfig *UserConfig) string {
	if env := os.Getenv("KARAPACE_STORE"); env != "" {
		return env
	}
	if override != "" {
		return override
	}
	if userConfig.Store.Root != "" {
		return userConfig.Store.Root
	}
	return xdg.New("", name).DataHome()
}

func configDir(projectName string) string {
	if envConfigDir := os.Getenv("CONFIG_DIR"); envConfigDir != "" {
		return envConfigDir
	}
	return xdg.New("", projectName).ConfigHome()
}

func findOrCreateConfigDir(projectName string) (string, error) {
	folder := configDir(projectName)

	err := os.MkdirAll(folder, 0o755)
	if err != nil {
		return "", err
	}

	return folder, nil
}

func loadUserConfigWithDefaults(configDir string) (*UserConfig, error) {
	userConfig, err := loadUserConfig(configDir)
	if err != nil {
		return nil, err
	}

	defaults := GetDefaultConfig()
	if err := mergo.Merge(userConfig, defaults); err != nil {
		return nil, err
	}

	return userConfig, nil
}

func loadUserConfig(configDir string) (*UserConfig, error) {
	fileName := filepath.Join(configDir, "config.yml")

	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, err := os.Create(fileName)
			if err != nil {
				return nil, err
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}

	userConfig := &UserConfig{}
	if err := yaml.Unmarshal(content, userConfig); err != nil {
		return nil, err
	}

	return userConfig, nil
}

// WriteToUserConfig allows you to set a value on the user config to be
// saved. Note that if you set a zero-value, it may be ignored, because
// we use the omitempty yaml directive so we don't write a heap of zero
// values to the user's config.yml.
func (c *AppConfig) WriteToUserConfig(updateConfig func(*UserConfig) error) error {
	userConfig, err := loadUserConfig(c.ConfigDir)
	if err != nil {
		return err
	}

	if err := updateConfig(userConfig); err != nil {
		return err
	}

	file, err := os.OpenFile(c.ConfigFilename(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	defer file.Close()

	return yaml.NewEncoder(file).Encode(userConfig)
}

// ConfigFilename returns the filename of the current config file.
func (c *AppConfig) ConfigFilename() string {
	return filepath.Join(c.ConfigDir, "config.yml")
}
