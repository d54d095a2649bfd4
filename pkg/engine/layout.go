package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FormatVersion is the only store format this engine produces or
// accepts (spec §6). A mismatch rejects all store access.
const FormatVersion = 2

type versionFile struct {
	FormatVersion int `json:"format_version"`
}

// Layout is the fixed directory structure under a store root (spec §6).
type Layout struct {
	Root     string
	Version  string
	LockFile string
	Objects  string
	Layers   string
	Metadata string
	Staging  string
	Wal      string
	Env      string
	Images   string
}

func NewLayout(root string) *Layout {
	storeDir := filepath.Join(root, "store")
	return &Layout{
		Root:     root,
		Version:  filepath.Join(storeDir, "version"),
		LockFile: filepath.Join(storeDir, ".lock"),
		Objects:  filepath.Join(storeDir, "objects"),
		Layers:   filepath.Join(storeDir, "layers"),
		Metadata: filepath.Join(storeDir, "metadata"),
		Staging:  filepath.Join(storeDir, "staging"),
		Wal:      filepath.Join(storeDir, "wal"),
		Env:      filepath.Join(root, "env"),
		Images:   filepath.Join(root, "images"),
	}
}

// EnvDir returns the per-environment directory: <root>/env/<env_id>.
func (l *Layout) EnvDir(envID string) string {
	return filepath.Join(l.Env, envID)
}

// EnsureAndCheckVersion creates every directory in the layout if
// absent, and writes or validates store/version. A mismatched
// format_version rejects all store access (spec §6); there is no
// auto-migration.
func (l *Layout) EnsureAndCheckVersion() error {
	for _, dir := range []string{l.Objects, l.Layers, l.Metadata, l.Staging, l.Wal, l.Env, l.Images} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return wrap(Internal, fmt.Sprintf("create %s", dir), err)
		}
	}

	data, err := os.ReadFile(l.Version)
	if os.IsNotExist(err) {
		vf := versionFile{FormatVersion: FormatVersion}
		out, marshalErr := json.Marshal(vf)
		if marshalErr != nil {
			return wrap(Internal, "marshal version file", marshalErr)
		}
		return os.WriteFile(l.Version, out, 0o644)
	}
	if err != nil {
		return wrap(Internal, "read version file", err)
	}

	var vf versionFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return wrap(Internal, "parse version file", err)
	}
	if vf.FormatVersion != FormatVersion {
		return &Error{Kind: Conflict, Detail: fmt.Sprintf("store format_version %d, engine expects %d; no auto-migration", vf.FormatVersion, FormatVersion)}
	}
	return nil
}
