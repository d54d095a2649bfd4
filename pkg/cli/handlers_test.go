package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/marcoallegretti/karapace/pkg/app"
	"github.com/marcoallegretti/karapace/pkg/backend"
	"github.com/marcoallegretti/karapace/pkg/engine"
	"github.com/marcoallegretti/karapace/pkg/lock"
	"github.com/marcoallegretti/karapace/pkg/store/layers"
	"github.com/sirupsen/logrus"
)

const testManifest = `
manifest_version: 1
base:
  image: rolling
system:
  packages:
    - curl
runtime:
  backend: mock
`

func newTestApp(t *testing.T) (*app.App, string) {
	t.Helper()
	root := t.TempDir()
	mock := &backend.MockBackend{
		NameFunc: func() string { return "mock" },
		ResolveFunc: func(ctx context.Context, spec backend.Spec) (lock.Resolution, error) {
			return lock.Resolution{BaseDigest: "sha256:deadbeef", Packages: []lock.ResolvedPackage{{Name: "curl", Version: "8.5.0"}}}, nil
		},
	}
	registry := backend.NewRegistry(mock)
	e, err := engine.New(root, registry, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatal(err)
	}

	manifestPath := filepath.Join(t.TempDir(), "manifest.yml")
	if err := os.WriteFile(manifestPath, []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	return &app.App{Engine: e}, manifestPath
}

func TestCmdDiffReportsAddedRemovedAndModifiedPaths(t *testing.T) {
	a, manifestPath := newTestApp(t)
	ctx := Context{App: a}

	r, err := a.Engine.Build(context.Background(), manifestPath)
	if err != nil {
		t.Fatal(err)
	}
	upper := filepath.Join(a.Engine.Layout.EnvDir(r.ID), "upper")
	if err := os.WriteFile(filepath.Join(upper, "unchanged.txt"), []byte("same"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(upper, "removed.txt"), []byte("gone-after-edit"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(upper, "modified.txt"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	snapshotHash, err := a.Engine.Commit(r.ID)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(upper, "removed.txt")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(upper, "modified.txt"), []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(upper, "added.txt"), []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}

	stdout := os.Stdout
	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = writeEnd
	diffErr := cmdDiff(ctx, r.ID, snapshotHash)
	os.Stdout = stdout
	writeEnd.Close()
	out, err := io.ReadAll(readEnd)
	if err != nil {
		t.Fatal(err)
	}
	if diffErr != nil {
		t.Fatal(diffErr)
	}

	want := "added added.txt\nmodified modified.txt\nremoved removed.txt\n"
	if string(out) != want {
		t.Fatalf("expected diff output %q, got %q", want, out)
	}
}

func TestCmdDiffRejectsSnapshotFromAnotherBaseLayer(t *testing.T) {
	a, manifestPath := newTestApp(t)
	ctx := Context{App: a}

	r, err := a.Engine.Build(context.Background(), manifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Engine.Commit(r.ID); err != nil {
		t.Fatal(err)
	}

	foreignHash := layers.SnapshotHash(r.ID, "some-other-base-layer-hash", "deadbeef")
	if _, err := a.Engine.Layers.Put(layers.Manifest{
		Hash:    foreignHash,
		Kind:    layers.Snapshot,
		Parent:  "some-other-base-layer-hash",
		TarHash: "deadbeef",
	}); err != nil {
		t.Fatal(err)
	}
	if err := cmdDiff(ctx, r.ID, foreignHash); err == nil {
		t.Fatal("expected diff against a snapshot from another base layer to be rejected")
	}
}
