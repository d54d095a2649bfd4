package app

import (
	"testing"

	"github.com/marcoallegretti/karapace/pkg/config"
)

func testAppConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	t.Setenv("CONFIG_DIR", t.TempDir())
	t.Setenv("KARAPACE_STORE", t.TempDir())
	cfg, err := config.NewAppConfig("karapace", "test-version", "test-commit", "test-date", "test-source", false, "")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestNewAppAlwaysRegistersNamespaceBackend(t *testing.T) {
	cfg := testAppConfig(t)

	a, err := NewApp(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, ok := a.Engine.Backends.Get("namespace"); !ok {
		t.Fatal("expected the namespace backend to always be registered")
	}
}

func TestNewAppEngineUsesConfiguredStoreRoot(t *testing.T) {
	cfg := testAppConfig(t)

	a, err := NewApp(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if a.Engine.Layout.Root != cfg.StoreRoot {
		t.Fatalf("expected engine layout root %s, got %s", cfg.StoreRoot, a.Engine.Layout.Root)
	}
}

func TestAppCloseStopsCancelHandlerWithoutError(t *testing.T) {
	cfg := testAppConfig(t)

	a, err := NewApp(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
}
