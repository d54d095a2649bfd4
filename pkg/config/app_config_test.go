package config

import (
	"path/filepath"
	"testing"
)

func TestNewAppConfigAppliesDefaults(t *testing.T) {
	t.Setenv("CONFIG_DIR", t.TempDir())
	t.Setenv("KARAPACE_STORE", "")

	conf, err := NewAppConfig("karapace-test", "version", "commit", "date", "source", false, "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if conf.UserConfig.Runtime.DefaultBackend != "namespace" {
		t.Fatalf("expected default backend 'namespace', got %q", conf.UserConfig.Runtime.DefaultBackend)
	}
	if conf.UserConfig.Runtime.ResourceCeilings.MaxCPUShares != 4096 {
		t.Fatalf("expected default cpu ceiling, got %d", conf.UserConfig.Runtime.ResourceCeilings.MaxCPUShares)
	}
}

func TestStoreOverridePrecedence(t *testing.T) {
	t.Setenv("CONFIG_DIR", t.TempDir())
	override := filepath.Join(t.TempDir(), "store-override")
	t.Setenv("KARAPACE_STORE", "")

	conf, err := NewAppConfig("karapace-test", "v", "c", "d", "s", false, override)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if conf.StoreRoot != override {
		t.Fatalf("expected override store root %q, got %q", override, conf.StoreRoot)
	}

	envOverride := filepath.Join(t.TempDir(), "store-env")
	t.Setenv("KARAPACE_STORE", envOverride)
	conf2, err := NewAppConfig("karapace-test", "v", "c", "d", "s", false, override)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if conf2.StoreRoot != envOverride {
		t.Fatalf("expected env to win, got %q", conf2.StoreRoot)
	}
}
