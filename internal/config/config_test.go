package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("")
	if cfg.Paths.DataRoot != "./.forge" {
		t.Errorf("expected DataRoot=./.forge, got %s", cfg.Paths.DataRoot)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected MaxAttempts=5, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Runtime.InterpreterBinary != "forge-skill-runner" {
		t.Errorf("expected InterpreterBinary=forge-skill-runner, got %s", cfg.Runtime.InterpreterBinary)
	}
}

func TestDefaultConfig_DerivesPathsFromDataRoot(t *testing.T) {
	cfg := DefaultConfig("/var/forge")
	if cfg.Paths.LedgerPath != "/var/forge/ledger.db" {
		t.Errorf("expected ledger path derived from data root, got %s", cfg.Paths.LedgerPath)
	}
	if cfg.Paths.RegistryPath != "/var/forge/registry.yaml" {
		t.Errorf("expected registry path derived from data root, got %s", cfg.Paths.RegistryPath)
	}
}

func TestSaveLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig(dir)
	cfg.Gateway.BaseURL = "http://localhost:8090/v1"
	cfg.Retry.MaxAttempts = 9

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Gateway.BaseURL != "http://localhost:8090/v1" {
		t.Errorf("expected gateway base url to round-trip, got %s", loaded.Gateway.BaseURL)
	}
	if loaded.Retry.MaxAttempts != 9 {
		t.Errorf("expected MaxAttempts=9, got %d", loaded.Retry.MaxAttempts)
	}
}

func TestLoadFallsBackToDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected default MaxAttempts=5, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FORGE_DATA_ROOT", "/env/forge")
	t.Setenv("FORGE_GATEWAY_URL", "http://env-gateway/v1")
	t.Setenv("FORGE_GATEWAY_API_KEY", "env-key")
	t.Setenv("FORGE_SANDBOX_TIMEOUT", "90s")
	t.Setenv("FORGE_TEST_TIMEOUT", "45s")
	t.Setenv("FORGE_RETRY_LIMIT", "3")
	t.Setenv("FORGE_DEBUG", "1")

	cfg := DefaultConfig("")
	applyEnvOverrides(cfg)

	if cfg.Paths.DataRoot != "/env/forge" {
		t.Errorf("expected DataRoot override, got %s", cfg.Paths.DataRoot)
	}
	if cfg.Gateway.BaseURL != "http://env-gateway/v1" {
		t.Errorf("expected Gateway.BaseURL override, got %s", cfg.Gateway.BaseURL)
	}
	if cfg.Gateway.APIKey != "env-key" {
		t.Errorf("expected Gateway.APIKey override, got %s", cfg.Gateway.APIKey)
	}
	if cfg.Sandbox.BuildTimeout != 90*time.Second {
		t.Errorf("expected Sandbox.BuildTimeout=90s, got %s", cfg.Sandbox.BuildTimeout)
	}
	if cfg.Verify.GateTimeout != 45*time.Second {
		t.Errorf("expected Verify.GateTimeout=45s, got %s", cfg.Verify.GateTimeout)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected Retry.MaxAttempts=3, got %d", cfg.Retry.MaxAttempts)
	}
	if !cfg.Logging.DebugMode {
		t.Error("expected Logging.DebugMode=true")
	}
}

func TestEnvOverrides_IgnoresUnsetVars(t *testing.T) {
	os.Unsetenv("FORGE_DATA_ROOT")
	cfg := DefaultConfig("/orig")
	applyEnvOverrides(cfg)
	if cfg.Paths.DataRoot != "/orig" {
		t.Errorf("expected DataRoot unchanged, got %s", cfg.Paths.DataRoot)
	}
}
