package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/taskpilot/internal/config"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Remote.BindAddr == "" {
		t.Fatal("bind addr default missing")
	}
	if cfg.TasksDir != filepath.Join(home, "tasks") {
		t.Fatalf("unexpected tasks dir: %s", cfg.TasksDir)
	}
	if cfg.Agent.TaskTimeoutSeconds != 600 {
		t.Fatalf("unexpected task timeout: %d", cfg.Agent.TaskTimeoutSeconds)
	}
}

func TestLoad_ReadsYAML(t *testing.T) {
	home := t.TempDir()
	body := `
log_level: debug
remote:
  bind_addr: "127.0.0.1:9999"
  api_keys: "k1,k2"
security:
  strict_mode: true
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level: %s", cfg.LogLevel)
	}
	if cfg.Remote.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("bind addr: %s", cfg.Remote.BindAddr)
	}
	if cfg.Remote.APIKeys != "k1,k2" {
		t.Fatalf("api keys: %s", cfg.Remote.APIKeys)
	}
	if !cfg.Security.StrictMode {
		t.Fatal("strict mode should be on")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKPILOT_API_KEYS", "env-key")
	t.Setenv("SECURITY_STRICT_MODE", "YES")

	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Remote.APIKeys != "env-key" {
		t.Fatalf("env override not applied: %s", cfg.Remote.APIKeys)
	}
	if !cfg.Security.StrictMode {
		t.Fatal("SECURITY_STRICT_MODE=YES should enable strict mode")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("remote: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprint_StableAndSecretFree(t *testing.T) {
	home := t.TempDir()
	cfg, _ := config.Load(home)
	fp1 := cfg.Fingerprint()
	fp2 := cfg.Fingerprint()
	if fp1 == "" || fp1 != fp2 {
		t.Fatalf("fingerprint not stable: %q vs %q", fp1, fp2)
	}

	// Changing only the secret keys must not change the fingerprint.
	withKeys := cfg
	withKeys.Remote.APIKeys = "super-secret"
	if withKeys.Fingerprint() != fp1 {
		t.Fatal("fingerprint should not depend on api keys")
	}

	// Changing the bind addr must change it.
	moved := cfg
	moved.Remote.BindAddr = "127.0.0.1:1"
	if moved.Fingerprint() == fp1 {
		t.Fatal("fingerprint should depend on bind addr")
	}
}
