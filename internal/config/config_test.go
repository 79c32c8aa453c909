package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Storage.Root != "/srv/storage" {
		t.Errorf("unexpected root %s", cfg.Storage.Root)
	}
	if cfg.Download.PerTaskMaxActive != 3 || cfg.Download.GlobalQueueLimit != 25 {
		t.Errorf("unexpected download caps: %+v", cfg.Download)
	}
	if cfg.Worker.MaxResolveAttempts != 240 || cfg.Worker.ResolvePollDelay.Std() != 5*time.Second {
		t.Errorf("unexpected resolve pacing: %+v", cfg.Worker)
	}
	if cfg.Storage.LowSpaceFloorBytes() != 10*1024*1024*1024 {
		t.Errorf("unexpected floor %d", cfg.Storage.LowSpaceFloorBytes())
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
storage:
  root: /data
  low_space_floor_gb: 20
download:
  per_task_max_active: 5
provider:
  api_key: secret
stream:
  heartbeat_interval: 10s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Root != "/data" || cfg.Storage.LowSpaceFloorGB != 20 {
		t.Errorf("storage overrides not applied: %+v", cfg.Storage)
	}
	if cfg.Download.PerTaskMaxActive != 5 {
		t.Errorf("download override not applied: %d", cfg.Download.PerTaskMaxActive)
	}
	if cfg.Stream.HeartbeatInterval.Std() != 10*time.Second {
		t.Errorf("duration override not applied: %v", cfg.Stream.HeartbeatInterval)
	}
	// Untouched fields keep their defaults.
	if cfg.Download.GlobalQueueLimit != 25 {
		t.Errorf("default lost: %d", cfg.Download.GlobalQueueLimit)
	}
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("storage:\n  root: /from-yaml\n"), 0o644)

	t.Setenv("STORAGE_ROOT", "/from-env")
	t.Setenv("PROVIDER_API_KEY", "env-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Root != "/from-env" {
		t.Errorf("env must win over yaml, got %s", cfg.Storage.Root)
	}
	if cfg.Provider.APIKey != "env-key" {
		t.Errorf("api key env override not applied")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Download.PerTaskMaxActive = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for zero per_task_max_active")
	}

	cfg = Default()
	cfg.Storage.Root = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for empty root")
	}

	cfg = Default()
	cfg.Provider.RatePerSec = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for zero rate limit")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}
