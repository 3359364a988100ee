package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rollout.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Launcher.Name != "simulated" {
		t.Errorf("store/launcher = %q/%q", cfg.Store.Driver, cfg.Launcher.Name)
	}
	if cfg.Auth.Enabled {
		t.Error("auth should be off by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
	if got := cfg.DBPath(); got != filepath.Join("data", "rollout.db") {
		t.Errorf("DBPath = %q", got)
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Scheduler.PollInterval)
	}
	if cfg.Uninstall.KillRetry != 5*time.Second {
		t.Errorf("KillRetry = %v", cfg.Uninstall.KillRetry)
	}
	if cfg.Uninstall.DrainTimeout != 30*time.Second {
		t.Errorf("DrainTimeout = %v", cfg.Uninstall.DrainTimeout)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8181"
store:
  driver: memory
launcher:
  name: docker
  settings:
    image: busybox:1.36
scheduler:
  step_timeout: 2m
uninstall:
  launch_config: /etc/rollout/launch.env
log_format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8181" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Driver = %q", cfg.Store.Driver)
	}
	if cfg.Launcher.Name != "docker" || cfg.Launcher.Settings["image"] != "busybox:1.36" {
		t.Errorf("Launcher = %+v", cfg.Launcher)
	}
	if cfg.Scheduler.StepTimeout != 2*time.Minute {
		t.Errorf("StepTimeout = %v", cfg.Scheduler.StepTimeout)
	}
	if cfg.Scheduler.PollInterval != 250*time.Millisecond {
		t.Errorf("unset keys keep defaults, PollInterval = %v", cfg.Scheduler.PollInterval)
	}
	if cfg.Uninstall.LaunchConfig != "/etc/rollout/launch.env" {
		t.Errorf("LaunchConfig = %q", cfg.Uninstall.LaunchConfig)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":8181\"\n")
	t.Setenv("ROLLOUT_SERVER_ADDR", ":7070")
	t.Setenv("ROLLOUT_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("Addr = %q, want env override", cfg.Server.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "store:\n  driver: postgres\n")); err == nil {
		t.Error("expected error for unknown store driver")
	}
	if _, err := Load(writeConfig(t, "auth:\n  enabled: true\n")); err == nil {
		t.Error("expected error for auth without secret")
	}
}
