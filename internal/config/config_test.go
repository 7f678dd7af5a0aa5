package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pmi.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultEngineValues(t *testing.T) {
	cfg := Default()
	if cfg.Engine.FailureThreshold != 3 {
		t.Errorf("failure threshold = %d, want 3", cfg.Engine.FailureThreshold)
	}
	if cfg.Engine.MaxBackoffMultiplier != 8 {
		t.Errorf("max backoff multiplier = %d, want 8", cfg.Engine.MaxBackoffMultiplier)
	}
	if cfg.Engine.StopAfterFailures != 6 {
		t.Errorf("stop after failures = %d, want 6", cfg.Engine.StopAfterFailures)
	}
	if cfg.Engine.FetchTimeout.Duration() != 30*time.Second {
		t.Errorf("fetch timeout = %s, want 30s", cfg.Engine.FetchTimeout.Duration())
	}
	if cfg.Engine.SignificanceThreshold != 0.01 {
		t.Errorf("significance threshold = %v, want 0.01", cfg.Engine.SignificanceThreshold)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 8080
engine:
  failure_threshold: 5
  fetch_timeout: 10s
pve:
  - name: lab
    host: https://pve.example.com:8006
    token_name: monitor@pam!dashboard
    token_value: secret
    monitor_guests: true
    node_interval: 5s
acronis:
  - name: backups
    host: https://acronis.example.com
    client_id: cid
    client_secret: csecret
    agent_interval: 1m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Engine.FailureThreshold != 5 {
		t.Errorf("failure threshold = %d, want 5", cfg.Engine.FailureThreshold)
	}
	if cfg.Engine.FetchTimeout.Duration() != 10*time.Second {
		t.Errorf("fetch timeout = %s, want 10s", cfg.Engine.FetchTimeout.Duration())
	}
	if len(cfg.PVE) != 1 || cfg.PVE[0].Name != "lab" {
		t.Fatalf("pve instances = %+v", cfg.PVE)
	}
	if cfg.PVE[0].NodeInterval.Duration() != 5*time.Second {
		t.Errorf("node interval = %s, want 5s", cfg.PVE[0].NodeInterval.Duration())
	}
	// Unset guest interval falls back during validation.
	if cfg.PVE[0].GuestInterval.Duration() != 15*time.Second {
		t.Errorf("guest interval = %s, want default 15s", cfg.PVE[0].GuestInterval.Duration())
	}
	if cfg.Acronis[0].AgentInterval.Duration() != time.Minute {
		t.Errorf("agent interval = %s, want 1m", cfg.Acronis[0].AgentInterval.Duration())
	}
	if cfg.ConfigPath != path {
		t.Errorf("config path = %q, want %q", cfg.ConfigPath, path)
	}
}

func TestLoadMissingExplicitPathFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PMI_SERVER_PORT", "9001")
	t.Setenv("PMI_LOG_LEVEL", "DEBUG")
	t.Setenv("PMI_FETCH_TIMEOUT", "12s")
	t.Setenv("PMI_MOCK_MODE", "true")
	t.Setenv("PMI_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("server port = %d, want 9001", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Engine.FetchTimeout.Duration() != 12*time.Second {
		t.Errorf("fetch timeout = %s, want 12s", cfg.Engine.FetchTimeout.Duration())
	}
	if !cfg.MockMode {
		t.Error("expected mock mode enabled")
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("allowed origins = %v", cfg.Server.AllowedOrigins)
	}
}

func TestDotEnvLoadedNextToConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pmi.yml")
	if err := os.WriteFile(path, []byte("server:\n  port: 7656\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PMI_LOG_LEVEL=warn\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("PMI_LOG_LEVEL") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level = %q, want warn from .env", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadPVEInstance(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", `
pve:
  - host: https://pve.example.com
    token_name: a
    token_value: b
`},
		{"missing host", `
pve:
  - name: lab
    token_name: a
    token_value: b
`},
		{"missing token", `
pve:
  - name: lab
    host: https://pve.example.com
`},
		{"duplicate name", `
pve:
  - name: lab
    host: https://a.example.com
    token_name: a
    token_value: b
  - name: lab
    host: https://b.example.com
    token_name: a
    token_value: b
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			if _, err := Load(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateClampsEngineValues(t *testing.T) {
	cfg := Default()
	cfg.Engine.FailureThreshold = -1
	cfg.Engine.MaxBackoffMultiplier = 0
	cfg.Engine.SignificanceThreshold = 5

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Engine.FailureThreshold != 3 {
		t.Errorf("failure threshold = %d, want clamped 3", cfg.Engine.FailureThreshold)
	}
	if cfg.Engine.MaxBackoffMultiplier != 8 {
		t.Errorf("max backoff multiplier = %d, want clamped 8", cfg.Engine.MaxBackoffMultiplier)
	}
	if cfg.Engine.SignificanceThreshold != 0.01 {
		t.Errorf("significance threshold = %v, want clamped 0.01", cfg.Engine.SignificanceThreshold)
	}
}

func TestValidateClampsNetwatchValues(t *testing.T) {
	cfg := Default()
	if !cfg.Netwatch.Enabled {
		t.Error("netwatch should be enabled by default")
	}
	cfg.Netwatch.Interval = 0
	cfg.Netwatch.Timeout = Duration(-time.Second)
	cfg.Netwatch.FailureThreshold = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Netwatch.Interval.Duration() != 15*time.Second {
		t.Errorf("netwatch interval = %s, want clamped 15s", cfg.Netwatch.Interval.Duration())
	}
	if cfg.Netwatch.Timeout.Duration() != 3*time.Second {
		t.Errorf("netwatch timeout = %s, want clamped 3s", cfg.Netwatch.Timeout.Duration())
	}
	if cfg.Netwatch.FailureThreshold != 2 {
		t.Errorf("netwatch failure threshold = %d, want clamped 2", cfg.Netwatch.FailureThreshold)
	}
}

func TestValidateRejectsBadPorts(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range server port")
	}

	cfg = Default()
	cfg.Metrics.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero metrics port with metrics enabled")
	}
}

func TestDurationUnmarshalRejectsGarbage(t *testing.T) {
	path := writeConfig(t, `
engine:
  fetch_timeout: banana
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestWatcherNilForEmptyPath(t *testing.T) {
	w, err := NewWatcher("")
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if w != nil {
		t.Fatal("expected nil watcher for empty path")
	}
	// Nil receivers must be safe.
	w.OnReload(func(*Config) {})
	if err := w.Start(); err != nil {
		t.Fatalf("Start on nil watcher: %v", err)
	}
	w.Reload()
	w.Stop()
}

func TestWatcherReloadInvokesCallback(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 7656\n")

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)

	reloaded := make(chan *Config, 1)
	w.OnReload(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	w.Reload()

	select {
	case cfg := <-reloaded:
		if cfg.Server.Port != 7656 {
			t.Errorf("reloaded port = %d, want 7656", cfg.Server.Port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback not invoked")
	}
}

func TestWatcherDetectsFileWrite(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 7656\n")

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)

	reloaded := make(chan *Config, 4)
	w.OnReload(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(path, []byte("server:\n  port: 8123\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Server.Port != 8123 {
			t.Errorf("reloaded port = %d, want 8123", cfg.Server.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("file change not detected")
	}
}
