package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.PollIntervalSecs != 2 {
		t.Errorf("expected default poll_interval_secs=2, got %d", cfg.Service.PollIntervalSecs)
	}
	if cfg.Storage.RetentionDays != 7 {
		t.Errorf("expected default retention_days=7, got %d", cfg.Storage.RetentionDays)
	}
	if !cfg.Telemetry.EnablePrometheus {
		t.Error("expected prometheus enabled by default")
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeTempConfig(t, `
[service]
poll_interval_secs = 5
data_dir = "/tmp/monitord-data"

[llm]
enabled = true
enable_proxy = true
proxy_port = 11434
backend_url = "http://localhost:11435"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.PollIntervalSecs != 5 {
		t.Errorf("expected poll_interval_secs=5, got %d", cfg.Service.PollIntervalSecs)
	}
	if cfg.Service.DataDir != "/tmp/monitord-data" {
		t.Errorf("unexpected data_dir %q", cfg.Service.DataDir)
	}
	if !cfg.LLM.EnableProxy {
		t.Error("expected proxy enabled")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "")
	t.Setenv("MONITORD_SERVICE_POLL_INTERVAL_SECS", "9")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.PollIntervalSecs != 9 {
		t.Errorf("expected env override poll_interval_secs=9, got %d", cfg.Service.PollIntervalSecs)
	}
}

func TestValidateRejectsBadPollInterval(t *testing.T) {
	path := writeTempConfig(t, `
[service]
poll_interval_secs = 0
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for poll_interval_secs=0")
	}
	if _, ok := err.(*InvalidError); !ok {
		t.Errorf("expected *InvalidError, got %T", err)
	}
}

func TestValidateRejectsBadProxyPort(t *testing.T) {
	path := writeTempConfig(t, `
[llm]
enable_proxy = true
proxy_port = 0
backend_url = "http://localhost:11435"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for proxy_port=0")
	}
}

func TestMissingConfigFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.PollIntervalSecs != 2 {
		t.Errorf("expected defaults when file is missing, got %d", cfg.Service.PollIntervalSecs)
	}
}
