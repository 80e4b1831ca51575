package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gosuda.org/bbq/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bbq.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Capacity != 10 || cfg.Producer.Count != 25 || cfg.Producer.Start != 1 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
name: demo
capacity: 4
attach_timeout: 2s
poll_interval: 10ms
log_level: debug
producer:
  count: 100
  delay: 5ms
consumer:
  count: 100
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Name != "demo" || cfg.Capacity != 4 {
		t.Errorf("unexpected name/capacity: %q %d", cfg.Name, cfg.Capacity)
	}
	if cfg.AttachTimeout != 2*time.Second || cfg.PollInterval != 10*time.Millisecond {
		t.Errorf("durations not decoded: %v %v", cfg.AttachTimeout, cfg.PollInterval)
	}
	if cfg.Producer.Count != 100 || cfg.Producer.Delay != 5*time.Millisecond {
		t.Errorf("producer not decoded: %+v", cfg.Producer)
	}
	// Untouched fields keep their defaults.
	if cfg.Producer.Start != 1 {
		t.Errorf("expected default start 1, got %d", cfg.Producer.Start)
	}
	if level, _ := config.ParseLevel(cfg.LogLevel); level != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", level)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"capacity":  "capacity: 0\n",
		"too large": "capacity: 4294967296\n",
		"name":      "name: a/b\n",
		"poll":      "poll_interval: 0s\n",
		"count":     "producer:\n  count: -1\n",
		"log level": "log_level: loud\n",
		"yaml":      "capacity: [\n",
	}
	for label, body := range cases {
		if _, err := config.Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected an error", label)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Fatalf("unexpected error: %v", err)
	}
}
