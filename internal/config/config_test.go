package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Schedule.TickCron != "*/15 * * * * *" {
		t.Errorf("tick cron = %q", cfg.Schedule.TickCron)
	}
	if cfg.Engine.SpikeThreshold != 0.35 {
		t.Errorf("spike threshold = %v, want 0.35", cfg.Engine.SpikeThreshold)
	}
	if cfg.Engine.FreshnessWindow != time.Minute {
		t.Errorf("freshness window = %v, want 1m", cfg.Engine.FreshnessWindow)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  addr: ":9090"
database:
  postgres_url: "postgres://localhost/cppi"
engine:
  spike_threshold: 0.5
  freshness_window: 2m
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Database.PostgresURL != "postgres://localhost/cppi" {
		t.Errorf("postgres url = %q", cfg.Database.PostgresURL)
	}
	if cfg.Engine.SpikeThreshold != 0.5 {
		t.Errorf("spike threshold = %v, want 0.5", cfg.Engine.SpikeThreshold)
	}
	if cfg.Engine.FreshnessWindow != 2*time.Minute {
		t.Errorf("freshness window = %v, want 2m", cfg.Engine.FreshnessWindow)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CPPI_ADDR", ":7070")
	t.Setenv("CPPI_SPIKE_THRESHOLD", "0.6")
	t.Setenv("CPPI_FRESHNESS_WINDOW", "90s")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr = %q, want :7070", cfg.Server.Addr)
	}
	if cfg.Engine.SpikeThreshold != 0.6 {
		t.Errorf("spike threshold = %v, want 0.6", cfg.Engine.SpikeThreshold)
	}
	if cfg.Engine.FreshnessWindow != 90*time.Second {
		t.Errorf("freshness window = %v, want 90s", cfg.Engine.FreshnessWindow)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate_Rejections(t *testing.T) {
	cfg, _ := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	cfg.Engine.SpikeThreshold = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative spike threshold should fail validation")
	}

	cfg, _ = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	cfg.Engine.InstructionExpiry = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero instruction expiry should fail validation")
	}
}
