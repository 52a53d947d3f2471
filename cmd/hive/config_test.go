package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Manager.SlowPollInterval != 60*time.Second {
		t.Fatalf("expected 60s default poll, got %s", cfg.Manager.SlowPollInterval)
	}
	if cfg.Scheduler.JuniorMaxComplexity != 3 || cfg.Scheduler.IntermediateMaxComplexity != 7 {
		t.Fatalf("unexpected tier thresholds: %+v", cfg.Scheduler)
	}
	if cfg.ClusterEnabled {
		t.Fatalf("cluster must default off")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
manager:
  slow_poll_interval: 5000
  stuck_threshold_ms: 120000
scaling:
  junior_max_complexity: 4
  refactor:
    enabled: true
    capacity_percent: 25
models:
  junior:
    model: test-model-small
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(dir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Manager.SlowPollInterval != 5*time.Second {
		t.Fatalf("poll interval override lost: %s", cfg.Manager.SlowPollInterval)
	}
	if cfg.Manager.StuckThreshold != 2*time.Minute {
		t.Fatalf("stuck threshold override lost: %s", cfg.Manager.StuckThreshold)
	}
	if cfg.Scheduler.JuniorMaxComplexity != 4 {
		t.Fatalf("junior threshold override lost: %d", cfg.Scheduler.JuniorMaxComplexity)
	}
	if !cfg.Scheduler.Refactor.Enabled || cfg.Scheduler.Refactor.CapacityPercent != 25 {
		t.Fatalf("refactor policy override lost: %+v", cfg.Scheduler.Refactor)
	}
	if cfg.Scheduler.Models["junior"].Model != "test-model-small" {
		t.Fatalf("model override lost: %+v", cfg.Scheduler.Models["junior"])
	}
	// Unset tiers keep their defaults.
	if cfg.Scheduler.Models["senior"].CLITool == "" {
		t.Fatalf("senior tier default lost")
	}
}
