package config_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/maestro-llm/maestro/internal/config"
	"github.com/maestro-llm/maestro/pkg/models"
)

func TestTierPolicy(t *testing.T) {
	tests := []struct {
		tier     models.Tier
		deadline time.Duration
		retries  int
	}{
		{models.TierFast, 30 * time.Second, 0},
		{models.TierBalanced, 45 * time.Second, 2},
		{models.TierPowerful, 120 * time.Second, 1},
	}
	for _, tt := range tests {
		got := config.TierPolicy(tt.tier)
		if got.Deadline != tt.deadline {
			t.Errorf("TierPolicy(%s).Deadline = %v, want %v", tt.tier, got.Deadline, tt.deadline)
		}
		if got.Retries != tt.retries {
			t.Errorf("TierPolicy(%s).Retries = %d, want %d", tt.tier, got.Retries, tt.retries)
		}
	}
}

func TestSettings_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	s := config.DefaultSettings()
	s.CtxSize = 8192
	s.CGRAGTokenBudget = 4000
	if err := config.SaveSettings(path, s); err != nil {
		t.Fatalf("SaveSettings() error = %v", err)
	}

	got, err := config.LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if got != s {
		t.Errorf("LoadSettings() = %+v, want %+v", got, s)
	}
}

func TestLoadSettings_MissingFileKeepsDefaults(t *testing.T) {
	got, err := config.LoadSettings(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Error("LoadSettings() on missing file = nil error, want error")
	}
	if got != config.DefaultSettings() {
		t.Errorf("LoadSettings() fallback = %+v, want defaults", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAESTRO_PORT", "9999")
	t.Setenv("MAESTRO_VRAM_BUDGET_GB", "12.5")
	t.Setenv("MAESTRO_WATCH_MODELS", "false")
	t.Setenv("MAESTRO_DATA_DIR", t.TempDir())

	cfg := config.Load()
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	if cfg.VRAMBudgetGB != 12.5 {
		t.Errorf("VRAMBudgetGB = %v, want 12.5", cfg.VRAMBudgetGB)
	}
	if cfg.WatchModels {
		t.Error("WatchModels = true, want false")
	}
}
