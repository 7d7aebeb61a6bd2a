package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxFeeRatePpm != 5000 || cfg.Engine.MinFeeRatePpm != 1 {
		t.Fatalf("fee limits = %d/%d", cfg.Engine.MinFeeRatePpm, cfg.Engine.MaxFeeRatePpm)
	}
	if !cfg.DryRun {
		t.Fatal("default config must be dry run")
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := []byte(`
engine:
  max_fee_rate_ppm: 3000
  update_hours_utc: [6, 18]
dry_run: false
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("LNFLOW_MAX_FEE_RATE", "2500")
	t.Setenv("LNFLOW_DRY_RUN", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxFeeRatePpm != 2500 {
		t.Fatalf("env override lost: max fee = %d", cfg.Engine.MaxFeeRatePpm)
	}
	if len(cfg.Engine.UpdateHoursUTC) != 2 || cfg.Engine.UpdateHoursUTC[0] != 6 {
		t.Fatalf("update hours = %v", cfg.Engine.UpdateHoursUTC)
	}
	if cfg.DryRun {
		t.Fatal("yaml dry_run: false must stick")
	}
}

func TestNormalizeRepairsBadValues(t *testing.T) {
	cfg := &Config{}
	cfg.Engine.MinFeeRatePpm = -5
	cfg.Engine.MaxFeeRatePpm = -1
	cfg.Engine.HighBalanceThreshold = 1.5
	cfg.Engine.LowBalanceThreshold = 0.9
	cfg.normalize()

	if cfg.Engine.MinFeeRatePpm != 1 || cfg.Engine.MaxFeeRatePpm != 5000 {
		t.Fatalf("fee limits = %d/%d", cfg.Engine.MinFeeRatePpm, cfg.Engine.MaxFeeRatePpm)
	}
	if cfg.Engine.HighBalanceThreshold != 0.8 || cfg.Engine.LowBalanceThreshold != 0.2 {
		t.Fatalf("balance thresholds = %v/%v", cfg.Engine.HighBalanceThreshold, cfg.Engine.LowBalanceThreshold)
	}
	if cfg.Engine.CycleIntervalMin != 30 {
		t.Fatalf("cycle interval = %d", cfg.Engine.CycleIntervalMin)
	}
}
