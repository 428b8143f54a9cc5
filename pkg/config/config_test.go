package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mcclellann/opledger/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("Expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Ledger.DefaultCurrency != "BRL" {
		t.Errorf("Expected BRL, got %s", cfg.Ledger.DefaultCurrency)
	}
	if !cfg.Schedule.AbsorbRemainder {
		t.Error("Expected remainder absorption on by default")
	}
	if cfg.Ledger.EnforceFeatureQuota {
		t.Error("Expected feature quota enforcement off by default")
	}
	if got := cfg.Quota.ModuleMapping[models.OperationTypeRental]; got != "RENT_ROOM" {
		t.Errorf("Expected RENTAL mapped to RENT_ROOM, got %q", got)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opledger.yaml")
	content := `
database:
  path: /var/lib/opledger.db
ledger:
  default_currency: usd
  enforce_feature_quota: true
quota:
  module_mapping:
    RENTAL: RENT_VEHICLE
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	t.Setenv("OPLEDGER_SERVER_PORT", "9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("Expected env port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Database.Path != "/var/lib/opledger.db" {
		t.Errorf("Expected file database path, got %s", cfg.Database.Path)
	}
	if cfg.Ledger.DefaultCurrency != "USD" || !cfg.Ledger.EnforceFeatureQuota {
		t.Errorf("Unexpected ledger config: %+v", cfg.Ledger)
	}
	if got := cfg.Quota.ModuleMapping[models.OperationTypeRental]; got != "RENT_VEHICLE" {
		t.Errorf("Expected RENTAL mapped to RENT_VEHICLE, got %q", got)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected an error for a missing explicit config file")
	}
}

func TestLoadRejectsBadCurrency(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OPLEDGER_LEDGER_DEFAULT_CURRENCY", "EURO")

	if _, err := Load(""); err == nil {
		t.Error("Expected an error for a 4-letter currency")
	}
}
