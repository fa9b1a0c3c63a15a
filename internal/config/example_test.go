package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestExampleConfigLoads(t *testing.T) {
	clearEnv(t)

	dbPath := filepath.Join(t.TempDir(), "data", "events.db")
	content := strings.Replace(string(ExampleConfig()), "./data/pgpool-events.db", dbPath, 1)

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Example config should load: %v", err)
	}

	if cfg.Database.Name != DefaultPoolName {
		t.Errorf("Expected pool name %q, got %q", DefaultPoolName, cfg.Database.Name)
	}
	if cfg.Database.InitialMaxConns != 10 {
		t.Errorf("Expected initial_max_conns 10, got %d", cfg.Database.InitialMaxConns)
	}
	if len(cfg.Indexes.Required) != 1 || cfg.Indexes.Required[0].Name != "idx_properties_price" {
		t.Errorf("Unexpected required indexes: %+v", cfg.Indexes.Required)
	}
	if len(cfg.Server.Auth.APIKeys) != 2 {
		t.Errorf("Expected 2 API keys, got %d", len(cfg.Server.Auth.APIKeys))
	}

	result := GetValidationResult(cfg)
	if !result.Valid {
		t.Errorf("Example config should validate cleanly: %+v", result.Errors)
	}
}

func TestExampleConfigReturnsCopy(t *testing.T) {
	a := ExampleConfig()
	a[0] = 'X'
	if ExampleConfig()[0] == 'X' {
		t.Error("ExampleConfig must return a copy")
	}
}
