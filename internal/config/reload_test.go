package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, raw string) string {
	t.Helper()
	path := filepath.Join(dir, "banditclaw.json")
	if err := os.WriteFile(path, []byte(raw), 0640); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestReloadAppliesHotFields(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Server.DataDir = dir

	path := writeConfig(t, dir, `{
		"server": {"port": 8430, "dataDir": "`+filepath.ToSlash(dir)+`", "logLevel": "debug"},
		"safety": {"autoApplyQ": 0.95, "autoApplyVisits": 20, "reviewQ": 0.7, "reviewVisits": 5},
		"transfer": {"enabled": false}
	}`)

	result, err := cfg.Reload(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("log level not applied: %s", cfg.Server.LogLevel)
	}
	if cfg.Safety.AutoApplyQ != 0.95 || cfg.Safety.AutoApplyVisits != 20 {
		t.Errorf("safety thresholds not applied: %+v", cfg.Safety)
	}
	if cfg.Transfer.Enabled {
		t.Error("transfer disable not applied")
	}
	if len(result.Applied) == 0 {
		t.Error("expected applied fields in result")
	}
	if len(result.Skipped) != 0 {
		t.Errorf("unexpected skipped fields: %v", result.Skipped)
	}
}

func TestReloadSkipsRestartOnlyFields(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Server.DataDir = dir

	path := writeConfig(t, dir, `{
		"server": {"port": 9999, "dataDir": "`+filepath.ToSlash(dir)+`", "logLevel": "info"},
		"policy": {"kind": "ucb1"}
	}`)

	result, err := cfg.Reload(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	// Neither field moves in place.
	if cfg.Server.Port != 8430 {
		t.Errorf("port changed in place to %d", cfg.Server.Port)
	}
	if cfg.Policy.Kind != "epsilon" {
		t.Errorf("policy changed in place to %s", cfg.Policy.Kind)
	}
	if len(result.Skipped) != 2 {
		t.Errorf("skipped = %v, want port and policy", result.Skipped)
	}
}

func TestReloadRejectsInvalidReplacement(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	before := cfg.Safety

	path := writeConfig(t, dir, `{
		"server": {"port": 8430, "dataDir": "`+filepath.ToSlash(dir)+`", "logLevel": "info"},
		"safety": {"autoApplyQ": 0.2, "autoApplyVisits": 20, "reviewQ": 0.7, "reviewVisits": 5}
	}`)

	if _, err := cfg.Reload(path); err == nil {
		t.Fatal("expected reload rejection for inverted safety tiers")
	}
	if cfg.Safety != before {
		t.Error("rejected reload mutated config")
	}
}

func TestRestartRequiredRegistry(t *testing.T) {
	if !IsRestartRequired("Server.Port") || !IsRestartRequired("Policy") {
		t.Error("restart-only fields missing from registry")
	}
	if IsRestartRequired("Safety") {
		t.Error("Safety marked restart-only")
	}
	if len(HotReloadableFields()) == 0 {
		t.Error("no hot-reloadable fields listed")
	}
}
