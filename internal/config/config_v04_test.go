package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestParsePoolSection verifies that arbitrary agent-type keys under pool.*
// round-trip through YAML into the Pool map.
func TestParsePoolSection(t *testing.T) {
	yaml := `
pool:
  test-generator:
    min_size: 3
    max_size: 9
    warmup_count: 3
    idle_ttl_ms: 120000
  flaky-hunter:
    min_size: 1
    max_size: 2
`
	home := filepath.Join(t.TempDir(), "home")
	aqeHome := filepath.Join(home, ".aqefleet")
	if err := os.MkdirAll(aqeHome, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(aqeHome, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AQE_HOME", aqeHome)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Pool) != 2 {
		t.Fatalf("expected 2 pool entries, got %d", len(cfg.Pool))
	}
	tg := cfg.Pool["test-generator"]
	if tg.MinSize != 3 || tg.MaxSize != 9 || tg.WarmupCount != 3 || tg.IdleTTLMs != 120000 {
		t.Errorf("test-generator pool config mismatch: %+v", tg)
	}
	fh := cfg.Pool["flaky-hunter"]
	if fh.MinSize != 1 || fh.MaxSize != 2 {
		t.Errorf("flaky-hunter pool config mismatch: %+v", fh)
	}
}

// TestPoolSectionOverridesStarterDefaults verifies an explicit pool section
// (even a partial one) suppresses the starter-default population.
func TestPoolSectionOverridesStarterDefaults(t *testing.T) {
	yaml := `
pool:
  quality-gate:
    min_size: 1
    max_size: 1
`
	home := filepath.Join(t.TempDir(), "home")
	aqeHome := filepath.Join(home, ".aqefleet")
	if err := os.MkdirAll(aqeHome, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(aqeHome, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AQE_HOME", aqeHome)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Pool) != 1 {
		t.Fatalf("expected the explicit pool section to be kept as-is, got %d entries", len(cfg.Pool))
	}
}
