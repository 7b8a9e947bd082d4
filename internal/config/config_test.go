package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentic-qe/fleet/internal/config"
	"github.com/agentic-qe/fleet/internal/fleeterrors"
)

func writeConfigYAML(t *testing.T, home, contents string) string {
	t.Helper()
	ic := filepath.Join(home, ".aqefleet")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(ic, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FromAQEHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfigYAML(t, home, "bind_addr: 0.0.0.0:9000\nfleet:\n  max_concurrent_agents: 7\n")
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("expected bind_addr=0.0.0.0:9000, got %q", cfg.BindAddr)
	}
	if cfg.Fleet.MaxConcurrentAgents != 7 {
		t.Fatalf("expected max_concurrent_agents=7, got %d", cfg.Fleet.MaxConcurrentAgents)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis=true when config.yaml missing")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfigYAML(t, home, "{}\n")
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Adapter.Type != "mock" {
		t.Fatalf("expected default adapter.type=mock, got %q", cfg.Adapter.Type)
	}
	if cfg.Fleet.MaxConcurrentAgents != 15 {
		t.Fatalf("expected default max_concurrent_agents=15, got %d", cfg.Fleet.MaxConcurrentAgents)
	}
	if cfg.BindAddr != "127.0.0.1:18789" {
		t.Fatalf("expected default bind_addr=127.0.0.1:18789, got %q", cfg.BindAddr)
	}
	if len(cfg.Pool) == 0 {
		t.Fatal("expected starter pool config to populate an empty pool section")
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfigYAML(t, home, "fleet:\n  max_concurrent_agents: 2\n")
	t.Setenv("HOME", home)
	t.Setenv("AQE_FLEET_MAXCONCURRENTAGENTS", "9")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Fleet.MaxConcurrentAgents != 9 {
		t.Fatalf("expected env override max_concurrent_agents=9 got %d", cfg.Fleet.MaxConcurrentAgents)
	}
}

func TestLoad_RealAdapterWithoutDBPathIsConfigurationError(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfigYAML(t, home, "adapter:\n  type: real\n")
	t.Setenv("HOME", home)

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected configuration error for adapter.type=real without db_path")
	}
	if kind, ok := fleeterrors.KindOf(err); !ok || kind != fleeterrors.KindConfiguration {
		t.Fatalf("expected KindConfiguration, got %v (ok=%v)", kind, ok)
	}
}

func TestLoad_UnknownAdapterTypeIsConfigurationError(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfigYAML(t, home, "adapter:\n  type: carrier-pigeon\n")
	t.Setenv("HOME", home)

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected configuration error for unknown adapter.type")
	}
}

func TestToMemoryConfig_TranslatesAdapterSection(t *testing.T) {
	cfg := config.Config{
		Adapter: config.AdapterConfig{Type: "real", DBPath: "/tmp/fleet.db"},
		Memory:  config.MemoryConfig{CacheSize: 500, CacheTTLMs: 30_000},
	}
	mc := cfg.ToMemoryConfig()
	if mc.SQLitePath != "/tmp/fleet.db" {
		t.Fatalf("SQLitePath = %q, want /tmp/fleet.db", mc.SQLitePath)
	}
	if mc.CacheSize != 500 {
		t.Fatalf("CacheSize = %d, want 500", mc.CacheSize)
	}
}

func TestWarmupCount_FallsBackToMinSize(t *testing.T) {
	cfg := config.Config{Pool: map[string]config.PoolTypeConfig{
		"test-generator": {MinSize: 3, MaxSize: 5},
	}}
	if got := cfg.WarmupCount("test-generator"); got != 3 {
		t.Fatalf("WarmupCount() = %d, want 3 (fallback to MinSize)", got)
	}
}

func TestSetPoolTypeConfig_WritesAndPreservesOtherSettings(t *testing.T) {
	homeDir := t.TempDir()
	configPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(configPath, []byte("bind_addr: 1.2.3.4:9\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	if err := config.SetPoolTypeConfig(homeDir, "flaky-hunter", config.PoolTypeConfig{MinSize: 4, MaxSize: 8}); err != nil {
		t.Fatalf("SetPoolTypeConfig: %v", err)
	}

	t.Setenv("AQE_HOME", homeDir)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if cfg.Pool["flaky-hunter"].MinSize != 4 {
		t.Fatalf("expected flaky-hunter.MinSize=4, got %d", cfg.Pool["flaky-hunter"].MinSize)
	}
	if cfg.BindAddr != "1.2.3.4:9" {
		t.Fatalf("expected bind_addr preserved, got %q", cfg.BindAddr)
	}
}
