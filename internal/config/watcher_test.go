package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentic-qe/fleet/internal/config"
)

func TestWatcher_DetectsConfigFileChange(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfigYAML(t, home, "bind_addr: 127.0.0.1:18789\n")
	aqeHome := filepath.Join(home, ".aqefleet")

	w := config.NewWatcher(aqeHome, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	configPath := config.ConfigPath(aqeHome)
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(configPath, []byte("bind_addr: 0.0.0.0:9999\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(configPath, []byte("bind_addr: 0.0.0.0:9999\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for config.yaml change event")
		}
	}
}

func TestWatcher_Reload_AppliesAdditiveChange(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfigYAML(t, home, "adapter:\n  type: mock\nfleet:\n  max_concurrent_agents: 5\n")
	aqeHome := filepath.Join(home, ".aqefleet")
	t.Setenv("AQE_HOME", aqeHome)

	current, err := config.Load()
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}

	if err := os.WriteFile(config.ConfigPath(aqeHome), []byte("adapter:\n  type: mock\nfleet:\n  max_concurrent_agents: 20\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	w := config.NewWatcher(aqeHome, nil)
	next, applied, err := w.Reload(current)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !applied {
		t.Fatal("expected additive change (max_concurrent_agents) to be applied")
	}
	if next.Fleet.MaxConcurrentAgents != 20 {
		t.Fatalf("expected max_concurrent_agents=20 after reload, got %d", next.Fleet.MaxConcurrentAgents)
	}
}

func TestWatcher_Reload_RejectsStructuralChange(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfigYAML(t, home, "adapter:\n  type: mock\n")
	aqeHome := filepath.Join(home, ".aqefleet")
	t.Setenv("AQE_HOME", aqeHome)

	current, err := config.Load()
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}

	if err := os.WriteFile(config.ConfigPath(aqeHome), []byte("adapter:\n  type: real\n  db_path: /tmp/fleet.db\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	w := config.NewWatcher(aqeHome, nil)
	next, applied, err := w.Reload(current)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if applied {
		t.Fatal("expected structural adapter change to be rejected")
	}
	if next.Adapter.Type != "mock" {
		t.Fatalf("expected current config retained (adapter.type=mock), got %q", next.Adapter.Type)
	}
}
