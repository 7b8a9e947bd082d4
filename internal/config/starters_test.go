package config

import "testing"

func TestStarterPoolConfig_KnownTypes(t *testing.T) {
	pools := StarterPoolConfig()
	expected := []string{
		"test-generator", "test-executor", "coverage-analyzer",
		"flaky-hunter", "security-scanner", "quality-gate",
	}
	for _, agentType := range expected {
		if _, ok := pools[agentType]; !ok {
			t.Errorf("missing starter pool config for %q", agentType)
		}
	}
}

func TestStarterPoolConfig_BoundsAreSane(t *testing.T) {
	for agentType, c := range StarterPoolConfig() {
		if c.MinSize < 0 {
			t.Errorf("%s: MinSize = %d, want >= 0", agentType, c.MinSize)
		}
		if c.MaxSize < c.MinSize {
			t.Errorf("%s: MaxSize (%d) < MinSize (%d)", agentType, c.MaxSize, c.MinSize)
		}
		if c.WarmupCount > c.MaxSize {
			t.Errorf("%s: WarmupCount (%d) > MaxSize (%d)", agentType, c.WarmupCount, c.MaxSize)
		}
		if c.IdleTTLMs <= 0 {
			t.Errorf("%s: IdleTTLMs = %d, want > 0", agentType, c.IdleTTLMs)
		}
	}
}
