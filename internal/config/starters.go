package config

// StarterPoolConfig returns default pool policies for the built-in quality-
// engineering agent types, populated into config.yaml only when no pool
// section is configured.
func StarterPoolConfig() map[string]PoolTypeConfig {
	return map[string]PoolTypeConfig{
		"test-generator": {
			MinSize: 2, MaxSize: 6, WarmupCount: 2, IdleTTLMs: 300_000,
		},
		"test-executor": {
			MinSize: 2, MaxSize: 8, WarmupCount: 2, IdleTTLMs: 300_000,
		},
		"coverage-analyzer": {
			MinSize: 1, MaxSize: 3, WarmupCount: 1, IdleTTLMs: 300_000,
		},
		"flaky-hunter": {
			MinSize: 1, MaxSize: 2, WarmupCount: 1, IdleTTLMs: 600_000,
		},
		"security-scanner": {
			MinSize: 1, MaxSize: 3, WarmupCount: 1, IdleTTLMs: 300_000,
		},
		"quality-gate": {
			MinSize: 1, MaxSize: 2, WarmupCount: 1, IdleTTLMs: 300_000,
		},
	}
}
