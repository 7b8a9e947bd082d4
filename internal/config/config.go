package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentic-qe/fleet/internal/bus"
	"github.com/agentic-qe/fleet/internal/fleeterrors"
	"github.com/agentic-qe/fleet/internal/learning"
	"github.com/agentic-qe/fleet/internal/memory"
	"github.com/agentic-qe/fleet/internal/pool"
)

// AdapterConfig selects and configures the memory-store backend. There is no
// auto-detection: Type must be set explicitly to "real" or "mock".
type AdapterConfig struct {
	Type     string `yaml:"type"`
	DBPath   string `yaml:"db_path"`
	FailFast bool   `yaml:"fail_fast"`
}

// FleetConfig bounds the manager's agent concurrency and advisory routing
// topology.
type FleetConfig struct {
	MaxConcurrentAgents int    `yaml:"max_concurrent_agents"`
	Topology            string `yaml:"topology"` // "mesh", "hierarchical", "ring", "star"
}

// EventBusConfig tunes the event bus's retention and timeout behavior.
type EventBusConfig struct {
	TopicRingCapacity int `yaml:"topic_ring_capacity"`
	HandlerTimeoutMs  int `yaml:"handler_timeout_ms"`
	PublishTimeoutMs  int `yaml:"publish_timeout_ms"`
}

// MemoryConfig tunes the pattern cache and GC sweep cadence.
type MemoryConfig struct {
	CacheSize    int `yaml:"cache_size"`
	CacheTTLMs   int `yaml:"cache_ttl_ms"`
	GCIntervalMs int `yaml:"gc_interval_ms"`
}

// LearningConfig holds the Q-learning hyperparameters and flush cadence.
type LearningConfig struct {
	Alpha           float64 `yaml:"alpha"`
	Gamma           float64 `yaml:"gamma"`
	Epsilon         float64 `yaml:"epsilon"`
	BatchSize       int     `yaml:"batch_size"`
	FlushIntervalMs int     `yaml:"flush_interval_ms"`
}

// PoolTypeConfig is one agent type's reservoir policy.
type PoolTypeConfig struct {
	MinSize     int `yaml:"min_size"`
	MaxSize     int `yaml:"max_size"`
	WarmupCount int `yaml:"warmup_count"`
	IdleTTLMs   int `yaml:"idle_ttl_ms"`
}

// WatchdogConfig tunes per-agent failure detection.
type WatchdogConfig struct {
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	MissesAllowed       int `yaml:"misses_allowed"`
	CancellationGraceMs int `yaml:"cancellation_grace_ms"`
}

// Config is the fleet's on-disk configuration shape.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Adapter  AdapterConfig             `yaml:"adapter"`
	Fleet    FleetConfig               `yaml:"fleet"`
	EventBus EventBusConfig            `yaml:"event_bus"`
	Memory   MemoryConfig              `yaml:"memory"`
	Learning LearningConfig            `yaml:"learning"`
	Pool     map[string]PoolTypeConfig `yaml:"pool"`
	Watchdog WatchdogConfig            `yaml:"watchdog"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18789",
		LogLevel: "info",
		Adapter: AdapterConfig{
			Type:     "mock",
			FailFast: true,
		},
		Fleet: FleetConfig{
			MaxConcurrentAgents: 15,
			Topology:            "mesh",
		},
		EventBus: EventBusConfig{
			TopicRingCapacity: 1024,
			HandlerTimeoutMs:  5000,
			PublishTimeoutMs:  250,
		},
		Memory: MemoryConfig{
			CacheSize:    1000,
			CacheTTLMs:   60_000,
			GCIntervalMs: 60_000,
		},
		Learning: LearningConfig{
			Alpha:           0.1,
			Gamma:           0.95,
			Epsilon:         0.1,
			BatchSize:       32,
			FlushIntervalMs: 500,
		},
		Watchdog: WatchdogConfig{
			HeartbeatIntervalMs: 30_000,
			MissesAllowed:       2,
			CancellationGraceMs: 2000,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AQE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".aqefleet")
}

// Load reads config.yaml from HomeDir, applying environment overrides and
// starter defaults. A missing file sets NeedsGenesis rather than failing.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create aqefleet home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validateAdapter(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18789"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Adapter.Type == "" {
		cfg.Adapter.Type = "mock"
	}
	if cfg.Fleet.MaxConcurrentAgents <= 0 {
		cfg.Fleet.MaxConcurrentAgents = 15
	}
	if cfg.Fleet.Topology == "" {
		cfg.Fleet.Topology = "mesh"
	}
	if cfg.Pool == nil {
		cfg.Pool = make(map[string]PoolTypeConfig)
	}
	// Populate starter agent-type pool policies on first run if none configured.
	if len(cfg.Pool) == 0 {
		for agentType, c := range StarterPoolConfig() {
			cfg.Pool[agentType] = c
		}
	}
}

// validateAdapter fails fast on a structurally invalid backend choice: a
// real backend with no db path is a ConfigurationError, not a silent
// mock fallback.
func validateAdapter(cfg *Config) error {
	switch cfg.Adapter.Type {
	case "real", "mock":
	default:
		return fleeterrors.Configuration("adapter.type", "must be \"real\" or \"mock\", got "+cfg.Adapter.Type)
	}
	if cfg.Adapter.Type == "real" && cfg.Adapter.DBPath == "" {
		return fleeterrors.Configuration("adapter.dbPath", "required when adapter.type=real")
	}
	return nil
}

// Fingerprint returns a stable hash of the active config, used by the
// watcher to tell whether a reload changed anything at all. Structural
// drift is detected separately by StructuralFingerprint.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "adapter=%s:%s|bind=%s|log=%s|maxAgents=%d|topology=%s",
		c.Adapter.Type, c.Adapter.DBPath, c.BindAddr, c.LogLevel, c.Fleet.MaxConcurrentAgents, c.Fleet.Topology)
	fmt.Fprintf(h, "|failFast=%t|bus=%v|memory=%v|learning=%v|pool=%v|watchdog=%v",
		c.Adapter.FailFast, c.EventBus, c.Memory, c.Learning, c.Pool, c.Watchdog)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// StructuralFingerprint hashes only the fields a hot reload must never
// change in place (adapter backend, db path). Compared across reloads by
// the watcher to detect a disruptive change.
func (c Config) StructuralFingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "adapter=%s:%s", c.Adapter.Type, c.Adapter.DBPath)
	return fmt.Sprintf("struct-%x", h.Sum64())
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AQE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AQE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AQE_ADAPTER_TYPE"); raw != "" {
		cfg.Adapter.Type = raw
	}
	if raw := os.Getenv("AQE_ADAPTER_DBPATH"); raw != "" {
		cfg.Adapter.DBPath = raw
	}
	if raw := os.Getenv("AQE_ADAPTER_FAILFAST"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Adapter.FailFast = v
		}
	}
	if raw := os.Getenv("AQE_FLEET_MAXCONCURRENTAGENTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Fleet.MaxConcurrentAgents = v
		}
	}
	if raw := os.Getenv("AQE_FLEET_TOPOLOGY"); raw != "" {
		cfg.Fleet.Topology = raw
	}
	if raw := os.Getenv("AQE_EVENTBUS_TOPICRINGCAPACITY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.EventBus.TopicRingCapacity = v
		}
	}
	if raw := os.Getenv("AQE_EVENTBUS_HANDLERTIMEOUTMS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.EventBus.HandlerTimeoutMs = v
		}
	}
	if raw := os.Getenv("AQE_EVENTBUS_PUBLISHTIMEOUTMS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.EventBus.PublishTimeoutMs = v
		}
	}
	if raw := os.Getenv("AQE_MEMORY_CACHESIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Memory.CacheSize = v
		}
	}
	if raw := os.Getenv("AQE_MEMORY_CACHETTLMS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Memory.CacheTTLMs = v
		}
	}
	if raw := os.Getenv("AQE_MEMORY_GCINTERVALMS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Memory.GCIntervalMs = v
		}
	}
	if raw := os.Getenv("AQE_LEARNING_ALPHA"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Learning.Alpha = v
		}
	}
	if raw := os.Getenv("AQE_LEARNING_GAMMA"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Learning.Gamma = v
		}
	}
	if raw := os.Getenv("AQE_LEARNING_EPSILON"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Learning.Epsilon = v
		}
	}
	if raw := os.Getenv("AQE_LEARNING_BATCHSIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Learning.BatchSize = v
		}
	}
	if raw := os.Getenv("AQE_LEARNING_FLUSHINTERVALMS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Learning.FlushIntervalMs = v
		}
	}
	if raw := os.Getenv("AQE_WATCHDOG_HEARTBEATINTERVALMS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Watchdog.HeartbeatIntervalMs = v
		}
	}
	if raw := os.Getenv("AQE_WATCHDOG_MISSESALLOWED"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Watchdog.MissesAllowed = v
		}
	}
	if raw := os.Getenv("AQE_WATCHDOG_CANCELLATIONGRACEMS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Watchdog.CancellationGraceMs = v
		}
	}
	// pool.<type>.* is file-only: a map-keyed option doesn't have a fixed
	// env var name.
}

// ToMemoryConfig translates the adapter + memory sections into the store's
// own Config shape.
func (c Config) ToMemoryConfig() memory.Config {
	kind := memory.KindMock
	if c.Adapter.Type == "real" {
		kind = memory.KindReal
	}
	return memory.Config{
		Kind:       kind,
		Adapter:    memory.AdapterSQLite,
		SQLitePath: c.Adapter.DBPath,
		CacheSize:  c.Memory.CacheSize,
		CacheTTL:   time.Duration(c.Memory.CacheTTLMs) * time.Millisecond,
	}
}

// ToLearningConfig translates the learning section into the engine's Config.
func (c Config) ToLearningConfig() learning.Config {
	return learning.Config{
		Alpha:         c.Learning.Alpha,
		Gamma:         c.Learning.Gamma,
		Epsilon:       c.Learning.Epsilon,
		BatchSize:     c.Learning.BatchSize,
		FlushInterval: time.Duration(c.Learning.FlushIntervalMs) * time.Millisecond,
	}
}

// ToBusConfig translates the event-bus section into the bus's own Config.
func (c Config) ToBusConfig() bus.Config {
	return bus.Config{
		RingCapacity:   c.EventBus.TopicRingCapacity,
		PublishTimeout: time.Duration(c.EventBus.PublishTimeoutMs) * time.Millisecond,
		HandlerTimeout: time.Duration(c.EventBus.HandlerTimeoutMs) * time.Millisecond,
	}
}

// ToPoolTypeConfig translates one agent type's pool section into pool.TypeConfig.
// An unconfigured type falls back to pool.TypeConfig's own defaults.
func (c Config) ToPoolTypeConfig(agentType string) pool.TypeConfig {
	p, ok := c.Pool[agentType]
	if !ok {
		return pool.TypeConfig{}
	}
	return pool.TypeConfig{
		MinSize:         p.MinSize,
		MaxSize:         p.MaxSize,
		GrowthIncrement: 1,
		IdleTTL:         time.Duration(p.IdleTTLMs) * time.Millisecond,
	}
}

// WarmupCount returns the configured warmup size for agentType, falling
// back to the pool's MinSize when unset.
func (c Config) WarmupCount(agentType string) int {
	p, ok := c.Pool[agentType]
	if !ok {
		return 0
	}
	if p.WarmupCount > 0 {
		return p.WarmupCount
	}
	return p.MinSize
}

// SetPoolTypeConfig updates one agent type's pool policy in config.yaml,
// preserving other settings.
// WARNING: round-trips through yaml.Marshal — strips comments, may reorder fields.
func SetPoolTypeConfig(homeDir, agentType string, c PoolTypeConfig) error {
	configPath := ConfigPath(homeDir)
	cfg := defaultConfig()
	data, err := os.ReadFile(configPath)
	if err == nil && len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	if cfg.Pool == nil {
		cfg.Pool = make(map[string]PoolTypeConfig)
	}
	cfg.Pool[agentType] = c
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(configPath, out, 0o644)
}
