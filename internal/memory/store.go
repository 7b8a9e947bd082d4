// Package memory implements the swarm memory store: a partitioned
// key/value store plus an indexed pattern store, backed by a pluggable
// adapter (embedded SQLite or networked Redis), fronted by an LRU+TTL
// pattern cache and a background TTL sweeper.
package memory

import (
	"context"
	"time"

	"github.com/agentic-qe/fleet/internal/fleeterrors"
)

// MemoryEntry is one (partition, key) record.
type MemoryEntry struct {
	Partition string
	Key       string
	Value     []byte
	TTLMs     int64 // 0 means no expiry
	CreatedAt time.Time
	UpdatedAt time.Time
	AgentID   string
	Metadata  map[string]string
}

func (e *MemoryEntry) expiresAt() (time.Time, bool) {
	if e.TTLMs <= 0 {
		return time.Time{}, false
	}
	return e.CreatedAt.Add(time.Duration(e.TTLMs) * time.Millisecond), true
}

func (e *MemoryEntry) expired(now time.Time) bool {
	at, ok := e.expiresAt()
	return ok && !now.Before(at)
}

// Pattern is a mined behavioral pattern attributed to one agent.
type Pattern struct {
	ID            string
	AgentID       string
	Type          string
	Payload       []byte
	SuccessCount  int
	FailureCount  int
	CreatedAt     time.Time
	LastUsedAt    time.Time
}

// Confidence is successCount / (successCount + failureCount); 0 when
// neither count is populated.
func (p Pattern) Confidence() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(total)
}

const minPatternSamples = 3

// Visible reports whether a pattern has enough samples to be surfaced by
// QueryPatternsByAgent.
func (p Pattern) Visible() bool {
	return p.SuccessCount+p.FailureCount >= minPatternSamples
}

// PutOptions are optional attributes for Put.
type PutOptions struct {
	TTLMs    int64
	Metadata map[string]string
	AgentID  string
}

// Store is the swarm memory store's public contract.
type Store interface {
	Put(ctx context.Context, partition, key string, value []byte, opts PutOptions) (created bool, err error)
	Get(ctx context.Context, partition, key string) (*MemoryEntry, error)
	Delete(ctx context.Context, partition, key string) (existed bool, err error)
	Scan(ctx context.Context, partition, keyPrefix string, limit int) ([]MemoryEntry, error)

	StorePattern(ctx context.Context, p Pattern) error
	QueryPatternsByAgent(ctx context.Context, agentID string, minConfidence float64) ([]Pattern, error)
	// UpdatePattern records a success/failure sample against pattern id and
	// returns the pattern's owning agent id, so a caching decorator can
	// invalidate only that agent's cached entries instead of purging
	// everything. agentID is "" if id does not exist.
	UpdatePattern(ctx context.Context, id string, success bool) (agentID string, err error)

	// WithTransaction runs fn as one unit of work where the adapter supports
	// it: the SQLite adapter wraps fn in a database transaction. The Redis
	// adapter calls fn directly, so its calls are not atomic as a group;
	// callers must not assume rollback beyond the adapter's own guarantees.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// SweepExpired deletes entries whose TTL has elapsed and returns the
	// count removed. Lazy expiry (on Get) catches what the sweep misses
	// between runs.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// Kind declares whether a Store is backed by a real adapter or the
// in-memory test double. It is always explicit at construction; the store
// never silently falls back from Real to Mock on adapter failure.
type Kind string

const (
	KindReal Kind = "real"
	KindMock Kind = "mock"
)

// Adapter selects the concrete backend when Kind is KindReal.
type Adapter string

const (
	AdapterSQLite Adapter = "sqlite"
	AdapterRedis  Adapter = "redis"
)

// Config selects and configures the store backend.
type Config struct {
	Kind    Kind
	Adapter Adapter

	// SQLite
	SQLitePath string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	// Pattern cache
	CacheSize int
	CacheTTL  time.Duration
}

// Open constructs the store named by cfg.Kind/cfg.Adapter. There is no
// auto-detection: an unset Kind or an unknown Adapter is a configuration
// error, not a fallback to Mock.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Kind {
	case KindMock:
		return newMockStore(), nil
	case KindReal:
		switch cfg.Adapter {
		case AdapterSQLite:
			return openSQLite(ctx, cfg)
		case AdapterRedis:
			return openRedis(ctx, cfg)
		default:
			return nil, fleeterrors.Configuration("memory.adapter", "adapter must be sqlite or redis for a real backend")
		}
	default:
		return nil, fleeterrors.Configuration("memory.kind", "backend kind must be declared explicitly as real or mock")
	}
}
