package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize = 1000
	defaultCacheTTL  = 60 * time.Second
)

// cachedStore wraps a Store with an LRU+TTL cache in front of
// QueryPatternsByAgent, the pattern-lookup read path. Every other method
// passes through untouched.
type cachedStore struct {
	Store
	recorder CacheRecorder

	mu    sync.Mutex
	lru   *lru.Cache[string, cacheEntry]
	ttl   time.Duration
	clock func() time.Time
}

type cacheEntry struct {
	patterns []Pattern
	storedAt time.Time
}

// CacheRecorder is the optional hit/miss counter hook; nil is a valid,
// silent no-op.
type CacheRecorder interface {
	RecordCacheHit()
	RecordCacheMiss()
}

// WithPatternCache decorates an existing Store with an LRU+TTL cache keyed
// by (agentID, minConfidence). size and ttl fall back to sane defaults when
// zero or negative.
func WithPatternCache(s Store, size int, ttl time.Duration, recorder CacheRecorder) Store {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c, err := lru.New[string, cacheEntry](size)
	if err != nil {
		// Only returns an error for a non-positive size, which is ruled out
		// above; keeping the panic makes a future refactor bug loud instead
		// of silently disabling the cache.
		panic(err)
	}
	return &cachedStore{Store: s, recorder: recorder, lru: c, ttl: ttl, clock: time.Now}
}

func cacheKey(agentID string, minConfidence float64) string {
	return agentID + "|" + strconv.FormatFloat(minConfidence, 'f', 3, 64)
}

func (c *cachedStore) QueryPatternsByAgent(ctx context.Context, agentID string, minConfidence float64) ([]Pattern, error) {
	key := cacheKey(agentID, minConfidence)

	c.mu.Lock()
	if entry, ok := c.lru.Get(key); ok {
		if c.clock().Sub(entry.storedAt) < c.ttl {
			c.mu.Unlock()
			c.recordHit()
			return entry.patterns, nil
		}
		c.lru.Remove(key)
	}
	c.mu.Unlock()
	c.recordMiss()

	patterns, err := c.Store.QueryPatternsByAgent(ctx, agentID, minConfidence)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lru.Add(key, cacheEntry{patterns: patterns, storedAt: c.clock()})
	c.mu.Unlock()
	return patterns, nil
}

func (c *cachedStore) StorePattern(ctx context.Context, p Pattern) error {
	if err := c.Store.StorePattern(ctx, p); err != nil {
		return err
	}
	c.invalidate(p.AgentID)
	return nil
}

func (c *cachedStore) UpdatePattern(ctx context.Context, id string, success bool) (string, error) {
	agentID, err := c.Store.UpdatePattern(ctx, id, success)
	if err != nil {
		return "", err
	}
	if agentID != "" {
		c.invalidate(agentID)
	}
	return agentID, nil
}

func (c *cachedStore) invalidate(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		if len(key) > len(agentID) && key[:len(agentID)+1] == agentID+"|" {
			c.lru.Remove(key)
		}
	}
}

func (c *cachedStore) recordHit() {
	if c.recorder != nil {
		c.recorder.RecordCacheHit()
	}
}

func (c *cachedStore) recordMiss() {
	if c.recorder != nil {
		c.recorder.RecordCacheMiss()
	}
}
