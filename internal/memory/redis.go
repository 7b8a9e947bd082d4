package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore is the networked backend: it gives every fleet process in a
// deployment the same swarm memory view, at the cost of the single-process
// transaction guarantees the embedded backend offers for free.
type redisStore struct {
	client    *redis.Client
	keyPrefix string
}

func openRedis(ctx context.Context, cfg Config) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "aqe"
	}
	return &redisStore{client: client, keyPrefix: prefix}, nil
}

type redisEntry struct {
	Value     []byte            `json:"value"`
	TTLMs     int64             `json:"ttl_ms"`
	AgentID   string            `json:"agent_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (r *redisStore) entryKey(partition, key string) string {
	return fmt.Sprintf("%s:mem:%s:%s", r.keyPrefix, partition, key)
}

func (r *redisStore) scanPrefix(partition string) string {
	return fmt.Sprintf("%s:mem:%s:", r.keyPrefix, partition)
}

func (r *redisStore) patternKey(id string) string {
	return fmt.Sprintf("%s:pattern:%s", r.keyPrefix, id)
}

func (r *redisStore) patternsByAgentKey(agentID string) string {
	return fmt.Sprintf("%s:pattern-idx:%s", r.keyPrefix, agentID)
}

func (r *redisStore) Put(ctx context.Context, partition, key string, value []byte, opts PutOptions) (bool, error) {
	k := r.entryKey(partition, key)
	now := time.Now().UTC()

	existing, err := r.client.Get(ctx, k).Result()
	created := err == redis.Nil
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("put %s/%s: %w", partition, key, err)
	}

	entry := redisEntry{
		Value:     value,
		TTLMs:     opts.TTLMs,
		AgentID:   opts.AgentID,
		Metadata:  opts.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !created {
		var prior redisEntry
		if json.Unmarshal([]byte(existing), &prior) == nil {
			entry.CreatedAt = prior.CreatedAt
		}
	}

	blob, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode entry %s/%s: %w", partition, key, err)
	}

	var ttl time.Duration
	if opts.TTLMs > 0 {
		ttl = time.Duration(opts.TTLMs) * time.Millisecond
	}
	if err := r.client.Set(ctx, k, blob, ttl).Err(); err != nil {
		return false, fmt.Errorf("put %s/%s: %w", partition, key, err)
	}
	return created, nil
}

func (r *redisStore) Get(ctx context.Context, partition, key string) (*MemoryEntry, error) {
	blob, err := r.client.Get(ctx, r.entryKey(partition, key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", partition, key, err)
	}
	var e redisEntry
	if err := json.Unmarshal([]byte(blob), &e); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", partition, key, err)
	}
	out := &MemoryEntry{
		Partition: partition, Key: key, Value: e.Value, TTLMs: e.TTLMs,
		AgentID: e.AgentID, Metadata: e.Metadata, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt,
	}
	if out.expired(time.Now()) {
		_, _ = r.Delete(ctx, partition, key)
		return nil, nil
	}
	return out, nil
}

func (r *redisStore) Delete(ctx context.Context, partition, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.entryKey(partition, key)).Result()
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", partition, key, err)
	}
	return n > 0, nil
}

// Scan iterates via SCAN/MATCH (safe for a live keyspace, unlike KEYS) and
// sorts results lexicographically in-process since Redis gives no ordering
// guarantee across cursor batches.
func (r *redisStore) Scan(ctx context.Context, partition, keyPrefix string, limit int) ([]MemoryEntry, error) {
	prefix := r.scanPrefix(partition)
	match := prefix + keyPrefix + "*"

	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", partition, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)

	now := time.Now()
	out := make([]MemoryEntry, 0, len(keys))
	for _, k := range keys {
		blob, err := r.client.Get(ctx, k).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", partition, err)
		}
		var e redisEntry
		if err := json.Unmarshal([]byte(blob), &e); err != nil {
			continue
		}
		key := strings.TrimPrefix(k, prefix)
		entry := MemoryEntry{Partition: partition, Key: key, Value: e.Value, TTLMs: e.TTLMs,
			AgentID: e.AgentID, Metadata: e.Metadata, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}
		if entry.expired(now) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *redisStore) StorePattern(ctx context.Context, p Pattern) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.LastUsedAt = p.CreatedAt
	blob, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pattern %s: %w", p.ID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.patternKey(p.ID), blob, 0)
	pipe.SAdd(ctx, r.patternsByAgentKey(p.AgentID), p.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store pattern %s: %w", p.ID, err)
	}
	return nil
}

// QueryPatternsByAgent indexes patterns per agent in a Redis SET, so the
// SMEMBERS scan is bounded by that agent's pattern count rather than the
// total population, matching the sub-linear-by-agent requirement.
func (r *redisStore) QueryPatternsByAgent(ctx context.Context, agentID string, minConfidence float64) ([]Pattern, error) {
	ids, err := r.client.SMembers(ctx, r.patternsByAgentKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("query patterns for %s: %w", agentID, err)
	}
	out := make([]Pattern, 0, len(ids))
	for _, id := range ids {
		blob, err := r.client.Get(ctx, r.patternKey(id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load pattern %s: %w", id, err)
		}
		var p Pattern
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			continue
		}
		if !p.Visible() || p.Confidence() < minConfidence {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence() != out[j].Confidence() {
			return out[i].Confidence() > out[j].Confidence()
		}
		return out[i].LastUsedAt.After(out[j].LastUsedAt)
	})
	return out, nil
}

func (r *redisStore) UpdatePattern(ctx context.Context, id string, success bool) (string, error) {
	blob, err := r.client.Get(ctx, r.patternKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("update pattern %s: %w", id, err)
	}
	var p Pattern
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return "", fmt.Errorf("decode pattern %s: %w", id, err)
	}
	if success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
	p.LastUsedAt = time.Now().UTC()
	updated, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	if err := r.client.Set(ctx, r.patternKey(id), updated, 0).Err(); err != nil {
		return "", err
	}
	return p.AgentID, nil
}

// WithTransaction runs fn directly: go-redis's MULTI/EXEC pipelining only
// buffers blind writes, it cannot interleave the read-then-write sequences
// our Store methods perform, so this backend offers no stronger atomicity
// than calling the methods in sequence. Callers that need cross-process
// atomicity should prefer the embedded backend or take an explicit
// optimistic-lock pattern (WATCH) at the call site.
func (r *redisStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (r *redisStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	// Redis expires ttl-bearing keys natively; nothing for the sweeper to
	// do beyond what SET ... EX already schedules. Lazy Get-time eviction
	// covers entries whose Go-side MemoryEntry.TTLMs predates Redis's own
	// clock skew tolerance.
	return 0, nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}
