package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// mockStore is the explicit in-memory test double (Kind == KindMock). It
// has no durability and no index beyond an in-process map, but implements
// the same ordering and TTL contracts as the real backends so tests can
// exercise callers without a database.
type mockStore struct {
	mu       sync.Mutex
	entries  map[string]map[string]MemoryEntry // partition -> key -> entry
	patterns map[string]Pattern                // id -> pattern
}

func newMockStore() *mockStore {
	return &mockStore{
		entries:  make(map[string]map[string]MemoryEntry),
		patterns: make(map[string]Pattern),
	}
}

func (m *mockStore) Put(_ context.Context, partition, key string, value []byte, opts PutOptions) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	part, ok := m.entries[partition]
	if !ok {
		part = make(map[string]MemoryEntry)
		m.entries[partition] = part
	}
	now := time.Now()
	prior, existed := part[key]
	entry := MemoryEntry{
		Partition: partition,
		Key:       key,
		Value:     append([]byte(nil), value...),
		TTLMs:     opts.TTLMs,
		CreatedAt: now,
		UpdatedAt: now,
		AgentID:   opts.AgentID,
		Metadata:  opts.Metadata,
	}
	if existed {
		entry.CreatedAt = prior.CreatedAt
	}
	part[key] = entry
	return !existed, nil
}

func (m *mockStore) Get(_ context.Context, partition, key string) (*MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	part, ok := m.entries[partition]
	if !ok {
		return nil, nil
	}
	entry, ok := part[key]
	if !ok {
		return nil, nil
	}
	if entry.expired(time.Now()) {
		delete(part, key)
		return nil, nil
	}
	e := entry
	return &e, nil
}

func (m *mockStore) Delete(_ context.Context, partition, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	part, ok := m.entries[partition]
	if !ok {
		return false, nil
	}
	_, existed := part[key]
	delete(part, key)
	return existed, nil
}

func (m *mockStore) Scan(_ context.Context, partition, keyPrefix string, limit int) ([]MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	part, ok := m.entries[partition]
	if !ok {
		return nil, nil
	}
	now := time.Now()
	keys := make([]string, 0, len(part))
	for k, e := range part {
		if e.expired(now) {
			continue
		}
		if keyPrefix != "" && !strings.HasPrefix(k, keyPrefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]MemoryEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, part[k])
	}
	return out, nil
}

func (m *mockStore) StorePattern(_ context.Context, p Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.LastUsedAt = p.CreatedAt
	m.patterns[p.ID] = p
	return nil
}

func (m *mockStore) QueryPatternsByAgent(_ context.Context, agentID string, minConfidence float64) ([]Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches := make([]Pattern, 0)
	for _, p := range m.patterns {
		if p.AgentID != agentID || !p.Visible() {
			continue
		}
		if p.Confidence() < minConfidence {
			continue
		}
		matches = append(matches, p)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Confidence() != matches[j].Confidence() {
			return matches[i].Confidence() > matches[j].Confidence()
		}
		return matches[i].LastUsedAt.After(matches[j].LastUsedAt)
	})
	return matches, nil
}

func (m *mockStore) UpdatePattern(_ context.Context, id string, success bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[id]
	if !ok {
		return "", nil
	}
	if success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
	p.LastUsedAt = time.Now()
	m.patterns[id] = p
	return p.AgentID, nil
}

// WithTransaction has no real isolation in the mock: fn runs under the
// store's single mutex is not held here (fn may itself call back into the
// store), so atomicity is best-effort, matching the mock's role as a test
// double rather than a durability guarantee.
func (m *mockStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *mockStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, part := range m.entries {
		for k, e := range part {
			if e.expired(now) {
				delete(part, k)
				removed++
			}
		}
	}
	return removed, nil
}

func (m *mockStore) Close() error { return nil }
