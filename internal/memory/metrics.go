package memory

import "context"

// OpsRecorder is the optional per-operation counter hook; nil is a valid,
// silent no-op.
type OpsRecorder interface {
	RecordOp(op, partition string)
}

// WithOpsMetrics decorates the data-access Store methods (Put, Get, Delete,
// Scan, StorePattern, QueryPatternsByAgent, UpdatePattern) with an operation
// counter keyed by op name and partition ("pattern" for the pattern-store
// methods, which have no partition of their own). WithTransaction,
// SweepExpired and Close pass through uncounted.
func WithOpsMetrics(s Store, recorder OpsRecorder) Store {
	if recorder == nil {
		return s
	}
	return &meteredStore{Store: s, recorder: recorder}
}

type meteredStore struct {
	Store
	recorder OpsRecorder
}

func (m *meteredStore) Put(ctx context.Context, partition, key string, value []byte, opts PutOptions) (bool, error) {
	m.recorder.RecordOp("put", partition)
	return m.Store.Put(ctx, partition, key, value, opts)
}

func (m *meteredStore) Get(ctx context.Context, partition, key string) (*MemoryEntry, error) {
	m.recorder.RecordOp("get", partition)
	return m.Store.Get(ctx, partition, key)
}

func (m *meteredStore) Delete(ctx context.Context, partition, key string) (bool, error) {
	m.recorder.RecordOp("delete", partition)
	return m.Store.Delete(ctx, partition, key)
}

func (m *meteredStore) Scan(ctx context.Context, partition, keyPrefix string, limit int) ([]MemoryEntry, error) {
	m.recorder.RecordOp("scan", partition)
	return m.Store.Scan(ctx, partition, keyPrefix, limit)
}

func (m *meteredStore) StorePattern(ctx context.Context, p Pattern) error {
	m.recorder.RecordOp("store_pattern", "pattern")
	return m.Store.StorePattern(ctx, p)
}

func (m *meteredStore) QueryPatternsByAgent(ctx context.Context, agentID string, minConfidence float64) ([]Pattern, error) {
	m.recorder.RecordOp("query_patterns", "pattern")
	return m.Store.QueryPatternsByAgent(ctx, agentID, minConfidence)
}

func (m *meteredStore) UpdatePattern(ctx context.Context, id string, success bool) (string, error) {
	m.recorder.RecordOp("update_pattern", "pattern")
	return m.Store.UpdatePattern(ctx, id, success)
}
