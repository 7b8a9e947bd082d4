package memory

import (
	"context"
	"testing"
)

type countingOpsRecorder struct {
	ops map[string]int
}

func (c *countingOpsRecorder) RecordOp(op, partition string) {
	if c.ops == nil {
		c.ops = make(map[string]int)
	}
	c.ops[op+"|"+partition]++
}

func TestWithOpsMetrics_CountsEachOperation(t *testing.T) {
	ctx := context.Background()
	rec := &countingOpsRecorder{}
	store := WithOpsMetrics(newMockStore(), rec)

	if _, err := store.Put(ctx, "p1", "k1", []byte("v"), PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "p1", "k1"); err != nil {
		t.Fatal(err)
	}
	if err := store.StorePattern(ctx, Pattern{ID: "pat1", AgentID: "agent-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdatePattern(ctx, "pat1", true); err != nil {
		t.Fatal(err)
	}

	want := map[string]int{"put|p1": 1, "get|p1": 1, "store_pattern|pattern": 1, "update_pattern|pattern": 1}
	for k, n := range want {
		if rec.ops[k] != n {
			t.Fatalf("ops[%q] = %d, want %d (all: %+v)", k, rec.ops[k], n, rec.ops)
		}
	}
}

func TestWithOpsMetrics_NilRecorderReturnsStoreUnwrapped(t *testing.T) {
	inner := newMockStore()
	if WithOpsMetrics(inner, nil) != Store(inner) {
		t.Fatal("WithOpsMetrics(s, nil) should return s unchanged")
	}
}
