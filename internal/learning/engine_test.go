package learning

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/agentic-qe/fleet/internal/bus"
	"github.com/agentic-qe/fleet/internal/clock"
	"github.com/agentic-qe/fleet/internal/memory"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, memory.Store, *clock.Fake) {
	t.Helper()
	store, err := memory.Open(context.Background(), memory.Config{Kind: memory.KindMock})
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New(slog.Default())
	fake := clock.NewFake(time.Now())
	e := New(store, b, fake, cfg, slog.Default(), nil)
	t.Cleanup(func() {
		_ = e.Close()
		_ = b.Shutdown(context.Background())
		_ = store.Close()
	})
	return e, store, fake
}

func TestEngine_RecordExperiencePersists(t *testing.T) {
	e, store, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	exp := Experience{ID: "exp-1", AgentID: "agent-1", TaskType: "lint", StateKey: "s1", ActionKey: "a1", Reward: 1}
	if err := e.RecordExperience(ctx, exp); err != nil {
		t.Fatal(err)
	}
	entry, err := store.Get(ctx, PartitionExperiences, "exp-1")
	if err != nil || entry == nil {
		t.Fatalf("Get() = (%+v, %v), want persisted experience", entry, err)
	}
}

func TestEngine_UpdateQValueFlushesAtBatchSize(t *testing.T) {
	e, store, _ := newTestEngine(t, Config{BatchSize: 2, FlushInterval: time.Hour})
	ctx := context.Background()

	e.UpdateQValue("s1", "a1", 1, "")
	if entry, _ := store.Get(ctx, PartitionQValues, qKey("s1", "a1")); entry != nil {
		t.Fatal("flush should not have happened before batchSize reached")
	}
	e.UpdateQValue("s1", "a2", 0, "")

	waitUntil(t, func() bool {
		entry, _ := store.Get(ctx, PartitionQValues, qKey("s1", "a1"))
		return entry != nil
	})
}

func TestEngine_UpdateQValueFlushesOnTick(t *testing.T) {
	// clock.Fake's Advance does not fire tickers and the flush ticker is
	// internal to the engine, so this test runs on the real clock with a
	// short flush interval.
	store, err := memory.Open(context.Background(), memory.Config{Kind: memory.KindMock})
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New(slog.Default())
	e := New(store, b, clock.New(), Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, slog.Default(), nil)
	t.Cleanup(func() {
		_ = e.Close()
		_ = b.Shutdown(context.Background())
		_ = store.Close()
	})
	ctx := context.Background()

	e.UpdateQValue("s1", "a1", 1, "")

	waitUntil(t, func() bool {
		entry, _ := store.Get(ctx, PartitionQValues, qKey("s1", "a1"))
		return entry != nil
	})
}

func TestEngine_TD0UpdateRule(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{Alpha: 0.5, Gamma: 0.5, BatchSize: 1})
	e.UpdateQValue("s1", "a1", 1, "")
	waitUntil(t, func() bool { return e.qValue("s1", "a1") != 0 })

	got := e.qValue("s1", "a1")
	want := 0.5 * 1.0
	if got != want {
		t.Fatalf("Q(s1,a1) = %v, want %v", got, want)
	}
}

func TestEngine_SelectActionExploitsHighestQValue(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{Epsilon: 0, BatchSize: 1})
	e.UpdateQValue("s1", "good", 10, "")
	e.UpdateQValue("s1", "bad", -10, "")
	waitUntil(t, func() bool { return e.qValue("s1", "good") > e.qValue("s1", "bad") })

	got := e.SelectAction("s1", []string{"bad", "good"})
	if got != "good" {
		t.Fatalf("SelectAction() = %q, want %q", got, "good")
	}
}

func TestEngine_SelectActionExploresWhenEpsilonOne(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{Epsilon: 1})
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		seen[e.SelectAction("s1", []string{"a", "b"})] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected exploration to hit both actions, saw %v", seen)
	}
}

func TestEngine_MinePatternsAggregatesBySignature(t *testing.T) {
	e, _, fake := newTestEngine(t, Config{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		reward := 1.0
		if i == 3 {
			reward = -1
		}
		exp := Experience{ID: idFor(i), AgentID: "agent-1", TaskType: "lint", StateKey: "s1", Reward: reward, Timestamp: fake.Now()}
		if err := e.RecordExperience(ctx, exp); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.MinePatterns(ctx, time.Hour, 3); err != nil {
		t.Fatal(err)
	}
	hints, err := e.QueryHints(ctx, "agent-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hints) != 1 {
		t.Fatalf("QueryHints() = %+v, want 1 hint", hints)
	}
	if hints[0].Confidence <= 0.5 {
		t.Fatalf("hint confidence = %v, want > 0.5 (3 success / 1 failure)", hints[0].Confidence)
	}
}

func idFor(i int) string {
	return "exp-" + string(rune('a'+i))
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
