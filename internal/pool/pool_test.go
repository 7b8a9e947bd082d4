package pool

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/agentic-qe/fleet/internal/agent"
	"github.com/agentic-qe/fleet/internal/bus"
	"github.com/agentic-qe/fleet/internal/clock"
	"github.com/agentic-qe/fleet/internal/task"
)

type passthroughProcessor struct{}

func (passthroughProcessor) Process(ctx context.Context, t task.Task) (task.Result, error) {
	return task.Result{TaskID: t.ID}, nil
}

func newAgentFactory(b *bus.Bus, clk clock.Clock) func(agent.Config) *agent.Agent {
	return func(cfg agent.Config) *agent.Agent {
		return agent.New(cfg, passthroughProcessor{}, b, clk, nil, slog.Default())
	}
}

func TestPool_WarmupCreatesMinSize(t *testing.T) {
	b := bus.New(slog.Default())
	defer b.Shutdown(context.Background())
	clk := clock.New()
	p := New(clk, slog.Default())
	defer p.Shutdown(context.Background())

	counter := 0
	p.RegisterType("lint", TypeConfig{MinSize: 2, MaxSize: 5, AcquireTimeout: time.Second}, func() agent.Config {
		counter++
		return agent.Config{ID: "lint-" + itoa(counter), Type: "lint"}
	}, newAgentFactory(b, clk))

	if err := p.Warmup(context.Background()); err != nil {
		t.Fatal(err)
	}

	r := p.reservoirFor("lint")
	r.mu.Lock()
	idle := len(r.idle)
	total := r.total
	r.mu.Unlock()
	if idle != 2 || total != 2 {
		t.Fatalf("idle=%d total=%d, want 2/2 after warmup", idle, total)
	}
}

func TestPool_AcquireReleaseRoundTrip(t *testing.T) {
	b := bus.New(slog.Default())
	defer b.Shutdown(context.Background())
	clk := clock.New()
	p := New(clk, slog.Default())
	defer p.Shutdown(context.Background())

	counter := 0
	p.RegisterType("lint", TypeConfig{MinSize: 1, MaxSize: 2, AcquireTimeout: time.Second}, func() agent.Config {
		counter++
		return agent.Config{ID: "lint-" + itoa(counter), Type: "lint"}
	}, newAgentFactory(b, clk))

	a, err := p.Acquire(context.Background(), "lint")
	if err != nil {
		t.Fatal(err)
	}
	if a.State() != agent.StateIdle {
		t.Fatalf("acquired agent state = %v, want idle", a.State())
	}
	p.Release("lint", a)

	r := p.reservoirFor("lint")
	r.mu.Lock()
	busy := r.busy
	r.mu.Unlock()
	if busy != 0 {
		t.Fatalf("busy = %d after release, want 0", busy)
	}
}

func TestPool_AcquireGrowsWithinMaxSize(t *testing.T) {
	b := bus.New(slog.Default())
	defer b.Shutdown(context.Background())
	clk := clock.New()
	p := New(clk, slog.Default())
	defer p.Shutdown(context.Background())

	counter := 0
	p.RegisterType("lint", TypeConfig{MinSize: 0, MaxSize: 2, GrowthIncrement: 1, AcquireTimeout: time.Second}, func() agent.Config {
		counter++
		return agent.Config{ID: "lint-" + itoa(counter), Type: "lint"}
	}, newAgentFactory(b, clk))

	a1, err := p.Acquire(context.Background(), "lint")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := p.Acquire(context.Background(), "lint")
	if err != nil {
		t.Fatal(err)
	}
	if a1.ID() == a2.ID() {
		t.Fatal("acquired the same agent twice concurrently")
	}
}

func TestPool_AcquireExhaustedReturnsPoolExhausted(t *testing.T) {
	b := bus.New(slog.Default())
	defer b.Shutdown(context.Background())
	clk := clock.New()
	p := New(clk, slog.Default())
	defer p.Shutdown(context.Background())

	counter := 0
	p.RegisterType("lint", TypeConfig{MinSize: 0, MaxSize: 1, AcquireTimeout: 50 * time.Millisecond}, func() agent.Config {
		counter++
		return agent.Config{ID: "lint-" + itoa(counter), Type: "lint"}
	}, newAgentFactory(b, clk))

	if _, err := p.Acquire(context.Background(), "lint"); err != nil {
		t.Fatal(err)
	}
	_, err := p.Acquire(context.Background(), "lint")
	if err == nil {
		t.Fatal("second Acquire() at MaxSize=1 = nil error, want pool exhausted")
	}
}

func TestPool_UnregisteredTypeIsConfigurationError(t *testing.T) {
	p := New(clock.New(), slog.Default())
	defer p.Shutdown(context.Background())
	_, err := p.Acquire(context.Background(), "missing")
	if err == nil {
		t.Fatal("Acquire() for unregistered type = nil, want configuration error")
	}
}

func TestPool_ReaperEvictsIdleAgentsPastTTLAboveMinSize(t *testing.T) {
	b := bus.New(slog.Default())
	defer b.Shutdown(context.Background())
	fake := clock.NewFake(time.Unix(0, 0))
	p := New(fake, slog.Default())
	defer p.Shutdown(context.Background())

	counter := 0
	p.RegisterType("lint", TypeConfig{MinSize: 1, MaxSize: 5, IdleTTL: time.Minute, AcquireTimeout: time.Second}, func() agent.Config {
		counter++
		return agent.Config{ID: "lint-" + itoa(counter), Type: "lint"}
	}, newAgentFactory(b, fake))

	if err := p.Warmup(context.Background()); err != nil {
		t.Fatal(err)
	}
	a1, err := p.Acquire(context.Background(), "lint")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := p.Acquire(context.Background(), "lint")
	if err != nil {
		t.Fatal(err)
	}
	p.Release("lint", a1)
	p.Release("lint", a2)

	r := p.reservoirFor("lint")
	r.mu.Lock()
	before := len(r.idle)
	r.mu.Unlock()
	if before != 2 {
		t.Fatalf("idle before reap = %d, want 2", before)
	}

	fake.Advance(2 * time.Minute)
	p.reapOnce()

	r.mu.Lock()
	after := len(r.idle)
	r.mu.Unlock()
	if after != 1 {
		t.Fatalf("idle after reap = %d, want 1 (MinSize preserved)", after)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
