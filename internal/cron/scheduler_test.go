package cron_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentic-qe/fleet/internal/clock"
	"github.com/agentic-qe/fleet/internal/cron"
)

type tickable interface {
	Tick(at time.Time)
}

func fireTicker(t *testing.T, r *cron.Runner, at time.Time) {
	t.Helper()
	tk, ok := r.Ticker().(tickable)
	if !ok {
		t.Fatal("runner ticker does not support manual Tick")
	}
	tk.Tick(at)
}

func waitUntil(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestRunner_FiresDueJobOnEveryTick(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := cron.NewRunner(cron.Config{Clock: fake, Logger: slog.Default(), Interval: time.Second})

	var fired int32
	if err := r.Register(cron.Job{
		Name: "mine-patterns",
		Spec: "@every 1m",
		Run:  func(ctx context.Context) { atomic.AddInt32(&fired, 1) },
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	fake.Advance(30 * time.Second)
	fireTicker(t, r, fake.Now())
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("fired = %d before first interval elapsed, want 0", fired)
	}

	fake.Advance(31 * time.Second)
	fireTicker(t, r, fake.Now())

	waitUntil(t, 2*time.Second, func() bool { return atomic.LoadInt32(&fired) != 0 })
}

func TestRunner_InvalidSpecIsRejected(t *testing.T) {
	r := cron.NewRunner(cron.Config{Clock: clock.New(), Logger: slog.Default()})
	err := r.Register(cron.Job{Name: "bad", Spec: "not a cron expr", Run: func(context.Context) {}})
	if err == nil {
		t.Fatal("Register() with invalid spec = nil error, want configuration error")
	}
}

func TestRunner_PanickingJobDoesNotStopOthers(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := cron.NewRunner(cron.Config{Clock: fake, Logger: slog.Default(), Interval: time.Second})

	var okFired int32
	_ = r.Register(cron.Job{Name: "panics", Spec: "@every 1s", Run: func(context.Context) { panic("boom") }})
	_ = r.Register(cron.Job{Name: "ok", Spec: "@every 1s", Run: func(context.Context) { atomic.AddInt32(&okFired, 1) }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	fake.Advance(2 * time.Second)
	fireTicker(t, r, fake.Now())

	waitUntil(t, 2*time.Second, func() bool { return atomic.LoadInt32(&okFired) != 0 })
}
