package memory

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/agentic-qe/fleet/internal/clock"
)

func TestSweeper_RemovesExpiredEntriesOnTick(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	if _, err := store.Put(ctx, "p", "short", []byte("v"), PutOptions{TTLMs: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(ctx, "p", "long", []byte("v"), PutOptions{}); err != nil {
		t.Fatal(err)
	}

	fake := clock.NewFake(time.Now())
	sweeper := NewSweeper(store, fake, time.Second, slog.Default())
	sweeper.Start(ctx)
	defer sweeper.Stop()

	fake.Advance(2 * time.Second)
	sweeper.Ticker().(interface{ Tick(time.Time) }).Tick(fake.Now())
	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, stillPresent := store.entries["p"]["short"]
		return !stillPresent
	})

	if entry, _ := store.Get(ctx, "p", "long"); entry == nil {
		t.Fatal("non-expiring entry should have survived the sweep")
	}
}

func waitFor(t *testing.T, cond func() bool) {
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
