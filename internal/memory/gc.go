package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentic-qe/fleet/internal/clock"
)

const defaultSweepInterval = 60 * time.Second

// Sweeper periodically deletes TTL-expired entries so lazy expiry on Get
// isn't the only path that reclaims space for keys nobody reads again.
type Sweeper struct {
	store    Store
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	stop   chan struct{}
	done   chan struct{}
	ticker clock.Ticker
}

// NewSweeper builds a Sweeper. interval falls back to defaultSweepInterval
// when zero or negative.
func NewSweeper(store Store, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		clock:    clk,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop in its own goroutine until Stop is called. The
// ticker is created synchronously so a test driving a Fake clock can reach
// it via Ticker() without a race against the goroutine's startup.
func (s *Sweeper) Start(ctx context.Context) {
	s.ticker = s.clock.NewTicker(s.interval)
	go s.run(ctx)
}

// Ticker exposes the sweep loop's ticker so deterministic tests can fire it
// directly instead of racing a background Advance-based ticker simulation.
func (s *Sweeper) Ticker() clock.Ticker {
	return s.ticker
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	defer s.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.ticker.C():
			removed, err := s.store.SweepExpired(ctx, s.clock.Now())
			if err != nil {
				s.logger.Warn("memory sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Debug("memory sweep removed expired entries", "count", removed)
			}
		}
	}
}

// Stop signals the sweep loop to exit and blocks until it has.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
