// Package cron provides a periodic job runner that fires named jobs on
// their own cron schedule: learning pattern mining and fleet watchdog ticks
// register here instead of each hand-rolling a ticker loop. The memory GC
// Sweeper does not use this runner; it drives its own clock ticker.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/agentic-qe/fleet/internal/clock"
	"github.com/agentic-qe/fleet/internal/fleeterrors"
)

// cronParser accepts standard 5-field cron expressions plus the "@every 1m"
// shorthand robfig/cron/v3 supports.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one periodically-fired unit of fleet housekeeping.
type Job struct {
	Name string
	Spec string // cron expression, e.g. "*/1 * * * *" or "@every 30s"
	Run  func(ctx context.Context)

	schedule cronlib.Schedule
	nextRun  time.Time
}

// Config holds the Runner's dependencies.
type Config struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Interval time.Duration // poll tick; defaults to 10s
}

// Runner polls its registered Jobs on Interval and fires any whose cron
// schedule is due, recovering from a panicking job so one bad job doesn't
// stop the others from running.
type Runner struct {
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs []*Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
	ticker clock.Ticker
}

const defaultInterval = 10 * time.Second

// NewRunner builds a Runner. Register jobs with Register before Start.
func NewRunner(cfg Config) *Runner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{clock: clk, logger: logger, interval: interval}
}

// Register parses j's cron spec and adds it to the runner. Safe to call
// before or after Start.
func (r *Runner) Register(j Job) error {
	sched, err := cronParser.Parse(j.Spec)
	if err != nil {
		return fleeterrors.Wrap(fleeterrors.KindConfiguration, "invalid cron spec for job "+j.Name, err)
	}
	j.schedule = sched
	j.nextRun = sched.Next(r.clock.Now())
	r.mu.Lock()
	r.jobs = append(r.jobs, &j)
	r.mu.Unlock()
	return nil
}

// Start begins the poll loop in its own goroutine until Stop is called. The
// ticker is created synchronously so a test driving a Fake clock can reach
// it via Ticker() without a race against the goroutine's startup.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.ticker = r.clock.NewTicker(r.interval)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("cron runner started", "interval", r.interval)
}

// Ticker exposes the poll loop's ticker so deterministic tests can fire it
// directly instead of racing a background Advance-based simulation.
func (r *Runner) Ticker() clock.Ticker {
	return r.ticker
}

// Stop cancels the poll loop and waits for it to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("cron runner stopped")
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	defer r.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ticker.C():
			r.tick(ctx)
		}
	}
}

// tick fires every job whose nextRun has elapsed and reschedules it.
func (r *Runner) tick(ctx context.Context) {
	now := r.clock.Now()

	r.mu.Lock()
	var due []*Job
	for _, j := range r.jobs {
		if !now.Before(j.nextRun) {
			due = append(due, j)
			j.nextRun = j.schedule.Next(now)
		}
	}
	r.mu.Unlock()

	for _, j := range due {
		r.runSafely(ctx, j)
	}
}

func (r *Runner) runSafely(ctx context.Context, j *Job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("cron job panicked", "job", j.Name, "panic", rec)
		}
	}()
	j.Run(ctx)
}
