// Package pool maintains a pre-warmed reservoir of agents per type so task
// routing can acquire a ready worker instead of paying initialization cost
// on every claim.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentic-qe/fleet/internal/agent"
	"github.com/agentic-qe/fleet/internal/clock"
	"github.com/agentic-qe/fleet/internal/fleeterrors"
)

// TypeConfig bounds one agent type's reservoir.
type TypeConfig struct {
	MinSize         int
	MaxSize         int
	IdleTTL         time.Duration
	GrowthIncrement int
	AcquireTimeout  time.Duration
}

func (c TypeConfig) withDefaults() TypeConfig {
	if c.MinSize < 0 {
		c.MinSize = 0
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 10
	}
	if c.MaxSize < c.MinSize {
		c.MaxSize = c.MinSize
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	if c.GrowthIncrement <= 0 {
		c.GrowthIncrement = 1
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	return c
}

type idleEntry struct {
	a          *agent.Agent
	releasedAt time.Time
}

type reservoir struct {
	mu      sync.Mutex
	cfg     TypeConfig
	factory func(cfg agent.Config) *agent.Agent
	nextCfg func() agent.Config

	idle  []idleEntry
	busy  int
	total int
}

// Pool owns one reservoir per agent type.
type Pool struct {
	clock  clock.Clock
	logger *slog.Logger

	mu         sync.RWMutex
	reservoirs map[string]*reservoir

	stop chan struct{}
	done chan struct{}
}

// New constructs an empty Pool and starts its background reaper.
func New(clk clock.Clock, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		clock:      clk,
		logger:     logger,
		reservoirs: make(map[string]*reservoir),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// RegisterType configures a reservoir for agentType. configFactory mints a
// fresh agent.Config (with a unique id) each time the reservoir grows;
// factory builds the Agent from that config.
func (p *Pool) RegisterType(agentType string, cfg TypeConfig, configFactory func() agent.Config, factory func(cfg agent.Config) *agent.Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reservoirs[agentType] = &reservoir{cfg: cfg.withDefaults(), factory: factory, nextCfg: configFactory}
}

// Warmup pre-creates MinSize agents for every registered type.
func (p *Pool) Warmup(ctx context.Context) error {
	p.mu.RLock()
	types := make([]string, 0, len(p.reservoirs))
	for t := range p.reservoirs {
		types = append(types, t)
	}
	p.mu.RUnlock()

	for _, t := range types {
		r := p.reservoirFor(t)
		r.mu.Lock()
		target := r.cfg.MinSize
		r.mu.Unlock()
		for i := 0; i < target; i++ {
			if _, err := p.grow(ctx, r); err == nil {
				r.mu.Lock()
				// grow already appended the new agent to idle; nothing more to do.
				r.mu.Unlock()
			}
		}
	}
	return nil
}

func (p *Pool) reservoirFor(agentType string) *reservoir {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reservoirs[agentType]
}

// BusyCount reports how many agents of agentType are currently checked out,
// for load-based routing decisions. Returns 0 for an unregistered type.
func (p *Pool) BusyCount(agentType string) int {
	r := p.reservoirFor(agentType)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// RegisteredTypes returns every agent type with a reservoir, for routing
// candidate enumeration.
func (p *Pool) RegisteredTypes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.reservoirs))
	for t := range p.reservoirs {
		out = append(out, t)
	}
	return out
}

// Acquire returns an idle agent of agentType, growing the reservoir if
// under MaxSize, or blocks until AcquireTimeout elapses and reports
// PoolExhausted.
func (p *Pool) Acquire(ctx context.Context, agentType string) (*agent.Agent, error) {
	r := p.reservoirFor(agentType)
	if r == nil {
		return nil, fleeterrors.Configuration("agentType", "no pool registered for agent type "+agentType)
	}

	deadline := p.clock.Now().Add(r.cfg.AcquireTimeout)
	for {
		if a, ok := p.tryAcquire(r); ok {
			return a, nil
		}
		if p.clock.Now().After(deadline) {
			return nil, fleeterrors.New(fleeterrors.KindPoolExhausted, "pool exhausted for agent type "+agentType)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.clock.After(25 * time.Millisecond):
		}
	}
}

func (p *Pool) tryAcquire(r *reservoir) (*agent.Agent, bool) {
	r.mu.Lock()
	if len(r.idle) > 0 {
		e := r.idle[len(r.idle)-1]
		r.idle = r.idle[:len(r.idle)-1]
		r.busy++
		r.mu.Unlock()
		return e.a, true
	}
	canGrow := r.total < r.cfg.MaxSize
	r.mu.Unlock()
	if !canGrow {
		return nil, false
	}
	if a, err := p.grow(context.Background(), r); err == nil {
		r.mu.Lock()
		// pull the just-grown agent straight into busy state.
		for i, e := range r.idle {
			if e.a == a {
				r.idle = append(r.idle[:i], r.idle[i+1:]...)
				break
			}
		}
		r.busy++
		r.mu.Unlock()
		return a, true
	}
	return nil, false
}

// grow creates up to GrowthIncrement new agents (bounded by MaxSize),
// initializes them, and places them in idle. Returns the first one created.
func (p *Pool) grow(ctx context.Context, r *reservoir) (*agent.Agent, error) {
	r.mu.Lock()
	room := r.cfg.MaxSize - r.total
	n := r.cfg.GrowthIncrement
	if n > room {
		n = room
	}
	if n <= 0 {
		r.mu.Unlock()
		return nil, fleeterrors.New(fleeterrors.KindPoolExhausted, "reservoir at capacity")
	}
	r.mu.Unlock()

	var first *agent.Agent
	for i := 0; i < n; i++ {
		cfg := r.nextCfg()
		a := r.factory(cfg)
		if err := a.Initialize(ctx); err != nil {
			p.logger.Warn("pool agent initialization failed", "agent_type", cfg.Type, "error", err)
			continue
		}
		r.mu.Lock()
		r.idle = append(r.idle, idleEntry{a: a, releasedAt: p.clock.Now()})
		r.total++
		r.mu.Unlock()
		if first == nil {
			first = a
		}
	}
	if first == nil {
		return nil, fleeterrors.New(fleeterrors.KindPoolExhausted, "failed to grow reservoir")
	}
	return first, nil
}

// Release returns an agent to its type's idle reservoir.
func (p *Pool) Release(agentType string, a *agent.Agent) {
	r := p.reservoirFor(agentType)
	if r == nil {
		return
	}
	r.mu.Lock()
	r.busy--
	r.idle = append(r.idle, idleEntry{a: a, releasedAt: p.clock.Now()})
	r.mu.Unlock()
}

func (p *Pool) reapLoop() {
	defer close(p.done)
	ticker := p.clock.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C():
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.RLock()
	reservoirs := make(map[string]*reservoir, len(p.reservoirs))
	for t, r := range p.reservoirs {
		reservoirs[t] = r
	}
	p.mu.RUnlock()

	now := p.clock.Now()
	for agentType, r := range reservoirs {
		r.mu.Lock()
		var keep []idleEntry
		var reap []idleEntry
		for _, e := range r.idle {
			if len(keep)+r.busy < r.cfg.MinSize || now.Sub(e.releasedAt) < r.cfg.IdleTTL {
				keep = append(keep, e)
			} else {
				reap = append(reap, e)
			}
		}
		r.idle = keep
		r.total -= len(reap)
		r.mu.Unlock()

		for _, e := range reap {
			if err := e.a.Terminate(context.Background()); err != nil {
				p.logger.Warn("idle agent terminate failed during reap", "agent_type", agentType, "error", err)
			}
		}
	}
}

// Shutdown stops the reaper and terminates every idle agent in every
// reservoir. Agents checked out by Acquire and not yet released are not
// terminated here.
func (p *Pool) Shutdown(ctx context.Context) {
	close(p.stop)
	<-p.done

	p.mu.RLock()
	reservoirs := make([]*reservoir, 0, len(p.reservoirs))
	for _, r := range p.reservoirs {
		reservoirs = append(reservoirs, r)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, r := range reservoirs {
		r.mu.Lock()
		agents := make([]*agent.Agent, 0, len(r.idle))
		for _, e := range r.idle {
			agents = append(agents, e.a)
		}
		r.mu.Unlock()
		for _, a := range agents {
			wg.Add(1)
			go func(a *agent.Agent) {
				defer wg.Done()
				_ = a.Terminate(ctx)
			}(a)
		}
	}
	wg.Wait()
}
