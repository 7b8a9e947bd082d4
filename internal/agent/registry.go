package agent

import (
	"context"
	"sync"
	"time"

	"github.com/agentic-qe/fleet/internal/fleeterrors"
)

// Factory builds a new Agent for cfg. Pool/fleet code supplies one Factory
// per agent type, closing over the Processor that type should run.
type Factory func(cfg Config) *Agent

// Registry manages the lifecycle of every agent currently running in the
// fleet, keyed by agent id.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Create initializes a new agent and adds it to the registry. Returns a
// ConfigurationError if an agent with this id already exists.
func (r *Registry) Create(ctx context.Context, cfg Config, factory Factory) (*Agent, error) {
	r.mu.RLock()
	_, exists := r.agents[cfg.ID]
	r.mu.RUnlock()
	if exists {
		return nil, fleeterrors.Configuration("id", "agent already exists: "+cfg.ID)
	}

	a := factory(cfg)
	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, dup := r.agents[cfg.ID]; dup {
		r.mu.Unlock()
		_ = a.Terminate(ctx)
		return nil, fleeterrors.Configuration("id", "agent already exists (concurrent create): "+cfg.ID)
	}
	r.agents[cfg.ID] = a
	r.mu.Unlock()
	return a, nil
}

// Remove terminates and unregisters an agent.
func (r *Registry) Remove(ctx context.Context, agentID string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fleeterrors.New(fleeterrors.KindConfiguration, "agent not found: "+agentID)
	}
	delete(r.agents, agentID)
	r.mu.Unlock()
	return a.Terminate(ctx)
}

// Get returns a running agent by id.
func (r *Registry) Get(agentID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// List returns every currently registered agent.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// ByType returns every registered agent of the given type that currently
// passes HealthCheck, for routing.
func (r *Registry) ByType(agentType string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.Type() == agentType && a.HealthCheck() {
			out = append(out, a)
		}
	}
	return out
}

// DrainAll terminates every registered agent in parallel, waiting up to
// timeout total.
func (r *Registry) DrainAll(ctx context.Context, timeout time.Duration) {
	r.mu.RLock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	drainCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(a *Agent) {
			defer wg.Done()
			_ = a.Terminate(drainCtx)
		}(a)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-drainCtx.Done():
	}

	r.mu.Lock()
	r.agents = make(map[string]*Agent)
	r.mu.Unlock()
}
