// Package fleet is the composition root wiring the event bus, task queue
// and router, agent pool and registry, swarm memory, and learning engine
// into one runnable quality-engineering fleet.
package fleet

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/agentic-qe/fleet/internal/agent"
	"github.com/agentic-qe/fleet/internal/bus"
	"github.com/agentic-qe/fleet/internal/clock"
	"github.com/agentic-qe/fleet/internal/cron"
	"github.com/agentic-qe/fleet/internal/fleeterrors"
	"github.com/agentic-qe/fleet/internal/learning"
	"github.com/agentic-qe/fleet/internal/memory"
	"github.com/agentic-qe/fleet/internal/metrics"
	"github.com/agentic-qe/fleet/internal/pool"
	"github.com/agentic-qe/fleet/internal/task"
)

// Config controls fleet-wide composition: concurrency, watchdog cadence,
// and the subsystems every worker shares.
type Config struct {
	MaxConcurrentAgents int
	PollInterval        time.Duration
	WatchdogSpec         string // cron expression; default "@every 30s"
	HeartbeatTimeout     time.Duration
	HeartbeatMissLimit   int
	MinePatternsSpec     string // cron expression; empty disables mining
	MinePatternsWindow   time.Duration
	MinePatternsMinSupport int
	DrainTimeout         time.Duration

	Bus      *bus.Bus
	Queue    *task.Queue
	Router   *task.Router
	Pool     *pool.Pool
	Registry *agent.Registry
	Memory   memory.Store
	Learner  *learning.Engine
	Metrics  *metrics.Registry
	Clock    clock.Clock
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentAgents <= 0 {
		c.MaxConcurrentAgents = 15
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.WatchdogSpec == "" {
		c.WatchdogSpec = "@every 30s"
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.HeartbeatMissLimit <= 0 {
		c.HeartbeatMissLimit = 2
	}
	if c.MinePatternsWindow <= 0 {
		c.MinePatternsWindow = time.Hour
	}
	if c.MinePatternsMinSupport <= 0 {
		c.MinePatternsMinSupport = 3
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// AgentStatus is a point-in-time snapshot of one agent, exposed by Status.
type AgentStatus struct {
	AgentID string
	Type    string
	State   agent.State
	Load    int
}

// HealthReport summarizes the whole fleet's condition.
type HealthReport struct {
	Agents      []AgentStatus
	QueueDepth  int
	ActiveTasks int32
	LastError   string
}

type outcome struct {
	result task.Result
	err    error
}

type typeRegistration struct {
	capabilities []string
	factory      func(ctx context.Context) (*agent.Agent, error)
}

// Manager is the fleet composition root.
type Manager struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	cron   *cron.Runner

	mu       sync.Mutex
	types    map[string]typeRegistration
	outcomes map[string]outcome
	waiters  map[string][]chan struct{}

	lastHeartbeat map[string]time.Time
	misses        map[string]int

	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]

	workerCancel context.CancelFunc
	wg           sync.WaitGroup
	hbSub        uint64
}

// New constructs a Manager. Call RegisterType for every agent type before
// Init.
func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:           cfg,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		types:         make(map[string]typeRegistration),
		outcomes:      make(map[string]outcome),
		waiters:       make(map[string][]chan struct{}),
		lastHeartbeat: make(map[string]time.Time),
		misses:        make(map[string]int),
	}
}

// RegisterType wires one agent type into the pool and routing table.
// factory builds a fresh *agent.Agent from a minted Config each time the
// pool grows that type's reservoir.
func (m *Manager) RegisterType(agentType string, capabilities []string, poolCfg pool.TypeConfig, newConfig func() agent.Config, factory agent.Factory) {
	m.cfg.Pool.RegisterType(agentType, poolCfg, newConfig, factory)
	m.mu.Lock()
	m.types[agentType] = typeRegistration{
		capabilities: capabilities,
		factory: func(ctx context.Context) (*agent.Agent, error) {
			return m.cfg.Registry.Create(ctx, newConfig(), factory)
		},
	}
	m.mu.Unlock()
}

// Init warms the pool, subscribes the watchdog to heartbeat events, starts
// the periodic job runner (watchdog tick, pattern mining), and launches the
// task-claiming worker loop.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.cfg.Pool.Warmup(ctx); err != nil {
		return err
	}

	m.hbSub = m.cfg.Bus.Subscribe("agent.*.heartbeat", m.onHeartbeat)
	m.cfg.Bus.Subscribe("agent.*.initialized", m.onHeartbeat)

	m.cron = cron.NewRunner(cron.Config{Clock: m.clock, Logger: m.logger})
	if err := m.cron.Register(cron.Job{Name: "watchdog", Spec: m.cfg.WatchdogSpec, Run: m.watchdogTick}); err != nil {
		return err
	}
	if m.cfg.Learner != nil && m.cfg.MinePatternsSpec != "" {
		if err := m.cron.Register(cron.Job{
			Name: "mine-patterns",
			Spec: m.cfg.MinePatternsSpec,
			Run: func(ctx context.Context) {
				if err := m.cfg.Learner.MinePatterns(ctx, m.cfg.MinePatternsWindow, m.cfg.MinePatternsMinSupport); err != nil {
					m.logger.Warn("pattern mining failed", "error", err)
				}
			},
		}); err != nil {
			return err
		}
	}
	m.cron.Start(ctx)

	var workerCtx context.Context
	workerCtx, m.workerCancel = context.WithCancel(ctx)
	for i := 0; i < m.cfg.MaxConcurrentAgents; i++ {
		m.wg.Add(1)
		go m.workerLoop(workerCtx)
	}
	return nil
}

func (m *Manager) onHeartbeat(ctx context.Context, event bus.Event) {
	fields, ok := event.Payload.(map[string]string)
	if !ok {
		return
	}
	agentID := fields["agent_id"]
	if agentID == "" {
		return
	}
	m.mu.Lock()
	m.lastHeartbeat[agentID] = m.clock.Now()
	m.misses[agentID] = 0
	m.mu.Unlock()
}

// watchdogTick checks every known agent's last heartbeat and fails any
// whose last heartbeat exceeds HeartbeatTimeout for HeartbeatMissLimit
// consecutive ticks in a row, spawning a replacement of the same type.
func (m *Manager) watchdogTick(ctx context.Context) {
	now := m.clock.Now()
	m.refreshAgentsActiveMetric()

	m.mu.Lock()
	stale := make([]string, 0)
	for _, a := range m.cfg.Registry.List() {
		last, seen := m.lastHeartbeat[a.ID()]
		if !seen {
			continue
		}
		if now.Sub(last) <= m.cfg.HeartbeatTimeout {
			continue
		}
		m.misses[a.ID()]++
		if m.misses[a.ID()] >= m.cfg.HeartbeatMissLimit {
			stale = append(stale, a.ID())
		}
	}
	m.mu.Unlock()

	for _, agentID := range stale {
		a, ok := m.cfg.Registry.Get(agentID)
		if !ok {
			continue
		}
		agentType := a.Type()
		a.Fail("watchdog: missed heartbeat threshold")
		_ = m.cfg.Registry.Remove(ctx, agentID)

		m.mu.Lock()
		delete(m.lastHeartbeat, agentID)
		delete(m.misses, agentID)
		reg, ok := m.types[agentType]
		m.mu.Unlock()
		if !ok || reg.factory == nil {
			continue
		}
		if _, err := reg.factory(ctx); err != nil {
			m.logger.Error("watchdog replacement spawn failed", "agent_type", agentType, "error", err)
		}
	}
}

// refreshAgentsActiveMetric recomputes the agent-count gauge from the live
// registry. Label combinations with no agents left in them are not reset to
// zero; this is a periodic snapshot, not a fully accurate gauge.
func (m *Manager) refreshAgentsActiveMetric() {
	if m.cfg.Metrics == nil {
		return
	}
	counts := make(map[[2]string]int)
	for _, a := range m.cfg.Registry.List() {
		counts[[2]string{a.Type(), string(a.State())}]++
	}
	for key, n := range counts {
		m.cfg.Metrics.AgentsActive.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}

// Spawn creates and registers a long-lived named agent of agentType,
// outside the pool's acquire/release reservoir, for fleet members that
// should persist across tasks.
func (m *Manager) Spawn(ctx context.Context, cfg agent.Config, factory agent.Factory) (*agent.Agent, error) {
	return m.cfg.Registry.Create(ctx, cfg, factory)
}

// Submit validates and admits a task into the priority queue.
func (m *Manager) Submit(t task.Task) error {
	if err := m.cfg.Queue.Submit(t); err != nil {
		return err
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TasksSubmitted.WithLabelValues(t.Priority.String()).Inc()
	}
	return nil
}

// Await blocks until taskID reaches a terminal outcome or ctx is canceled.
func (m *Manager) Await(ctx context.Context, taskID string) (task.Result, error) {
	m.mu.Lock()
	if o, ok := m.outcomes[taskID]; ok {
		m.mu.Unlock()
		return o.result, o.err
	}
	ch := make(chan struct{})
	m.waiters[taskID] = append(m.waiters[taskID], ch)
	m.mu.Unlock()

	select {
	case <-ch:
		m.mu.Lock()
		o := m.outcomes[taskID]
		m.mu.Unlock()
		return o.result, o.err
	case <-ctx.Done():
		return task.Result{}, ctx.Err()
	}
}

// Cancel cancels a queued or in-flight task and its dependents, and
// unblocks any Await call waiting on it or on any canceled dependent.
func (m *Manager) Cancel(taskID string) error {
	dependents := m.cfg.Queue.Cancel(taskID)
	m.recordOutcome(taskID, task.Result{TaskID: taskID}, fleeterrors.New(fleeterrors.KindCanceled, "task canceled"))
	for _, depID := range dependents {
		m.recordOutcome(depID, task.Result{TaskID: depID}, fleeterrors.New(fleeterrors.KindCanceled, "dependency "+taskID+" canceled"))
	}
	return nil
}

// Status reports one agent's current snapshot.
func (m *Manager) Status(agentID string) (AgentStatus, bool) {
	a, ok := m.cfg.Registry.Get(agentID)
	if !ok {
		return AgentStatus{}, false
	}
	return AgentStatus{AgentID: a.ID(), Type: a.Type(), State: a.State(), Load: a.Load()}, true
}

// TaskStatus reports one task's current state, attempt count, and terminal
// reason (if any). The reason prefers a recorded outcome's error over the
// queue's own LastError, since a canceled task's queue entry is never
// annotated with one.
type TaskStatus struct {
	TaskID  string
	Status  task.Status
	Attempt int
	Reason  string
}

func (m *Manager) TaskStatus(taskID string) (TaskStatus, bool) {
	t, ok := m.cfg.Queue.Get(taskID)
	if !ok {
		return TaskStatus{}, false
	}
	reason := t.LastError
	m.mu.Lock()
	if o, exists := m.outcomes[taskID]; exists && o.err != nil {
		reason = o.err.Error()
		if fe, ok := o.err.(*fleeterrors.Error); ok {
			reason = fe.Message
			if fe.Cause != nil {
				reason += ": " + fe.Cause.Error()
			}
		}
	}
	m.mu.Unlock()
	return TaskStatus{TaskID: taskID, Status: t.Status, Attempt: t.Attempt, Reason: reason}, true
}

// HealthReport summarizes every registered agent, queue depth, and
// in-flight task count.
func (m *Manager) HealthReport() HealthReport {
	agents := m.cfg.Registry.List()
	out := make([]AgentStatus, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentStatus{AgentID: a.ID(), Type: a.Type(), State: a.State(), Load: a.Load()})
	}
	lastErr := ""
	if p := m.lastError.Load(); p != nil {
		lastErr = *p
	}
	return HealthReport{
		Agents:      out,
		QueueDepth:  m.cfg.Queue.Len(),
		ActiveTasks: m.activeTasks.Load(),
		LastError:   lastErr,
	}
}

// Shutdown stops the worker loop, the periodic job runner, the pool, and
// drains the registry, aggregating any failures into one error.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.workerCancel != nil {
		m.workerCancel()
	}
	m.wg.Wait()

	if m.cron != nil {
		m.cron.Stop()
	}
	m.cfg.Bus.Unsubscribe(m.hbSub)

	var errs *multierror.Error
	m.cfg.Pool.Shutdown(ctx)
	m.cfg.Registry.DrainAll(ctx, m.cfg.DrainTimeout)
	if m.cfg.Learner != nil {
		if err := m.cfg.Learner.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if m.cfg.Memory != nil {
		if err := m.cfg.Memory.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (m *Manager) workerLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.pollOnce(ctx)
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) {
	now := m.clock.Now()
	m.cfg.Queue.RequeueExpiredLeases(now)
	m.cfg.Queue.PromoteDelayed(now)

	claim, ok := m.cfg.Queue.Claim(now)
	if !ok {
		return
	}
	m.activeTasks.Add(1)
	defer m.activeTasks.Add(-1)
	m.runClaimed(ctx, claim)
}

func (m *Manager) runClaimed(ctx context.Context, claim task.ClaimResult) {
	t := claim.Task

	candidates := m.typeCandidates()
	chosen, err := m.cfg.Router.Route(m.clock.Now(), t, candidates)
	if err != nil {
		m.failClaim(t, err.Error())
		return
	}

	a, err := m.cfg.Pool.Acquire(ctx, chosen.Type)
	if err != nil {
		m.cfg.Router.Cooldown(t.Type, chosen.Type, m.clock.Now().Add(5*time.Second))
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.PoolExhaustions.WithLabelValues(chosen.Type).Inc()
		}
		m.failClaim(t, err.Error())
		return
	}
	defer m.cfg.Pool.Release(chosen.Type, a)

	if !m.cfg.Queue.StartRun(t.ID, claim.LeaseOwner, m.clock.Now()) {
		return
	}

	start := m.clock.Now()
	result, procErr := a.Execute(ctx, t)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TaskDuration.WithLabelValues(t.Type).Observe(m.clock.Now().Sub(start).Seconds())
	}
	if procErr != nil {
		m.setLastError(procErr.Error())
		m.recordTaskFailureMetric(t, procErr)
		decision, _ := m.cfg.Queue.HandleFailure(m.clock.Now(), t.ID, procErr.Error())
		if decision.Outcome == task.OutcomeQuarantined {
			m.recordOutcome(t.ID, result, fleeterrors.Wrap(fleeterrors.KindTaskFailed, "task quarantined after repeated failure", procErr))
			m.cascadeDependentFailures(decision.FailedDependents)
			m.recordQuarantineMetric(t)
		}
		return
	}

	m.cfg.Queue.Complete(t.ID)
	m.recordOutcome(t.ID, result, nil)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TasksCompleted.WithLabelValues(t.Type).Inc()
	}
}

func (m *Manager) failClaim(t task.Task, errMsg string) {
	m.recordTaskFailureMetric(t, fleeterrors.New(fleeterrors.KindTaskFailed, errMsg))
	decision, _ := m.cfg.Queue.HandleFailure(m.clock.Now(), t.ID, errMsg)
	if decision.Outcome == task.OutcomeQuarantined {
		m.recordOutcome(t.ID, task.Result{TaskID: t.ID}, fleeterrors.New(fleeterrors.KindTaskFailed, errMsg))
		m.cascadeDependentFailures(decision.FailedDependents)
		m.recordQuarantineMetric(t)
	}
}

func (m *Manager) recordTaskFailureMetric(t task.Task, err error) {
	if m.cfg.Metrics == nil {
		return
	}
	kind, ok := fleeterrors.KindOf(err)
	if !ok {
		kind = fleeterrors.KindTaskFailed
	}
	m.cfg.Metrics.TasksFailed.WithLabelValues(t.Type, string(kind)).Inc()
}

func (m *Manager) recordQuarantineMetric(t task.Task) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.QuarantinedTasks.WithLabelValues(t.Type).Inc()
	}
}

// cascadeDependentFailures unblocks Await for every dependent a quarantine
// cascaded to failed, each with a reason naming its own failed dependency.
func (m *Manager) cascadeDependentFailures(dependents []task.DependentFailure) {
	for _, dep := range dependents {
		m.recordOutcome(dep.TaskID, task.Result{TaskID: dep.TaskID},
			fleeterrors.New(fleeterrors.KindTaskFailed, "dependency "+dep.DependsOn+" failed"))
	}
}

func (m *Manager) typeCandidates() []task.AgentSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]task.AgentSnapshot, 0, len(m.types))
	for agentType, reg := range m.types {
		out = append(out, task.AgentSnapshot{
			ID:           agentType,
			Type:         agentType,
			Capabilities: reg.capabilities,
			Load:         m.cfg.Pool.BusyCount(agentType),
		})
	}
	return out
}

// recordOutcome is first-writer-wins: if a task is canceled concurrently
// with completing (or failing), whichever outcome lands first is final.
func (m *Manager) recordOutcome(taskID string, res task.Result, err error) {
	m.mu.Lock()
	if _, exists := m.outcomes[taskID]; exists {
		m.mu.Unlock()
		return
	}
	m.outcomes[taskID] = outcome{result: res, err: err}
	waiters := m.waiters[taskID]
	delete(m.waiters, taskID)
	m.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (m *Manager) setLastError(msg string) {
	m.lastError.Store(&msg)
}
