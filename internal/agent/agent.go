package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentic-qe/fleet/internal/bus"
	"github.com/agentic-qe/fleet/internal/clock"
	"github.com/agentic-qe/fleet/internal/fleeterrors"
	"github.com/agentic-qe/fleet/internal/learning"
	"github.com/agentic-qe/fleet/internal/shared"
	"github.com/agentic-qe/fleet/internal/task"
)

// Processor transforms a claimed task into a result or error. Each agent
// Type has one Processor implementation (lint runner, security scanner,
// coverage analyzer, ...).
type Processor interface {
	Process(ctx context.Context, t task.Task) (task.Result, error)
}

// Config describes one agent instance.
type Config struct {
	ID                  string
	Type                string
	Capabilities        []string
	HeartbeatInterval   time.Duration
	CancellationGraceMs time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.CancellationGraceMs <= 0 {
		c.CancellationGraceMs = 2 * time.Second
	}
	return c
}

// Agent is one fleet worker: a lifecycle state machine wrapped around a
// Processor, emitting bus events and learning experiences as it executes
// tasks.
type Agent struct {
	cfg       Config
	proc      Processor
	bus       *bus.Bus
	clock     clock.Clock
	learner   *learning.Engine
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	load      int
	cancel    context.CancelFunc
	startedAt time.Time
}

// New constructs an Agent in StateCreated. learner may be nil, in which
// case no experience is recorded for executed tasks.
func New(cfg Config, proc Processor, b *bus.Bus, clk clock.Clock, learner *learning.Engine, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:     cfg.withDefaults(),
		proc:    proc,
		bus:     b,
		clock:   clk,
		learner: learner,
		logger:  logger,
		state:   StateCreated,
	}
}

// ID, Type, Load, Capabilities, and State expose the agent's routing-
// relevant properties to a Pool/Router without locking callers out of the
// agent's own mutex.
func (a *Agent) ID() string             { return a.cfg.ID }
func (a *Agent) Type() string           { return a.cfg.Type }
func (a *Agent) Capabilities() []string { return a.cfg.Capabilities }

func (a *Agent) Load() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.load
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) transition(to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transitionLocked(to)
}

func (a *Agent) transitionLocked(to State) error {
	if !canTransition(a.state, to) {
		return illegalTransition(a.state, to)
	}
	a.state = to
	return nil
}

// Initialize moves the agent from created to idle.
func (a *Agent) Initialize(ctx context.Context) error {
	if err := a.transition(StateInitializing); err != nil {
		return err
	}
	a.mu.Lock()
	a.startedAt = a.clock.Now()
	a.mu.Unlock()
	if err := a.transition(StateIdle); err != nil {
		return err
	}
	a.emit(a.topic(eventInitialized), nil)
	return nil
}

// Pause moves an idle agent out of rotation without terminating it.
func (a *Agent) Pause() error {
	return a.transition(StatePaused)
}

// Resume moves a paused agent back to idle.
func (a *Agent) Resume() error {
	return a.transition(StateIdle)
}

// HealthCheck reports whether the agent is in a state a pool should
// consider usable.
func (a *Agent) HealthCheck() bool {
	switch a.State() {
	case StateIdle, StateBusy, StatePaused:
		return true
	default:
		return false
	}
}

// Terminate transitions the agent to terminating then terminated,
// canceling any in-flight task and then waiting the full
// CancellationGraceMs for it to observe cancellation.
func (a *Agent) Terminate(ctx context.Context) error {
	if err := a.transition(StateTerminating); err != nil {
		return err
	}
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.clock.Sleep(a.cfg.CancellationGraceMs)
	}
	err := a.transition(StateTerminated)
	a.emit(a.topic(eventTerminated), nil)
	return err
}

// Fail forces the agent into the terminal failed state, used when a
// supervising watchdog observes the agent is unresponsive.
func (a *Agent) Fail(reason string) {
	a.mu.Lock()
	a.state = StateFailed
	a.mu.Unlock()
	a.emit(a.topic(eventFailed), map[string]string{"reason": reason})
}

// Execute runs one task through the agent's Processor, recovering from a
// panic in Process (the one addition this lifecycle makes beyond the
// worker loop it is grounded on, since a panicking handler must not take
// the whole fleet down with it), applying the task's timeout, and
// publishing the same success/failure/timeout/canceled event shape for
// every outcome.
func (a *Agent) Execute(ctx context.Context, t task.Task) (result task.Result, err error) {
	if err := a.transition(StateBusy); err != nil {
		return task.Result{}, err
	}
	a.mu.Lock()
	a.load++
	a.mu.Unlock()
	a.emit(a.topic(eventTaskStarted), map[string]string{"task_id": t.ID, "agent_id": a.cfg.ID})
	defer func() {
		a.mu.Lock()
		a.load--
		a.mu.Unlock()
		if _, tErr := a.transitionAfterExecute(err); tErr != nil {
			a.logger.Warn("post-execute transition failed", "agent_id", a.cfg.ID, "error", tErr)
		}
	}()

	traceID := shared.NewTraceID()
	runCtx := shared.WithTraceID(ctx, traceID)

	timeout := time.Duration(t.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	taskCtx, cancel := context.WithTimeout(runCtx, timeout)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
	}()

	stopHeartbeat := a.startHeartbeat(taskCtx, t.ID)
	defer stopHeartbeat()

	start := a.clock.Now()
	result, procErr := a.safeProcess(taskCtx, t)
	reward := rewardFor(procErr)

	if a.learner != nil {
		expErr := a.learner.RecordExperience(context.Background(), learning.Experience{
			ID:        uuid.NewString(),
			AgentID:   a.cfg.ID,
			TaskType:  t.Type,
			StateKey:  t.Type,
			ActionKey: a.cfg.Type,
			Reward:    reward,
			Timestamp: a.clock.Now(),
		})
		if expErr != nil {
			a.logger.Warn("failed to record experience", "agent_id", a.cfg.ID, "error", expErr)
		}
		a.learner.UpdateQValue(t.Type, a.cfg.Type, reward, "")
	}

	duration := a.clock.Now().Sub(start)
	switch {
	case procErr == nil:
		a.emit(a.topic(eventTaskCompleted), map[string]string{"task_id": t.ID, "agent_id": a.cfg.ID, "duration_ms": fmt.Sprintf("%d", duration.Milliseconds())})
		return result, nil
	case taskCtx.Err() == context.DeadlineExceeded:
		a.emit(a.topic(eventTaskTimedOut), map[string]string{"task_id": t.ID, "agent_id": a.cfg.ID})
		return result, fleeterrors.Wrap(fleeterrors.KindTaskTimeout, "task execution timed out", procErr)
	case taskCtx.Err() == context.Canceled:
		a.emit(a.topic(eventTaskCanceled), map[string]string{"task_id": t.ID, "agent_id": a.cfg.ID})
		return result, fleeterrors.Wrap(fleeterrors.KindCanceled, "task execution canceled", procErr)
	default:
		a.emit(a.topic(eventTaskFailed), map[string]string{"task_id": t.ID, "agent_id": a.cfg.ID, "error": procErr.Error()})
		return result, fleeterrors.Wrap(fleeterrors.KindTaskFailed, "task execution failed", procErr)
	}
}

// transitionAfterExecute returns the agent to idle after a task, unless a
// panic already forced it to failed.
func (a *Agent) transitionAfterExecute(_ error) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateFailed || a.state == StateTerminating || a.state == StateTerminated {
		return a.state, nil
	}
	if err := a.transitionLocked(StateIdle); err != nil {
		return a.state, err
	}
	return a.state, nil
}

// safeProcess isolates a panicking Processor so one bad task run fails
// only that task instead of crashing the agent's goroutine. The teacher's
// own task loop has no equivalent guard; this recovery is grounded in the
// bus package's handler-invocation pattern instead, which does recover.
func (a *Agent) safeProcess(ctx context.Context, t task.Task) (result task.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.mu.Lock()
			a.state = StateFailed
			a.mu.Unlock()
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return a.proc.Process(ctx, t)
}

func (a *Agent) startHeartbeat(ctx context.Context, taskID string) func() {
	ticker := a.clock.NewTicker(a.cfg.HeartbeatInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-ticker.C():
				a.emit(a.topic(eventHeartbeat), map[string]string{"agent_id": a.cfg.ID, "task_id": taskID})
			}
		}
	}()
	return func() {
		select {
		case <-done:
		default:
		}
	}
}

func (a *Agent) emit(topic string, fields map[string]string) {
	if a.bus == nil {
		return
	}
	if fields == nil {
		fields = map[string]string{}
	}
	fields["agent_id"] = a.cfg.ID
	_, _ = a.bus.Publish(topic, fields, "")
}

func rewardFor(err error) float64 {
	if err == nil {
		return 1
	}
	return -1
}
