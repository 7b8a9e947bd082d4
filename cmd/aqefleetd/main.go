// Command aqefleetd is the thin external adapter around the fleet
// composition root: it wires config, the event bus, swarm memory, the
// learning engine, the task queue/router, the agent pool/registry, and the
// watchdog cron job into one runnable Manager (no pattern-mining schedule
// is configured, so that job is not registered), then exposes
// exactly the operations the fleet contract promises — init, spawn, submit,
// await, shutdown — as two subcommands.
//
// Per-agent-type business logic (how a test-generator actually writes a
// test) is not this binary's concern; demoProcessor stands in for it so the
// pipeline has something to execute end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/agentic-qe/fleet/internal/agent"
	"github.com/agentic-qe/fleet/internal/bus"
	"github.com/agentic-qe/fleet/internal/clock"
	"github.com/agentic-qe/fleet/internal/config"
	"github.com/agentic-qe/fleet/internal/fleet"
	"github.com/agentic-qe/fleet/internal/fleeterrors"
	"github.com/agentic-qe/fleet/internal/learning"
	"github.com/agentic-qe/fleet/internal/memory"
	"github.com/agentic-qe/fleet/internal/metrics"
	"github.com/agentic-qe/fleet/internal/pool"
	"github.com/agentic-qe/fleet/internal/task"
	"github.com/agentic-qe/fleet/internal/telemetry"
)

// Exit codes the adapter surfaces, fixed by the fleet's CLI contract.
const (
	exitOK             = 0
	exitTaskFailed     = 1
	exitQualityBlocked = 2
	exitConfiguration  = 3
	exitRuntime        = 4
	exitInterrupted    = 130
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

COMMANDS:
  run                              Start the fleet daemon; blocks until interrupted
  submit -type T -payload J        Submit one task, await its outcome, exit by result
  help                             Show this message

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitConfiguration)
	}

	switch cmd := strings.ToLower(strings.TrimSpace(os.Args[1])); cmd {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(exitOK)
	case "run":
		os.Exit(runDaemon(ctx, os.Args[2:]))
	case "submit":
		os.Exit(runSubmit(ctx, os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(exitConfiguration)
	}
}

// fatalStartup logs a structured startup failure and returns the exit code
// the caller should surface; it never calls os.Exit itself so callers can
// still run deferred cleanup.
func fatalStartup(logger *slog.Logger, reasonCode string, err error, code int) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, `{"level":"ERROR","component":"aqefleetd","reason_code":%q,"error":%q}`+"\n", reasonCode, message)
	}
	return code
}

// starterAgentTypes returns the agent types to register, preferring an
// explicit pool.* section over the built-in starter roster.
func starterAgentTypes(cfg config.Config) []string {
	types := make([]string, 0, len(cfg.Pool))
	for t := range cfg.Pool {
		types = append(types, t)
	}
	return types
}

// demoProcessor stands in for a real agent-type strategy: it echoes its
// agent type and the payload's length without inspecting the payload.
// Business logic for test-generator, coverage-analyzer, and the rest is out
// of scope for this adapter.
type demoProcessor struct {
	agentType string
}

func (p demoProcessor) Process(_ context.Context, t task.Task) (task.Result, error) {
	return task.Result{
		TaskID: t.ID,
		Output: []byte(fmt.Sprintf(`{"agent_type":%q,"processed_bytes":%d}`, p.agentType, len(t.Payload))),
	}, nil
}

type fleetHandles struct {
	manager    *fleet.Manager
	memoryStor memory.Store
	learner    *learning.Engine
	metricsReg *metrics.Registry
	logCloser  func() error
	httpServer *http.Server
}

func bootstrap(ctx context.Context, quiet bool) (*fleetHandles, config.Config, *slog.Logger, int, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cfg, nil, exitConfiguration, err
	}

	logger, logFile, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, cfg, nil, exitRuntime, err
	}

	if cfg.NeedsGenesis {
		if err := writeGenesisConfig(cfg); err != nil {
			logger.Warn("could not persist genesis config.yaml, continuing with in-memory defaults", "error", err)
		} else {
			logger.Info("wrote default config.yaml", "path", config.ConfigPath(cfg.HomeDir))
		}
	}

	clk := clock.New()
	metricsReg := metrics.NewRegistry()

	eventBus := bus.NewWithConfig(cfg.ToBusConfig(), logger, clk, metricsReg)

	memConfig := cfg.ToMemoryConfig()
	memStore, err := memory.Open(ctx, memConfig)
	if err != nil {
		logFile.Close()
		return nil, cfg, logger, exitConfiguration, fmt.Errorf("open swarm memory: %w", err)
	}
	memStore = memory.WithPatternCache(memStore, memConfig.CacheSize, memConfig.CacheTTL, metricsReg)
	memStore = memory.WithOpsMetrics(memStore, metricsReg)

	learner := learning.New(memStore, eventBus, clk, cfg.ToLearningConfig(), logger, metricsReg)

	schemas := task.NewSchemaRegistry()
	queue := task.NewQueue(schemas)
	router := task.NewRouter(learner)
	agentPool := pool.New(clk, logger)
	registry := agent.NewRegistry()

	manager := fleet.New(fleet.Config{
		MaxConcurrentAgents: cfg.Fleet.MaxConcurrentAgents,
		Bus:                 eventBus,
		Queue:               queue,
		Router:              router,
		Pool:                agentPool,
		Registry:            registry,
		Memory:              memStore,
		Learner:             learner,
		Metrics:             metricsReg,
		Clock:               clk,
		Logger:              logger,
	})

	for _, agentType := range starterAgentTypes(cfg) {
		at := agentType
		newConfig := func() agent.Config {
			return agent.Config{ID: uuid.NewString(), Type: at, Capabilities: []string{at}}
		}
		factory := func(c agent.Config) *agent.Agent {
			return agent.New(c, demoProcessor{agentType: at}, eventBus, clk, learner, logger)
		}
		manager.RegisterType(at, []string{at}, cfg.ToPoolTypeConfig(at), newConfig, factory)
	}

	var httpServer *http.Server
	if cfg.BindAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsReg.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			report := manager.HealthReport()
			if report.LastError != "" {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			fmt.Fprintf(w, `{"agents":%d,"queue_depth":%d,"active_tasks":%d}`,
				len(report.Agents), report.QueueDepth, report.ActiveTasks)
		})
		httpServer = &http.Server{Addr: cfg.BindAddr, Handler: mux}
	}

	return &fleetHandles{
		manager:    manager,
		memoryStor: memStore,
		learner:    learner,
		metricsReg: metricsReg,
		logCloser:  logFile.Close,
		httpServer: httpServer,
	}, cfg, logger, exitOK, nil
}

func writeGenesisConfig(cfg config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(config.ConfigPath(cfg.HomeDir), data, 0o644)
}

// runDaemon starts the fleet, serves /healthz and /metrics if bind_addr is
// set, watches config.yaml for additive hot reloads, and blocks until the
// context is canceled (signal) or the HTTP listener fails.
func runDaemon(ctx context.Context, _ []string) int {
	handles, cfg, logger, code, err := bootstrap(ctx, false)
	if err != nil {
		return fatalStartup(logger, "E_BOOTSTRAP", err, code)
	}
	defer handles.logCloser()

	if err := handles.manager.Init(ctx); err != nil {
		return fatalStartup(logger, "E_FLEET_INIT", err, exitRuntime)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		go func() {
			current := cfg
			for range watcher.Events() {
				next, applied, err := watcher.Reload(current)
				if err != nil || !applied {
					continue
				}
				current = next
				logger.Info("fleet config hot-reloaded", "max_concurrent_agents", current.Fleet.MaxConcurrentAgents)
			}
		}()
	}

	serverErr := make(chan error, 1)
	if handles.httpServer != nil {
		go func() {
			logger.Info("serving health and metrics", "addr", handles.httpServer.Addr)
			if err := handles.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				if isAddrInUse(err) {
					err = fmt.Errorf("%w (another aqefleetd instance running on %s?)", err, handles.httpServer.Addr)
				}
				serverErr <- err
				return
			}
			serverErr <- nil
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("http listener failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if handles.httpServer != nil {
		_ = handles.httpServer.Shutdown(shutdownCtx)
	}
	if err := handles.manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("fleet shutdown reported errors", "error", err)
		return exitRuntime
	}
	if ctx.Err() != nil {
		return exitInterrupted
	}
	return exitOK
}

// runSubmit boots the fleet, submits one task, awaits its terminal outcome,
// shuts down, and maps the outcome to the fleet's exit-code contract.
func runSubmit(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	taskType := fs.String("type", "", "task type (must match a registered agent type)")
	payload := fs.String("payload", "{}", "task payload, JSON")
	priority := fs.Int("priority", int(task.P1), "task priority, 0 (P0) highest through 3 (P3)")
	timeoutMs := fs.Int64("timeout-ms", 30_000, "task execution timeout in milliseconds")
	if err := fs.Parse(args); err != nil {
		return exitConfiguration
	}
	if *taskType == "" {
		fmt.Fprintln(os.Stderr, "submit: -type is required")
		return exitConfiguration
	}

	handles, _, logger, code, err := bootstrap(ctx, true)
	if err != nil {
		return fatalStartup(logger, "E_BOOTSTRAP", err, code)
	}
	defer handles.logCloser()

	if err := handles.manager.Init(ctx); err != nil {
		return fatalStartup(logger, "E_FLEET_INIT", err, exitRuntime)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := handles.manager.Shutdown(shutdownCtx); err != nil {
			logger.Error("fleet shutdown reported errors", "error", err)
		}
	}()

	t := task.Task{
		ID:                   uuid.NewString(),
		Type:                 *taskType,
		Payload:              []byte(*payload),
		Priority:             task.Priority(*priority),
		RequiredCapabilities: []string{*taskType},
		TimeoutMs:            *timeoutMs,
	}
	if err := handles.manager.Submit(t); err != nil {
		logger.Error("submit rejected", "error", err)
		if kind, ok := fleeterrors.KindOf(err); ok && kind == fleeterrors.KindConfiguration {
			return exitConfiguration
		}
		return exitRuntime
	}

	result, err := handles.manager.Await(ctx, t.ID)
	if err != nil {
		if ctx.Err() != nil {
			return exitInterrupted
		}
		logger.Error("await failed", "task_id", t.ID, "error", err)
		return exitRuntime
	}
	if result.Err != nil {
		logger.Error("task failed", "task_id", t.ID, "error", result.Err)
		if kind, ok := fleeterrors.KindOf(result.Err); ok && kind == fleeterrors.KindCapabilityUnmet {
			return exitQualityBlocked
		}
		return exitTaskFailed
	}

	fmt.Println(string(result.Output))
	return exitOK
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if ok := asOpError(err, &opErr); !ok {
		return false
	}
	sysErr, ok := opErr.Err.(*os.SyscallError)
	if !ok {
		return false
	}
	return sysErr.Err == syscall.EADDRINUSE
}

func asOpError(err error, target **net.OpError) bool {
	for err != nil {
		if opErr, ok := err.(*net.OpError); ok {
			*target = opErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
