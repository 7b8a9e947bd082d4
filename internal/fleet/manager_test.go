package fleet_test

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentic-qe/fleet/internal/agent"
	"github.com/agentic-qe/fleet/internal/bus"
	"github.com/agentic-qe/fleet/internal/clock"
	"github.com/agentic-qe/fleet/internal/fleet"
	"github.com/agentic-qe/fleet/internal/memory"
	"github.com/agentic-qe/fleet/internal/metrics"
	"github.com/agentic-qe/fleet/internal/pool"
	"github.com/agentic-qe/fleet/internal/task"
)

type echoProcessor struct{}

func (echoProcessor) Process(ctx context.Context, t task.Task) (task.Result, error) {
	return task.Result{TaskID: t.ID, Output: t.Payload}, nil
}

func newTestManager(t *testing.T) *fleet.Manager {
	t.Helper()
	m, _ := newTestManagerWithMetrics(t)
	return m
}

func newTestManagerWithMetrics(t *testing.T) (*fleet.Manager, *metrics.Registry) {
	t.Helper()
	b := bus.New(slog.Default())
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	clk := clock.New()
	q := task.NewQueue(task.NewSchemaRegistry())
	router := task.NewRouter(nil)
	p := pool.New(clk, slog.Default())
	reg := agent.NewRegistry()
	store, err := memory.Open(context.Background(), memory.Config{Kind: memory.KindMock})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	metricsReg := metrics.NewRegistry()

	m := fleet.New(fleet.Config{
		MaxConcurrentAgents: 2,
		PollInterval:        5 * time.Millisecond,
		WatchdogSpec:        "@every 1h",
		Bus:                 b,
		Queue:                q,
		Router:               router,
		Pool:                 p,
		Registry:             reg,
		Memory:               store,
		Metrics:              metricsReg,
		Clock:                clk,
		Logger:               slog.Default(),
	})

	counter := 0
	m.RegisterType("lint", []string{"static-analysis"}, pool.TypeConfig{MinSize: 1, MaxSize: 3, AcquireTimeout: time.Second}, func() agent.Config {
		counter++
		return agent.Config{ID: idFor(counter), Type: "lint", Capabilities: []string{"static-analysis"}}
	}, func(cfg agent.Config) *agent.Agent {
		return agent.New(cfg, echoProcessor{}, b, clk, nil, slog.Default())
	})

	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, metricsReg
}

func idFor(n int) string {
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if len(digits) == 0 {
		digits = []byte{'0'}
	}
	return "lint-" + string(digits)
}

func TestManager_SubmitAndAwaitCompletesTask(t *testing.T) {
	m := newTestManager(t)

	if err := m.Submit(task.Task{ID: "t1", Type: "lint", RequiredCapabilities: []string{"static-analysis"}, Payload: []byte("hello")}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := m.Await(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if result.TaskID != "t1" {
		t.Fatalf("result.TaskID = %q, want t1", result.TaskID)
	}
}

func TestManager_UnmatchedCapabilityNeverCompletes(t *testing.T) {
	m := newTestManager(t)

	if err := m.Submit(task.Task{ID: "t2", Type: "lint", RequiredCapabilities: []string{"nonexistent-capability"}}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := m.Await(ctx, "t2")
	if err == nil {
		t.Fatal("Await() for an unroutable task = nil error, want deadline exceeded")
	}
}

func TestManager_HealthReportReflectsQueueDepth(t *testing.T) {
	m := newTestManager(t)
	if err := m.Submit(task.Task{ID: "t3", Type: "lint", RequiredCapabilities: []string{"static-analysis"}}); err != nil {
		t.Fatal(err)
	}
	report := m.HealthReport()
	if report.QueueDepth < 0 {
		t.Fatalf("QueueDepth = %d, want >= 0", report.QueueDepth)
	}
}

func TestManager_QuarantinedParentCascadesFailureToDependents(t *testing.T) {
	m := newTestManager(t)
	if err := m.Submit(task.Task{ID: "parent5", Type: "lint", RequiredCapabilities: []string{"nonexistent-capability"}}); err != nil {
		t.Fatal(err)
	}
	if err := m.Submit(task.Task{ID: "child5", Type: "lint", RequiredCapabilities: []string{"static-analysis"}, Dependencies: []string{"parent5"}}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := m.Await(ctx, "child5")
	if err == nil {
		t.Fatal("Await() for a dependent of a quarantined parent = nil error, want dependency failure")
	}
	if ctx.Err() != nil {
		t.Fatal("Await() for dependent blocked until the context deadline, want immediate cascade from the parent's quarantine")
	}
}

func TestManager_TaskStatusReportsReasonForDependencyFailure(t *testing.T) {
	m := newTestManager(t)
	if err := m.Submit(task.Task{ID: "parent6", Type: "lint", RequiredCapabilities: []string{"nonexistent-capability"}}); err != nil {
		t.Fatal(err)
	}
	if err := m.Submit(task.Task{ID: "child6", Type: "lint", RequiredCapabilities: []string{"static-analysis"}, Dependencies: []string{"parent6"}}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := m.Await(ctx, "child6"); err == nil {
		t.Fatal("Await() = nil error, want dependency failure")
	}

	status, ok := m.TaskStatus("child6")
	if !ok {
		t.Fatal("TaskStatus() = false, want true")
	}
	if status.Status != task.StatusFailed {
		t.Fatalf("TaskStatus().Status = %v, want failed", status.Status)
	}
	if status.Reason != "dependency parent6 failed" {
		t.Fatalf("TaskStatus().Reason = %q, want %q", status.Reason, "dependency parent6 failed")
	}
}

func TestManager_TaskStatusUnknownIDReturnsFalse(t *testing.T) {
	m := newTestManager(t)
	if _, ok := m.TaskStatus("never-submitted"); ok {
		t.Fatal("TaskStatus() for an unknown id = true, want false")
	}
}

func TestManager_MetricsCountSubmittedAndCompletedTasks(t *testing.T) {
	m, metricsReg := newTestManagerWithMetrics(t)
	if err := m.Submit(task.Task{ID: "m1", Type: "lint", RequiredCapabilities: []string{"static-analysis"}, Payload: []byte("hi")}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := m.Await(ctx, "m1"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	metricsReg.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()
	for _, want := range []string{
		`fleet_tasks_submitted_total{priority="P0"} 1`,
		`fleet_tasks_completed_total{task_type="lint"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected /metrics body to contain %q, got:\n%s", want, body)
		}
	}
}

func TestManager_CancelUnblocksAwaitImmediately(t *testing.T) {
	m := newTestManager(t)
	if err := m.Submit(task.Task{ID: "t4", Type: "lint", RequiredCapabilities: []string{"nonexistent-capability"}}); err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel("t4"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := m.Await(ctx, "t4")
	if err == nil {
		t.Fatal("Await() for a canceled task = nil error, want canceled error")
	}
}
