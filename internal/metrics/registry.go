package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric instrument the fleet exports, backed by a
// dedicated Prometheus registry so the /metrics endpoint is independent of
// the default global registry (multiple fleets can run in one process in
// tests without collision).
type Registry struct {
	reg *prom.Registry

	TasksSubmitted   *prom.CounterVec
	TasksCompleted   *prom.CounterVec
	TasksFailed      *prom.CounterVec
	TaskDuration     *prom.HistogramVec
	QueueDepth       *prom.GaugeVec
	AgentsActive     *prom.GaugeVec
	PoolExhaustions  *prom.CounterVec
	BusPublished     *prom.CounterVec
	BusDropped       *prom.CounterVec
	BusMailboxDepth  *prom.GaugeVec
	MemoryOps        *prom.CounterVec
	MemoryCacheHits  prom.Counter
	MemoryCacheMiss  prom.Counter
	LearningReward   prom.Histogram
	LearningEpsilon  prom.Gauge
	QuarantinedTasks *prom.CounterVec
}

// NewRegistry builds the fleet's metric instruments on a fresh registry.
func NewRegistry() *Registry {
	reg := prom.NewRegistry()

	r := &Registry{
		reg: reg,
		TasksSubmitted: prom.NewCounterVec(prom.CounterOpts{
			Name: "fleet_tasks_submitted_total",
			Help: "Total tasks submitted to the queue, by priority.",
		}, []string{"priority"}),
		TasksCompleted: prom.NewCounterVec(prom.CounterOpts{
			Name: "fleet_tasks_completed_total",
			Help: "Total tasks completed successfully, by task type.",
		}, []string{"task_type"}),
		TasksFailed: prom.NewCounterVec(prom.CounterOpts{
			Name: "fleet_tasks_failed_total",
			Help: "Total tasks that failed, by task type and failure kind.",
		}, []string{"task_type", "kind"}),
		TaskDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Name:    "fleet_task_duration_seconds",
			Help:    "Task execution duration in seconds, by task type.",
			Buckets: prom.DefBuckets,
		}, []string{"task_type"}),
		QueueDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Name: "fleet_queue_depth",
			Help: "Current number of tasks in the queue, by priority lane.",
		}, []string{"priority"}),
		AgentsActive: prom.NewGaugeVec(prom.GaugeOpts{
			Name: "fleet_agents_active",
			Help: "Current agent count by type and lifecycle state.",
		}, []string{"agent_type", "state"}),
		PoolExhaustions: prom.NewCounterVec(prom.CounterOpts{
			Name: "fleet_pool_exhaustions_total",
			Help: "Total PoolExhausted errors, by agent type.",
		}, []string{"agent_type"}),
		BusPublished: prom.NewCounterVec(prom.CounterOpts{
			Name: "fleet_bus_published_total",
			Help: "Total events published, by topic.",
		}, []string{"topic"}),
		BusDropped: prom.NewCounterVec(prom.CounterOpts{
			Name: "fleet_bus_dropped_total",
			Help: "Total events dropped under backpressure, by topic.",
		}, []string{"topic"}),
		BusMailboxDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Name: "fleet_bus_mailbox_depth",
			Help: "Current subscriber mailbox depth, by subscriber id.",
		}, []string{"subscriber"}),
		MemoryOps: prom.NewCounterVec(prom.CounterOpts{
			Name: "fleet_memory_ops_total",
			Help: "Total swarm memory store operations, by op and partition.",
		}, []string{"op", "partition"}),
		MemoryCacheHits: prom.NewCounter(prom.CounterOpts{
			Name: "fleet_memory_pattern_cache_hits_total",
			Help: "Total pattern cache hits.",
		}),
		MemoryCacheMiss: prom.NewCounter(prom.CounterOpts{
			Name: "fleet_memory_pattern_cache_misses_total",
			Help: "Total pattern cache misses.",
		}),
		LearningReward: prom.NewHistogram(prom.HistogramOpts{
			Name:    "fleet_learning_reward",
			Help:    "Distribution of rewards recorded by the learning engine.",
			Buckets: []float64{-1, -0.5, 0, 0.25, 0.5, 0.75, 1},
		}),
		LearningEpsilon: prom.NewGauge(prom.GaugeOpts{
			Name: "fleet_learning_epsilon",
			Help: "Current exploration rate of the learning engine.",
		}),
		QuarantinedTasks: prom.NewCounterVec(prom.CounterOpts{
			Name: "fleet_quarantined_tasks_total",
			Help: "Total tasks quarantined after repeated identical failure, by task type.",
		}, []string{"task_type"}),
	}

	for _, c := range []prom.Collector{
		r.TasksSubmitted, r.TasksCompleted, r.TasksFailed, r.TaskDuration,
		r.QueueDepth, r.AgentsActive, r.PoolExhaustions,
		r.BusPublished, r.BusDropped, r.BusMailboxDepth,
		r.MemoryOps, r.MemoryCacheHits, r.MemoryCacheMiss,
		r.LearningReward, r.LearningEpsilon, r.QuarantinedTasks,
	} {
		reg.MustRegister(c)
	}

	return r
}

// Handler returns the HTTP handler to mount at /metrics. The fleet core
// never listens on a socket itself; an external adapter mounts this.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordDrop implements bus.DropRecorder.
func (r *Registry) RecordDrop(topic string) {
	r.BusDropped.WithLabelValues(topic).Inc()
}

// RecordPublish implements a lightweight publish counter the bus can call
// alongside RecordDrop; kept separate so bus need not depend on every
// Registry field.
func (r *Registry) RecordPublish(topic string) {
	r.BusPublished.WithLabelValues(topic).Inc()
}

// RecordOp implements memory.OpsRecorder.
func (r *Registry) RecordOp(op, partition string) {
	r.MemoryOps.WithLabelValues(op, partition).Inc()
}

// RecordMailboxDepth implements bus.MailboxRecorder.
func (r *Registry) RecordMailboxDepth(subscriber string, depth int) {
	r.BusMailboxDepth.WithLabelValues(subscriber).Set(float64(depth))
}

// RecordCacheHit implements memory.CacheRecorder.
func (r *Registry) RecordCacheHit() {
	r.MemoryCacheHits.Inc()
}

// RecordCacheMiss implements memory.CacheRecorder.
func (r *Registry) RecordCacheMiss() {
	r.MemoryCacheMiss.Inc()
}

// RecordLearningReward implements learning.Recorder.
func (r *Registry) RecordLearningReward(value float64) {
	r.LearningReward.Observe(value)
}

// SetLearningEpsilon implements learning.Recorder.
func (r *Registry) SetLearningEpsilon(value float64) {
	r.LearningEpsilon.Set(value)
}
