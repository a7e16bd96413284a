// Package metrics collects the core's operational counters for the /metrics
// endpoint. Internal to this repository.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Namespace is the prometheus namespace every metric lives under.
const Namespace = "ducky"

// Collector owns every metric the core emits. All methods are safe on a nil
// receiver so wiring metrics stays optional in tests.
type Collector struct {
	// Task flow
	tasksSubmitted *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksBlocked   prometheus.Counter
	queueDepth     prometheus.Gauge
	queueOverflows prometheus.Counter
	retries        *prometheus.CounterVec

	// Validation
	findings *prometheus.CounterVec

	// Sandbox executions
	executions       *prometheus.CounterVec
	executionSeconds *prometheus.HistogramVec
	timeouts         prometheus.Counter

	// Pool
	poolLive      prometheus.Gauge
	poolIdle      prometheus.Gauge
	poolLeased    prometheus.Gauge
	poolWaiting   prometheus.Gauge
	poolExhausted prometheus.Counter
	acquireWait   prometheus.Histogram

	// Agents
	agentTransitions *prometheus.CounterVec
	agentInflight    *prometheus.GaugeVec

	// Cache and store
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	storeWrites *prometheus.CounterVec

	// Database pool
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers every metric under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.tasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by the orchestrator",
		},
		[]string{"capability", "priority"},
	)
	c.tasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state",
		},
		[]string{"capability", "status"},
	)
	c.taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Submission-to-terminal latency",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"capability"},
	)
	c.tasksBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_blocked_total",
			Help:      "Tasks rejected by the security validator",
		},
	)
	c.queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting in the dispatch queue",
		},
	)
	c.queueOverflows = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_overflows_total",
			Help:      "Submissions rejected with backpressure",
		},
	)
	c.retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_retries_total",
			Help:      "Dispatch retries by failure class",
		},
		[]string{"reason"},
	)

	c.findings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_findings_total",
			Help:      "Validator findings by kind and severity",
		},
		[]string{"kind", "severity"},
	)

	c.executions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_executions_total",
			Help:      "Sandbox runs by language and exit status",
		},
		[]string{"language", "status"},
	)
	c.executionSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_execution_seconds",
			Help:      "Wall time of sandbox runs",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"language"},
	)
	c.timeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_timeouts_total",
			Help:      "Runs terminated at the wall-clock deadline",
		},
	)

	c.poolLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_live_instances",
			Help:      "Sandbox instances currently alive",
		},
	)
	c.poolIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_idle_instances",
			Help:      "Warm instances ready to lease",
		},
	)
	c.poolLeased = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_leased_instances",
			Help:      "Instances currently leased to tasks",
		},
	)
	c.poolWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_waiting_acquires",
			Help:      "Acquire calls queued for a free instance",
		},
	)
	c.poolExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_exhausted_total",
			Help:      "Acquires that failed after the acquire timeout",
		},
	)
	c.acquireWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_acquire_wait_seconds",
			Help:      "Time spent waiting to lease an instance",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.agentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_state_transitions_total",
			Help:      "Agent health state transitions",
		},
		[]string{"agent_id", "from_state", "to_state"},
	)
	c.agentInflight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_inflight_tasks",
			Help:      "Tasks currently handled per agent",
		},
		[]string{"agent_id"},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by cache type",
		},
		[]string{"cache_type"},
	)
	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses by cache type",
		},
		[]string{"cache_type"},
	)
	c.storeWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Audit store writes by table and outcome",
		},
		[]string{"table", "outcome"},
	)

	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// TaskSubmitted counts an accepted submission.
func (c *Collector) TaskSubmitted(capability, priority string) {
	if c == nil {
		return
	}
	c.tasksSubmitted.WithLabelValues(capability, priority).Inc()
}

// TaskFinished counts a terminal outcome and observes its latency.
func (c *Collector) TaskFinished(capability, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.tasksFinished.WithLabelValues(capability, status).Inc()
	c.taskDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

// TaskBlocked counts a validator rejection.
func (c *Collector) TaskBlocked() {
	if c == nil {
		return
	}
	c.tasksBlocked.Inc()
}

// SetQueueDepth publishes the dispatch queue length.
func (c *Collector) SetQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(depth))
}

// QueueOverflow counts a backpressure rejection.
func (c *Collector) QueueOverflow() {
	if c == nil {
		return
	}
	c.queueOverflows.Inc()
}

// Retry counts one retry attempt by failure class.
func (c *Collector) Retry(reason string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(reason).Inc()
}

// Finding counts one validator finding.
func (c *Collector) Finding(kind, severity string) {
	if c == nil {
		return
	}
	c.findings.WithLabelValues(kind, severity).Inc()
}

// Execution records one finished sandbox run.
func (c *Collector) Execution(language, status string, wall time.Duration) {
	if c == nil {
		return
	}
	c.executions.WithLabelValues(language, status).Inc()
	c.executionSeconds.WithLabelValues(language).Observe(wall.Seconds())
}

// Timeout counts a deadline kill.
func (c *Collector) Timeout() {
	if c == nil {
		return
	}
	c.timeouts.Inc()
}

// SetPoolGauges publishes a pool snapshot.
func (c *Collector) SetPoolGauges(live, idle, leased, waiting int) {
	if c == nil {
		return
	}
	c.poolLive.Set(float64(live))
	c.poolIdle.Set(float64(idle))
	c.poolLeased.Set(float64(leased))
	c.poolWaiting.Set(float64(waiting))
}

// PoolExhausted counts an acquire that timed out.
func (c *Collector) PoolExhausted() {
	if c == nil {
		return
	}
	c.poolExhausted.Inc()
}

// ObserveAcquireWait records how long a lease took to obtain.
func (c *Collector) ObserveAcquireWait(wait time.Duration) {
	if c == nil {
		return
	}
	c.acquireWait.Observe(wait.Seconds())
}

// AgentTransition counts one health state change.
func (c *Collector) AgentTransition(agentID, from, to string) {
	if c == nil {
		return
	}
	c.agentTransitions.WithLabelValues(agentID, from, to).Inc()
}

// SetAgentInflight publishes an agent's current load.
func (c *Collector) SetAgentInflight(agentID string, inflight int) {
	if c == nil {
		return
	}
	c.agentInflight.WithLabelValues(agentID).Set(float64(inflight))
}

// CacheHit counts a cache hit.
func (c *Collector) CacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// CacheMiss counts a cache miss.
func (c *Collector) CacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// StoreWrite counts an audit store write.
func (c *Collector) StoreWrite(table string, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.storeWrites.WithLabelValues(table, outcome).Inc()
}

// SetDBConnections publishes database pool occupancy.
func (c *Collector) SetDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}
