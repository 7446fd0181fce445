package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gantry_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_queue_depth",
			Help: "Number of tasks waiting in the execution queue",
		},
	)

	RunningTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_running_tasks",
			Help: "Number of tasks currently executing",
		},
	)

	TasksAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_tasks_admitted_total",
			Help: "Total number of tasks admitted for execution",
		},
	)

	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_tasks_finished_total",
			Help: "Total number of finished tasks by outcome",
		},
		[]string{"outcome"},
	)

	TaskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_task_retries_total",
			Help: "Total number of task retry attempts",
		},
	)

	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gantry_task_execution_duration_seconds",
			Help:    "Task execution duration in seconds by category",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"category"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gantry_scheduling_latency_seconds",
			Help:    "Time taken to select and admit the next task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SequencePlanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gantry_sequence_plan_duration_seconds",
			Help:    "Time taken to compute an execution sequence in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"algorithm"},
	)

	PriorityRecomputes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_priority_recomputes_total",
			Help: "Total number of dynamic priority recomputation passes",
		},
	)

	// Graph metrics
	GraphTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_graph_tasks",
			Help: "Number of tasks tracked in the dependency graph",
		},
	)

	GraphEdges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_graph_edges",
			Help: "Number of dependency edges tracked in the graph",
		},
	)

	CyclesRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_cycles_rejected_total",
			Help: "Total number of dependency additions rejected for forming a cycle",
		},
	)

	// Resource metrics
	ResourceUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gantry_resource_utilization_ratio",
			Help: "Fraction of each resource pool currently allocated",
		},
		[]string{"resource"},
	)

	ResourceLeaks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_resource_leaks_total",
			Help: "Total number of forced resource reclaims after an expired cancellation grace window",
		},
	)

	// Persistence metrics
	SnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_snapshots_total",
			Help: "Total number of snapshots created by kind",
		},
		[]string{"kind"},
	)

	SnapshotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gantry_snapshot_duration_seconds",
			Help:    "Snapshot operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	TxnLogEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_txnlog_entries",
			Help: "Number of entries currently held in the transaction log",
		},
	)

	TxnLogTruncations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_txnlog_truncations_total",
			Help: "Total number of transaction log truncations",
		},
	)

	IntegrityFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_integrity_failures_total",
			Help: "Total number of integrity hash verification failures",
		},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_sessions_active",
			Help: "Number of currently active sessions",
		},
	)

	SessionsCrashed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_sessions_crashed_total",
			Help: "Total number of sessions marked crashed by the sweeper",
		},
	)

	ConflictsDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_conflicts_detected_total",
			Help: "Total number of cross-session write conflicts detected",
		},
	)

	ConflictsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_conflicts_resolved_total",
			Help: "Total number of conflicts resolved by strategy",
		},
		[]string{"strategy"},
	)

	// Event metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_events_published_total",
			Help: "Total number of lifecycle events published by type",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_events_dropped_total",
			Help: "Total number of events dropped due to slow subscribers",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gantry_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Probe metrics
	ProbeChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_probe_checks_total",
			Help: "Total number of precondition probe checks by probe and outcome",
		},
		[]string{"probe", "outcome"},
	)

	ProbeHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gantry_probe_healthy",
			Help: "Whether a precondition probe currently reports healthy (1) or not (0)",
		},
		[]string{"probe"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RunningTasks)
	prometheus.MustRegister(TasksAdmitted)
	prometheus.MustRegister(TasksFinished)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(SequencePlanDuration)
	prometheus.MustRegister(PriorityRecomputes)
	prometheus.MustRegister(GraphTasks)
	prometheus.MustRegister(GraphEdges)
	prometheus.MustRegister(CyclesRejected)
	prometheus.MustRegister(ResourceUtilization)
	prometheus.MustRegister(ResourceLeaks)
	prometheus.MustRegister(SnapshotsTotal)
	prometheus.MustRegister(SnapshotDuration)
	prometheus.MustRegister(TxnLogEntries)
	prometheus.MustRegister(TxnLogTruncations)
	prometheus.MustRegister(IntegrityFailures)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionsCrashed)
	prometheus.MustRegister(ConflictsDetected)
	prometheus.MustRegister(ConflictsResolved)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ProbeChecks)
	prometheus.MustRegister(ProbeHealthy)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
