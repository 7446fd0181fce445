// Package metrics provides Prometheus instrumentation for all Gantry
// subsystems: task lifecycle, scheduling, the dependency graph, resource
// pools, persistence, sessions, and the HTTP API.
//
// # Architecture
//
// All collectors are package-level variables registered once in init()
// against the default Prometheus registry. Components update them directly;
// the API server exposes them under /metrics via Handler():
//
//	┌──────────┐  ┌──────────┐  ┌──────────┐  ┌──────────┐
//	│  queue   │  │ snapshot │  │ session  │  │   api    │
//	└────┬─────┘  └────┬─────┘  └────┬─────┘  └────┬─────┘
//	     │             │             │             │
//	     └─────────────┴──────┬──────┴─────────────┘
//	                          ▼
//	               ┌────────────────────┐
//	               │  default registry  │
//	               └─────────┬──────────┘
//	                         ▼
//	                  GET /metrics
//
// # Core Components
//
// Collectors: gauges for instantaneous state (queue depth, running tasks,
// active sessions, resource utilization), counters for monotone totals
// (admissions, retries, truncations, dropped events), and histograms for
// durations (execution time by category, scheduling latency, snapshot
// create/restore).
//
// Timer: a small helper for timing an operation and observing the result
// on a histogram or histogram vec:
//
//	timer := metrics.NewTimer()
//	defer timer.ObserveDurationVec(metrics.TaskExecutionDuration, string(task.Category))
//
// Handler: returns the promhttp handler for mounting on the API router.
//
// # Naming Conventions
//
// Every metric carries the gantry_ prefix. Durations are histograms in
// seconds with a _seconds suffix. Monotone counters end in _total. Label
// cardinality is kept low: task status, category, snapshot kind, resolution
// strategy, and HTTP method are the only label dimensions.
//
// # Integration Points
//
//   - pkg/queue: QueueDepth, RunningTasks, TasksAdmitted, SchedulingLatency
//   - pkg/executor: TaskExecutionDuration, TaskRetries, TasksFinished
//   - pkg/graph: GraphTasks, GraphEdges, CyclesRejected
//   - pkg/snapshot: SnapshotsTotal, SnapshotDuration, IntegrityFailures
//   - pkg/txnlog: TxnLogEntries, TxnLogTruncations
//   - pkg/session: SessionsActive, SessionsCrashed
//   - pkg/conflict: ConflictsDetected, ConflictsResolved
//   - pkg/events: EventsPublished, EventsDropped
//   - pkg/api: APIRequestsTotal, APIRequestDuration, mounts Handler()
package metrics
