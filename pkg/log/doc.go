// Package log provides structured logging for all Gantry components using
// zerolog for high-performance, structured JSON logging.
//
// # Architecture
//
// The log package wraps zerolog with Gantry-specific configuration and
// convenience functions. A single global logger is initialized once at
// startup and child loggers are derived from it per component:
//
//	┌─────────────────────────────────────────────────┐
//	│                  Global Logger                   │
//	│            (initialized via Init())              │
//	└───────────────────────┬─────────────────────────┘
//	                        │
//	        ┌───────────────┼───────────────┐
//	        ▼               ▼               ▼
//	┌──────────────┐ ┌──────────────┐ ┌──────────────┐
//	│ WithComponent│ │  WithTaskID  │ │WithSessionID │
//	│  ("queue")   │ │ ("task-123") │ │ ("sess-456") │
//	└──────────────┘ └──────────────┘ └──────────────┘
//
// # Core Components
//
// Config: Logging configuration with level, output format (JSON or console),
// and output destination. The zero value produces info-level console output
// on stdout.
//
// Init: One-time initialization of the global logger. Components must not
// log before Init is called by the entrypoint.
//
// Child logger constructors: WithComponent, WithTaskID, WithSessionID, and
// WithSnapshotID attach the corresponding structured field so downstream
// log lines carry consistent identifiers.
//
// # Usage
//
// Initialize logging early in main:
//
//	log.Init(log.Config{
//		Level:      log.InfoLevel,
//		JSONOutput: true,
//	})
//
// Derive a component logger and use structured fields:
//
//	logger := log.WithComponent("scheduler")
//	logger.Info().
//		Str("task_id", task.ID).
//		Int("priority", task.DynamicPriority).
//		Msg("Task admitted to execution queue")
//
// Log errors with context:
//
//	logger.Error().
//		Err(err).
//		Str("snapshot_id", id).
//		Msg("Failed to restore snapshot")
//
// # Field Conventions
//
// Components use a consistent set of structured field names so logs can be
// filtered and joined downstream:
//
//   - component: subsystem name (queue, graph, snapshot, session, ...)
//   - task_id: task identifier
//   - session_id: session identifier
//   - snapshot_id: snapshot identifier
//   - duration_ms: operation duration in milliseconds
//   - error: error message (via Err())
//
// # Integration Points
//
//   - All pkg/ components: derive child loggers via WithComponent
//   - cmd/gantry: calls Init based on CLI flags and config file
//   - pkg/api: request logging middleware uses WithComponent("api")
//
// # Performance Characteristics
//
// zerolog allocates nothing for disabled levels and writes JSON without
// reflection. Console output (JSONOutput: false) is significantly slower
// and intended for interactive development only.
package log
