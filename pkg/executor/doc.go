// Package executor runs task capabilities under a supervised harness.
//
// # Architecture
//
//	             ┌──────────────────────────────────────────┐
//	  queue ───▶ │                 Harness                  │
//	             │                                          │
//	             │  validate ─▶ execute ──race── timeout    │
//	             │     │           │               │        │
//	             │     │        panic guard     grace,      │
//	             │     │           │          force-release │
//	             │     ▼           ▼               ▼        │
//	             │        classify: completed │ pending     │
//	             │        (retry+backoff) │ failed │        │
//	             │        cancelled  ─▶ record every attempt│
//	             └──────────────────────────────────────────┘
//	                      │                        │
//	                      ▼                        ▼
//	                  Registry               Recorder (history)
//
// # Core Components
//
// Capability: the unit of pluggable behavior. Tasks persist only their
// ExecutorKey; the Registry re-binds keys to code after every restart.
// Optional Validator and Rollbacker interfaces are discovered by type
// assertion: validation failures fail fast without retry, rollback runs
// best-effort on terminal failure.
//
// Harness.Run: executes one attempt under a timeout race (default five
// minutes, per-task override). A cancelled or timed-out capability gets
// a grace window to return; past it the task's resource allocations are
// force-released and the leak is counted. Panics are recovered and
// treated as retriable failures. Retriable outcomes carry the backoff
// min(1s·2^attempt, 30s); the queue applies the transition and
// schedules the re-entry.
//
// A capability that returns success inside the grace window is credited
// with the completion rather than retried.
//
// Built-ins: Shell runs a process described by task params and Sleep
// parks for a configured duration. Both exist for daemon deployments
// where no embedding program registers richer capabilities; library
// users register their own and never touch them.
//
// # Usage
//
//	registry := executor.NewRegistry()
//	registry.Register("shell", shellCapability)
//
//	capability, err := registry.Resolve(task.ExecutorKey)
//	if err != nil {
//		return err // unknown_executor
//	}
//	out := harness.Run(ctx, task, capability, sessionID)
//	switch out.Status {
//	case types.TaskStatusPending: // retry after out.Backoff
//	case types.TaskStatusCompleted: // submit out.NextTasks
//	}
//
// # Integration Points
//
//   - pkg/queue: dispatches attempts and applies returned outcomes
//   - pkg/resource: forced release when the grace window expires
//   - pkg/priority: the Recorder forwarding outcomes into pkg/history
//   - pkg/metrics: execution duration, leak counter
package executor
