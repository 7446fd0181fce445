// Package session tracks process-level sessions and task ownership.
//
// # Architecture
//
//	┌────────────┐  heartbeat   ┌──────────────────────────────┐
//	│  engine    │─────────────▶│          Registry            │
//	└────────────┘              │                              │
//	                            │  sessions ──▶ session-<id>   │
//	┌────────────┐   acquire/   │                 .json        │
//	│  queue     │─────────────▶│  ownership table (in-memory) │
//	└────────────┘   release    │                              │
//	                            │  Sweep: inactive / crashed   │
//	                            └──────────────────────────────┘
//
// # Liveness
//
// Every session renews its heartbeat on an interval (default 30s) and
// writes the record through pkg/storage so a restarted process can see
// its predecessors. The sweep applies two independent rules: an active
// session unseen past the session timeout (default 30m) becomes
// inactive, and any session unseen past the crash timeout (default 10m)
// without a graceful shutdown record becomes crashed. Crashed sessions
// lose their ownership claims immediately and raise a session-crashed
// event; the snapshot manager later decides whether their state is
// recoverable.
//
// # Ownership
//
// The ownership table is the first acquisition in the queue's lock
// order (ownership, then resources, then an execution slot). Exclusive
// claims admit one holder; shared claims coexist with each other;
// read-only claims never conflict. Claims carry a TTL and expire
// lazily, so a holder that died without releasing cannot wedge a task.
// The table is deliberately not persisted: a claim is meaningless once
// the process that held it is gone.
//
// # Integration Points
//
//   - pkg/queue: exclusive ownership around every execution
//   - pkg/snapshot: crash recovery consumes Crashed / MarkRecovered
//   - pkg/storage: session records under sessions/
//   - pkg/events: session-heartbeat and session-crashed events
package session
