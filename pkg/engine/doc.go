// Package engine assembles the scheduler into one explicit handle:
// construction wires every subsystem, Start recovers persisted state
// and launches the loops, Shutdown drains and persists. No singletons;
// a process may hold several engines over distinct data directories.
//
// # Architecture
//
//	                    config.Config
//	                         │
//	                         ▼
//	   New ──▶ storage ─▶ history ─▶ broker ─▶ graph/resources/registry
//	                         │
//	                         ▼
//	          priority / sequencer / harness / txnlog / sessions
//	                         │
//	                         ▼
//	            queue ◀─ snapshot ◀─ conflict ◀─ optimizer
//
//	   Start:  txn.Load ─▶ sessions.Load ─▶ restore latest snapshot
//	           ─▶ sweep + recover crashed ─▶ launch loops
//
//	   Shutdown: stop advisors ─▶ drain queue ─▶ final snapshot
//	           ─▶ terminate session ─▶ flush txn ─▶ stop broker
//
// # Core Components
//
// Lifecycle: Start is ordered so admission never observes partially
// recovered state, and Shutdown(force=false) guarantees no task is
// left running. Both are idempotent.
//
// Library API: Submit, Cancel, Status, AddDependency, Sequence,
// CreateSnapshot, RestoreSnapshot, Subscribe and the rest delegate to
// the owning subsystem; every returned value is a copy.
//
// Conflict apply path: the resolver's winning changes re-enter through
// queue.UpdateTask, so versions, the transaction log and the state
// machine observe them like any other mutation.
//
// # Usage
//
//	eng, err := engine.New(cfg)
//	...
//	if err := eng.Start(); err != nil { ... }
//	defer eng.Shutdown(ctx, false)
//
//	eng.RegisterCapability("deploy", deployCapability)
//	id, err := eng.Submit("deploy api", engine.SubmitOptions{Executor: "deploy"})
//
// # Integration Points
//
//   - pkg/config: file schema converted into per-subsystem configs
//   - pkg/api: HTTP surface delegating 1:1 to engine methods
//   - cmd/gantry: serve wires engine + API under one signal context
package engine
