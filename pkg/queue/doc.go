// Package queue is the coordination core: one mutex, one admission
// pipeline, one dispatch loop. Every task mutation in the engine flows
// through it.
//
// # Architecture
//
//	 Submit / Cancel / AddDependency / UpdateTask
//	        │
//	        ▼
//	┌────────────────────── coordination lock ──────────────────────┐
//	│                                                               │
//	│  graph classify ─▶ pending ─▶ admission gate ─▶ dispatch      │
//	│   (blocked?)                 1. deps met                      │
//	│                              2. preconditions                 │
//	│                              3. ownership lease               │
//	│                              4. resource allocation           │
//	│                              5. execution slot (semaphore)    │
//	│                                                               │
//	└───────────────┬───────────────────────────────────────────────┘
//	                │ run outside lock
//	                ▼
//	        executor.Harness ──▶ applyOutcome (re-acquires lock)
//
// # Core Components
//
// Admission: a task may start only when every gate passes. Locks are
// acquired in the fixed order ownership → resources → slot and released
// LIFO on any failure, so two sessions admitting concurrently cannot
// deadlock. Denials are not errors; the task stays pending and is
// revisited on the next tick or Poke.
//
// Dispatch: the loop wakes on a ticker and on Poke (submits, completions,
// dependency changes). Each pass sequences the pending set with the
// configured algorithm and admits greedily in that order up to
// MaxConcurrent.
//
// Outcomes: applyOutcome validates the transition against the state
// machine, releases the slot, resources and lease LIFO, retains the
// bounded execution record history, logs the mutation, and feeds
// completions back into the graph so dependents unblock.
//
// Freeze/Restore: Freeze clones the full queue state (tasks, edges,
// records, counters) into a snapshot body under the lock. Restore is the
// inverse; tasks frozen mid-run come back pending so they re-execute.
// Restore refuses while anything is running.
//
// # Usage
//
//	q := queue.New(deps, sessionID, queue.Config{MaxConcurrent: 4})
//	q.Start()
//	defer q.Stop(ctx, false)
//
//	id, err := q.Submit(task)
//	...
//	st, err := q.Status(id)
//
// # Integration Points
//
//   - pkg/graph: classification, cycle rejection, dependent unblocking
//   - pkg/sequencer: pending-set ordering per admission pass
//   - pkg/resource + pkg/session: admission gates 3 and 4
//   - pkg/executor: attempt execution and outcome classification
//   - pkg/txnlog + pkg/events: every mutation logged and published
//   - pkg/snapshot: Freeze/Restore round-trips the whole coordination state
package queue
