/*
Package types defines the shared data model for the Gantry task engine.

All Gantry components exchange state through the types defined here: tasks and
their dependency edges, sessions and ownership bindings, snapshots and
transaction-log entries, execution records, and the typed error values used on
every input path. Keeping the model in one dependency-free package lets every
other package import it without cycles.

# Data Model

	┌─────────────────────── CORE ENTITIES ────────────────────────┐
	│                                                               │
	│  Task ──────────────┐           TaskDependency                │
	│   - id, title       │            - dependent → dependsOn      │
	│   - category        │            - type: blocks | enables |   │
	│   - base priority   │                    conflicts | enhances │
	│   - status          ├──edges──▶  - optional, minDelay         │
	│   - resources       │                                         │
	│   - executor key    │           Session                       │
	│   - version         │            - heartbeat liveness         │
	│                     │            - active/inactive/crashed    │
	│  ExecutionRecord    │                                         │
	│   - one per attempt │           TaskOwnership                 │
	│                     │            - (task, session, mode)      │
	│  Snapshot           │            - exclusive at most once     │
	│   - metadata + body │                                         │
	│   - integrity hash  │           TransactionLogEntry           │
	│                     │            - (op, kind, id, Δ) + sum    │
	└───────────────────────────────────────────────────────────────┘

# Task State Machine

Tasks move through a fixed state machine. CanTransition is the single
authority; every component that mutates status consults it first.

	pending ──queue──▶ queued ──admit──▶ running ──ok──▶ completed
	   ▲                  │                 │
	   │                  │                 ├── err, retriable ──▶ pending
	   │                  ▼                 └── err, exhausted ──▶ failed
	   └──unblock── blocked            running ──cancel──▶ cancelled

Terminal states (completed, failed, cancelled) are absorbing: terminal
tasks ignore cancellation and never re-enter the queue. Re-entry into
pending happens only on a retriable running failure.

# Priority Buckets

Base priorities are coarse buckets; the priority engine multiplies them
by dynamic factors and clamps the product to [1, 2000]:

	PriorityCritical   = 1000
	PriorityHigh       = 800
	PriorityMedium     = 500
	PriorityLow        = 200
	PriorityBackground = 50

# Dependency Types

Only blocks and enables contribute to the ordering subgraph that cycle
detection and topological sorting operate on:

	blocks     hard ordering: dependent waits for completion
	enables    soft ordering: still orders admission, non-fatal if
	           violated by an external actor
	conflicts  mutual exclusion: never execute both at once
	enhances   affinity hint: sequencers may co-schedule, never required

DependencyType.Ordering reports membership in the ordering subgraph.

# Typed Errors

Input-path failures are *types.Error values with stable ErrorCode
constants. Codes never change once released:

	err := q.AddDependency(dep)
	if types.IsCode(err, types.CodeCycleWouldForm) {
		var e *types.Error
		errors.As(err, &e)
		fmt.Println("cycle:", strings.Join(e.Path, " -> "))
	}

Execution-path failures never surface as Error values: they become
terminal task states plus lifecycle events, carrying the code in
Task.ErrorCode.

# Usage

Constructing a task:

	task := &types.Task{
		ID:          uuid.New().String(),
		Title:       "rebuild search index",
		Category:    types.CategoryInfra,
		Priority:    types.PriorityHigh,
		Status:      types.TaskStatusPending,
		CreatedAt:   time.Now().UTC(),
		ExecutorKey: "index.rebuild",
		MaxRetries:  3,
		RequiredResources: []types.ResourceRequirement{
			{Type: types.ResourceCPU, Units: 2},
		},
	}

Checking a transition:

	if !types.CanTransition(task.Status, types.TaskStatusRunning) {
		return types.ErrInvalidTransition(task.ID, task.Status, types.TaskStatusRunning)
	}

# Ownership Semantics

The queue core exclusively owns the live Task map; everything handed to
other packages is a Clone. Version increments on every mutation and is
the fingerprint used for optimistic locking and version-based conflict
resolution.

# Integration Points

This package is imported by every other Gantry package:

  - pkg/graph consumes TaskDependency edges
  - pkg/queue owns map[string]*Task and enforces CanTransition
  - pkg/snapshot serializes Snapshot values through pkg/storage
  - pkg/txnlog records TransactionLogEntry values
  - pkg/conflict consumes DataChange / SyncConflict
  - pkg/api maps Error codes onto HTTP statuses

# See Also

  - pkg/queue for the admission loop that drives the state machine
  - pkg/graph for how dependency edges become an ordering graph
  - pkg/storage for the canonical serialization of these types
*/
package types
