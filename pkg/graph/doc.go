// Package graph maintains the task dependency graph and the structural
// analyses built on it: cycle detection, topological levels, the
// critical path, parallel groups, and impact analysis.
//
// # Architecture
//
// Tasks are nodes in an id-keyed table; edges are typed. Only blocks and
// enables edges participate in ordering — conflicts and enhances edges
// live in side tables consulted during grouping and sequencing:
//
//	            ordering subgraph                side tables
//	  ┌───────────────────────────────┐   ┌──────────────────────┐
//	  │   A ◄── B ◄── D               │   │ conflicts: B ↔ E     │
//	  │   ▲           │ blocks/       │   │ enhances:  C → B     │
//	  │   └──── C ◄───┘ enables       │   └──────────────────────┘
//	  └───────────────────────────────┘
//	        │                │
//	        ▼                ▼
//	  cycle detection   levels / critical path / parallel groups
//
// # Core Components
//
// Mutation: AddTask, RemoveTask, AddEdge, RemoveEdge. AddEdge runs a
// reachability pre-check for ordering edges and rejects additions that
// would close a cycle with CycleWouldForm, naming the exact would-be
// path. Removal is always safe. The graph maintains each task's
// Dependents reverse references.
//
// DetectCycles: tri-color depth-first search over the ordering subgraph.
// Cycles are reported as the on-stack chain with the revisited node
// appended. Because AddEdge refuses cycle-forming edges, a non-empty
// result only occurs on state restored from external sources.
//
// TopologicalOrder and Levels: Kahn's algorithm processed in waves;
// level = 1 + max(level of prerequisites). Tasks sharing a level are
// candidates for the same parallel group.
//
// CriticalPath: the critical path method over estimated durations —
// forward pass for earliest start, backward pass for latest start,
// zero-slack selection. Ties order by higher base priority, then earlier
// creation.
//
// ParallelGroups: partitions each level into sets whose members pairwise
// share no required-resource key and no conflicts edge.
//
// Impact: direct and transitive dependents plus critical path
// membership, feeding the priority engine's dependencyWeight factor and
// operator queries.
//
// # Usage
//
//	g := graph.New()
//	if err := g.AddTask(task); err != nil {
//		return err
//	}
//	err := g.AddEdge(&types.TaskDependency{
//		DependentID: "deploy",
//		DependsOnID: "build",
//		Type:        types.DependencyBlocks,
//	})
//	if types.IsCode(err, types.CodeCycleWouldForm) {
//		// err.Path names the chain that would close the loop
//	}
//
//	order, err := g.TopologicalOrder()
//	path, total, err := g.CriticalPath()
//
// # Concurrency
//
// All public methods are safe for concurrent use behind one RWMutex.
// Analyses (TopologicalOrder, CriticalPath, ParallelGroups, Impact) take
// the read lock for their whole run so they observe a consistent graph.
// Components needing cross-structure consistency take the queue's
// coordination lock first; lock order is queue → graph, never reversed.
//
// # Integration Points
//
//   - pkg/queue: eligibility via UnmetPrerequisites and HoldUntil,
//     mutation on submit/remove
//   - pkg/sequencer: levels, parallel groups, critical path, side tables
//   - pkg/priority: Impact and Dependents for the dependencyWeight factor
//   - pkg/snapshot: Edges/Tasks views for serialization
package graph
