// Package sequencer plans execution order over the dependency graph.
//
// # Architecture
//
//	            ┌─────────────────────────────────────┐
//	            │              Sequencer              │
//	 graph ───▶ │                                     │
//	 pools ───▶ │  priority │ dependency │ resource │ │───▶ ExecutionSequence
//	archive ──▶ │           │   aware    │ optimal  │ │      order, groups,
//	            │           hybrid (weighted)         │      critical path,
//	            └─────────────────────────────────────┘      makespan
//
// # Algorithms
//
// priority sorts by base bucket and creation time, then repairs the
// ranking so no task precedes a prerequisite. dependency-aware walks
// the dependency strata and sorts within each by dynamic priority,
// shorter duration first. resource-optimal ranks each stratum by
// efficiency (priority per unit of resource-time) and greedily packs
// capacity-bounded groups, starting a new group when any pool would
// overflow or a conflicts edge would be violated. hybrid scores each
// task as
//
//	w1·priority + w2·urgency + w3·impact + w4·dependencyWeight +
//	w5·resourceAvailability + w6·speed (+ w7·historicalSuccess)
//
// with components normalized to [0,1] within the batch and default
// weights {0.30, 0.15, 0.20, 0.15, 0.10, 0.10}, then packs like
// resource-optimal.
//
// Whatever the algorithm, the output order is a linear extension of
// the blocks/enables subgraph, and only schedulable tasks (pending,
// queued, blocked) appear in it.
//
// # Usage
//
//	s := sequencer.New(g, pools, archive)
//	seq, err := s.Sequence(types.AlgorithmHybrid)
//	if err != nil {
//		return err
//	}
//	for _, id := range seq.Order {
//		// admit in plan order
//	}
//
// # Integration Points
//
//   - pkg/queue: asks for the current plan on every admission pass
//   - pkg/graph: levels, parallel groups, critical path, conflicts
//   - pkg/resource: pool capacities for packing, availability scoring
//   - pkg/history: optional historical-success component
//   - pkg/optimizer: compares plans across algorithms for advice
package sequencer
