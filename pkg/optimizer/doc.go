// Package optimizer analyzes queue, graph and resource-pool state on a
// cron schedule and produces advisory recommendations.
//
// # Architecture
//
// The analyzer is strictly read-only: it consumes the queue through the
// Source interface, the dependency graph and the resource manager, and
// emits Recommendation values. It never mutates engine state; acting on
// a recommendation is the operator's call.
//
//	       ┌────────┐   ┌────────┐   ┌───────────┐
//	       │ Source │   │ graph  │   │ resources │
//	       └───┬────┘   └───┬────┘   └─────┬─────┘
//	           └────────────┼──────────────┘
//	                        ▼
//	                 Analyze() passes
//	                        │
//	                        ▼
//	               []Recommendation
//
// # Core Components
//
// Analysis passes: resource-pool pressure (85%/95% thresholds), pending
// starvation (p95 age), per-category retry hot spots, concurrency
// headroom (saturated slots with a deep backlog), serialization (the
// critical path dominating total estimated work) and failure rate.
//
// Schedule: robfig/cron with the standard 5-field parser, default every
// ten minutes; overlapping runs are skipped. Analyze is also callable
// on demand through the engine and the API.
//
// Breakdown hook: an optional BreakdownFunc proposes subtasks for tasks
// whose estimate exceeds the threshold. The default proposes nothing;
// proposals surface as recommendations, they are never auto-submitted.
//
// # Integration Points
//
//   - pkg/engine: adapts the queue to Source, exposes Analyze and
//     Recommendations
//   - pkg/api: GET /v1/recommendations, POST /v1/analyze
package optimizer
