// Package priority computes dynamic task priorities from the
// multiplicative factor model.
//
// # Architecture
//
//	                 ┌───────────────┐
//	   task ───────▶ │    Engine     │───▶ dynamicPriority
//	                 │               │     factors (breakdown)
//	  graph ───────▶ │  base × Π f   │     audit (ordered trail)
//	  pools ───────▶ │  clamp 1..2k  │
//	archive ───────▶ │               │
//	                 └──────┬────────┘
//	                        │ success rates (LRU, TTL)
//	                        ▼
//	                 pkg/history
//
// # Factors
//
// Starting from the base bucket (CRITICAL=1000 … BACKGROUND=50) the
// engine multiplies: age (1 + hoursWaiting/24, capped at 2), the
// client-supplied importance parameter, deadline pressure (0.5 far out,
// 1.0 due now, above 1 when overdue), dependency weight (+0.1 per
// waiting dependent), resource availability (free/capacity product over
// the requirement set), and execution history (0.5 + 0.5·successRate of
// the last 20 same-category outcomes). Tasks on the critical path are
// doubled. The result is clamped to [1, 2000].
//
// Recompute is deterministic for identical inputs, and a task's
// priority never decreases purely because it got older.
//
// # Learning Hook
//
// An optional Model can fold one more multiplier into the product and
// observes every recorded outcome. A nil, failing, or nonsensical model
// leaves the weighted-factor baseline untouched.
//
// # Usage
//
//	engine := priority.NewEngine(g, pools, archive)
//
//	p, factors, audit := engine.Recompute(task)
//	task.DynamicPriority = p
//	task.Factors = &factors
//	_ = audit // expose for explanation
//
//	// Batch form shares one critical-path pass:
//	engine.RecomputeAll(g.Tasks())
//
// # Integration Points
//
//   - pkg/queue: recomputes on submit, completion, edge change, tick
//   - pkg/sequencer: consumes DynamicPriority for ordering and scoring
//   - pkg/history: source of per-category success rates (cached here)
//   - pkg/executor: outcomes flow back through RecordOutcome
package priority
