// Package resource tracks typed capacity pools and hands out
// all-or-nothing allocations to admitted tasks.
//
// # Core Components
//
// Manager: owns the pools (cpu, memory, network, disk by default, plus
// any registered user keys). CanAdmit answers the admission loop's
// question without reserving; Allocate reserves a task's whole
// requirement set atomically or fails with InsufficientResources naming
// the short pool; Release returns units and is idempotent.
//
// ReleaseTask: force-reclaims everything a task still holds. The
// executor harness calls it when a cancelled capability outlives its
// grace window, and the queue counts the reclaim as a leak.
//
// Availability: product over a requirement set of free/capacity per
// pool — the resourceAvailability factor consumed by the priority
// engine and the hybrid sequencer score.
//
// # Usage
//
//	mgr := resource.NewManager(resource.DefaultCapacities())
//
//	if !mgr.CanAdmit(task) {
//		return // leave queued until something releases
//	}
//	alloc, err := mgr.Allocate(task, sessionID)
//	if err != nil {
//		return err
//	}
//	defer mgr.Release(alloc)
//
// # Invariants
//
// Every successful Allocate is matched by exactly one effective Release;
// extra releases are no-ops. Pools never go negative and never exceed
// capacity. Allocation is linearizable: concurrent callers racing for
// the last units see exactly capacity-many grants.
//
// # Integration Points
//
//   - pkg/queue: CanAdmit during admission, Allocate before dispatch
//   - pkg/executor: Release on every exit path, ReleaseTask after an
//     expired cancellation grace window
//   - pkg/priority, pkg/sequencer: Availability factor
//   - pkg/metrics: per-pool utilization gauges
package resource
