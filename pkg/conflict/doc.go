// Package conflict detects and reconciles concurrent cross-session
// writes recorded in the transaction log.
//
// # Architecture
//
// A background loop rescans the recent transaction log, groups writes
// by (kind, entityId) and splits each group into bursts where
// consecutive writes are at most one detection window apart. A burst
// written by two or more sessions is a conflict:
//
//	txnlog ──Recent()──▶ clusters ──▶ SyncConflict ──▶ strategy ──▶ Applier
//	                                       │
//	                                       └─▶ conflict-detected event
//
// Detection is conservative: only persisted log entries count, never
// in-flight queue state, and entries that failed checksum verification
// are excluded from attribution entirely.
//
// # Core Components
//
// Resolver: owns detection, the pending set and the resolved history.
// Changes already attributed to a conflict are remembered and never
// re-conflict, so a resolved burst does not re-trigger on the next scan.
//
// Strategies: last-write-wins (default), first-write-wins,
// version-based (highest task version, timestamp on ties), merge
// (latest wins, metadata folded across all changes) and manual, which
// parks the conflict until ResolveManual supplies a winner.
//
// Applier: the winner is re-applied through the normal mutation path so
// resolution shows up in the log, events and metrics like any other
// write. Losers are marked synchronized and discarded.
//
// # Integration Points
//
//   - pkg/txnlog: Recent() is the sole detection input
//   - pkg/engine: adapts the queue's task update into the Applier
//   - pkg/events: conflict-detected (critical), conflict-resolved
//   - pkg/metrics: ConflictsDetected, ConflictsResolved by strategy
package conflict
