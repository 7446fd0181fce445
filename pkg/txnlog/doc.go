// Package txnlog implements the bounded, checksummed transaction log
// that records every state mutation between snapshots.
//
// # Architecture
//
// The log is an in-memory append-only slice with asynchronous
// persistence. Mutating components append; the conflict resolver and
// crash recovery read:
//
//	 queue / graph / session          conflict resolver
//	        │ Append                        │ Recent(window)
//	        ▼                               │
//	┌───────────────────┐                   │
//	│   in-memory log   │◄──────────────────┘
//	│  (≤ 10000 entries)│
//	└─────────┬─────────┘
//	          │ dirty signal
//	          ▼
//	┌───────────────────┐    rate-limited    ┌──────────────┐
//	│ background flusher│───────────────────►│ txnlog.json  │
//	└───────────────────┘   atomic rename    └──────────────┘
//
// # Core Components
//
// Append: records (op, kind, entityId, before, after) under a session id
// with a SHA-256 checksum over the canonical JSON of the mutation. The
// checksum deliberately excludes entry id and timestamp so identical
// mutations hash identically regardless of when or who wrote them.
//
// Bounding: past 10000 entries the log truncates to the newest 5000,
// oldest first. Durability of old history is the snapshot subsystem's
// job; the log only needs enough tail for conflict windows and recovery.
//
// Flusher: appends mark the log dirty and a background goroutine writes
// the whole log atomically, coalescing bursts through a token-bucket
// rate limiter (one disk write per second at steady state). Stop performs
// a final synchronous flush.
//
// Verify/Load: Load reads txnlog.json and recomputes every checksum.
// Mismatched entries are marked Unverifiable and kept — replay continues
// past them, they are just excluded from conflict attribution. A file
// that does not parse at all is quarantined and the log starts empty.
//
// # Usage
//
//	tlog := txnlog.New(store)
//	if err := tlog.Load(); err != nil {
//		return err
//	}
//	tlog.Start()
//	defer tlog.Stop()
//
//	_, err := tlog.Append(sessionID, types.TxnTransition, types.EntityTask,
//		task.ID,
//		map[string]any{"status": before},
//		map[string]any{"status": after},
//	)
//
// # Integration Points
//
//   - pkg/queue: appends task transitions and mutations
//   - pkg/conflict: scans Recent entries for same-entity cross-session writes
//   - pkg/snapshot: reads TotalAppended for the ops-since-snapshot trigger
//     and counts in-flight entries into snapshot metadata
//   - pkg/storage: atomic persistence and canonical hashing
package txnlog
