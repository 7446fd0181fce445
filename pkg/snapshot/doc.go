// Package snapshot freezes full queue state into integrity-hashed
// files and brings it back: periodic snapshots, explicit ones, restore,
// retention, and the crash-recovery pass that runs at startup.
//
// # Architecture
//
//	 timer (5m) ──┐
//	 N ops (1000)─┤ coalesced           ┌─ snapshots/snapshot-<id>.json
//	 explicit ────┼──▶ Create ──write──▶│   (canonical JSON, optional gzip)
//	 crash entry ─┘       │             └─ backups/<id>.backup.json
//	                      │
//	        freeze ◀──────┘ (queue coordination lock)
//
// Every snapshot is written in one atomic rename. The metadata block
// carries a SHA-256 over the canonical serialization of the body
// (tasks, dependencies, executionRecords, metrics, customData) —
// never over the metadata itself, and always over the uncompressed
// bytes, so a reader can verify with nothing but the file.
//
// # Core Components
//
// Manager: owns cadence, retention and verification.
//
//	mgr := snapshot.NewManager(store, txn, sessions, broker, queue, sessionID, cfg)
//	mgr.Start()        // automatic triggers
//	defer mgr.Stop()
//
//	meta, err := mgr.Create(types.SnapshotManual)
//	snap, err := mgr.Load(meta.ID)   // verified, LRU-cached
//	meta, err = mgr.Restore("")      // latest valid wins
//
// LoadLatest walks newest-first and quarantines anything that fails
// verification, so one corrupt file costs a snapshot, not the boot.
//
// Crash recovery: RecoverCrashed inspects sessions the registry has
// declared crashed, finds each one's newest verifiable snapshot, guards
// the current state with a crash_recovery snapshot, and restores. A
// failed restore rolls back to the guard and the session is marked
// unrecoverable rather than guessing intent.
//
// # Integration Points
//
//   - pkg/queue: Freeze/Restore supply and consume the state
//   - pkg/storage: canonical bytes, hashing, atomic writes, quarantine
//   - pkg/txnlog: operation counter for the every-N trigger
//   - pkg/session: crashed-session detection and recovery bookkeeping
//   - pkg/events: snapshot-created / snapshot-restored
package snapshot
