// Package storage implements the file-backed persistence layer shared by
// snapshots, sessions, the transaction log, and backups, plus the
// canonical JSON encoding that integrity hashes are computed over.
//
// # Architecture
//
// One FileStore owns a persistence root. Higher layers decide WHAT to
// persist and WHEN; this package owns HOW bytes reach disk safely:
//
//	<root>/
//	├── snapshots/
//	│   └── snapshot-<uuid>.json     full state snapshots (optionally gzip)
//	├── backups/
//	│   └── <id>.backup.json         pre-restore safety copies
//	├── session-<uuid>.json          per-session metadata and counters
//	├── txnlog.json                  bounded transaction log
//	└── history.db                   bbolt execution history (pkg/history)
//
// # Core Components
//
// FileStore: path layout, atomic writes, transparent gzip reads, listing,
// deletion, and quarantine of corrupt files. All writes go through
// renameio: content is written to a temp file in the target directory,
// synced, then renamed over the destination. A crash mid-write leaves
// either the old file or the new one, never a torn mix.
//
// Canonicalize/Hash: deterministic JSON used for every integrity hash in
// the system. Object keys are sorted recursively and numbers pass through
// as json.Number so int64 values survive without float64 precision loss.
// Hashes are SHA-256 over the uncompressed canonical bytes; compression
// never affects the hash.
//
// Degraded mode: a failed write flips the store to degraded; three
// consecutive failures escalate to read-only, which the engine honors by
// refusing new task submissions. Any successful write heals both states.
// Mode changes invoke the registered AlarmFunc so the engine can publish
// store-degraded events.
//
// # Usage
//
// Open a store and persist a session:
//
//	store, err := storage.NewFileStore(cfg.DataDir)
//	if err != nil {
//		return err
//	}
//	if err := store.WriteJSON(store.SessionPath(sess.ID), sess); err != nil {
//		return err
//	}
//
// Hash state for an integrity check:
//
//	hash, err := storage.Hash(snapshotBody)
//
// Quarantine a file that failed verification:
//
//	if err := store.Quarantine(store.SnapshotPath(id)); err != nil {
//		return err
//	}
//
// # Failure Handling
//
// Read errors are returned as wrapped errors and never change store mode;
// only write failures do. Quarantine renames the affected file to
// <name>.corrupt (suffixed with a timestamp on collision) so operators
// can inspect the bytes while recovery continues with older artifacts.
//
// # Integration Points
//
//   - pkg/snapshot: snapshot bodies, retention, backups, integrity hashes
//   - pkg/txnlog: txnlog.json persistence and per-entry checksums
//   - pkg/session: session-<uuid>.json files
//   - pkg/history: obtains its database path from HistoryPath
//   - pkg/engine: watches Degraded/ReadOnly and wires the alarm to events
package storage
