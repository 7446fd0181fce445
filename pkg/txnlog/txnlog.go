package txnlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gantrykit/gantry/pkg/log"
	"github.com/gantrykit/gantry/pkg/metrics"
	"github.com/gantrykit/gantry/pkg/storage"
	"github.com/gantrykit/gantry/pkg/types"
)

const (
	// DefaultMaxEntries is the bound after which the log truncates
	DefaultMaxEntries = 10000
	// DefaultTruncateTo is the entry count kept after truncation,
	// dropping oldest first
	DefaultTruncateTo = 5000
	// defaultFlushRate spaces coalesced disk writes out to one per second
	defaultFlushRate = rate.Limit(1)
)

// checksumPayload is the canonical input to an entry's integrity hash.
// Timestamps and IDs stay outside so identical mutations hash identically.
type checksumPayload struct {
	Op       types.TxnOperation `json:"op"`
	Kind     types.EntityKind   `json:"kind"`
	EntityID string             `json:"entityId"`
	Before   any                `json:"before"`
	After    any                `json:"after"`
}

// Log is the bounded, checksummed transaction log. Appends are cheap
// in-memory operations; persistence to txnlog.json happens in a
// background flusher whose disk writes are coalesced through a rate
// limiter. The log is the sole input to conflict detection and feeds
// snapshot metadata with in-flight operation counts.
type Log struct {
	store  *storage.FileStore
	logger zerolog.Logger

	mu       sync.RWMutex
	entries  []*types.TransactionLogEntry
	appended int64

	maxEntries int
	truncateTo int

	limiter  *rate.Limiter
	flushCh  chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  bool
}

// New creates a transaction log persisting through store
func New(store *storage.FileStore) *Log {
	return &Log{
		store:      store,
		logger:     log.WithComponent("txnlog"),
		maxEntries: DefaultMaxEntries,
		truncateTo: DefaultTruncateTo,
		limiter:    rate.NewLimiter(defaultFlushRate, 1),
		flushCh:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the background flusher
func (l *Log) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go l.run()
}

// Stop halts the flusher and performs a final synchronous flush
func (l *Log) Stop() error {
	var flushErr error
	l.stopOnce.Do(func() {
		l.mu.Lock()
		started := l.started
		l.mu.Unlock()

		close(l.stopCh)
		if started {
			<-l.doneCh
		}
		flushErr = l.Flush()
	})
	return flushErr
}

// Append records a mutation and returns the stored entry. The checksum
// covers (op, kind, entityId, before, after) in canonical form. When the
// log exceeds its bound it truncates to the newest half, oldest first.
func (l *Log) Append(sessionID string, op types.TxnOperation, kind types.EntityKind, entityID string, before, after any) (*types.TransactionLogEntry, error) {
	checksum, err := storage.Hash(checksumPayload{
		Op:       op,
		Kind:     kind,
		EntityID: entityID,
		Before:   before,
		After:    after,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to checksum log entry: %w", err)
	}

	entry := &types.TransactionLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Op:        op,
		Kind:      kind,
		EntityID:  entityID,
		Before:    before,
		After:     after,
		Checksum:  checksum,
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.appended++
	if len(l.entries) > l.maxEntries {
		dropped := len(l.entries) - l.truncateTo
		l.entries = append([]*types.TransactionLogEntry(nil), l.entries[dropped:]...)
		metrics.TxnLogTruncations.Inc()
		l.logger.Warn().
			Int("dropped", dropped).
			Int("kept", len(l.entries)).
			Msg("Transaction log truncated")
	}
	size := len(l.entries)
	l.mu.Unlock()

	metrics.TxnLogEntries.Set(float64(size))
	l.signalFlush()
	return entry, nil
}

// Len returns the number of entries currently held
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// TotalAppended returns the monotonic count of entries appended since
// startup. Unlike Len it is unaffected by truncation, which makes it the
// right input for every-N-operations triggers.
func (l *Log) TotalAppended() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.appended
}

// Entries returns a copy of all entries in append order
func (l *Log) Entries() []*types.TransactionLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*types.TransactionLogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Recent returns entries whose timestamp falls within the past window
func (l *Log) Recent(window time.Duration) []*types.TransactionLogEntry {
	cutoff := time.Now().UTC().Add(-window)

	l.mu.RLock()
	defer l.mu.RUnlock()

	// Entries are in timestamp order; scan back from the tail.
	i := len(l.entries)
	for i > 0 && l.entries[i-1].Timestamp.After(cutoff) {
		i--
	}
	out := make([]*types.TransactionLogEntry, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out
}

// Verify recomputes every entry's checksum, marking mismatches
// unverifiable. Returns how many entries passed and failed. Verification
// never removes entries; unverifiable ones are simply excluded from
// conflict attribution.
func (l *Log) Verify() (ok, failed int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if l.checksumMatches(entry) {
			ok++
			continue
		}
		if !entry.Unverifiable {
			entry.Unverifiable = true
			l.logger.Warn().
				Str("entry_id", entry.ID).
				Str("entity_id", entry.EntityID).
				Msg("Transaction log entry failed checksum verification")
		}
		failed++
	}
	if failed > 0 {
		metrics.IntegrityFailures.Add(float64(failed))
	}
	return ok, failed
}

// Flush writes the current entries to txnlog.json atomically
func (l *Log) Flush() error {
	l.mu.RLock()
	snapshot := make([]*types.TransactionLogEntry, len(l.entries))
	copy(snapshot, l.entries)
	l.mu.RUnlock()

	return l.store.WriteJSON(l.store.TxnLogPath(), snapshot)
}

// Load reads txnlog.json from disk, replacing in-memory state. Entries
// failing checksum verification are kept but marked unverifiable. A file
// that cannot be parsed at all is quarantined and the log starts empty.
func (l *Log) Load() error {
	path := l.store.TxnLogPath()
	if !l.store.Exists(path) {
		return nil
	}

	var loaded []*types.TransactionLogEntry
	if err := l.store.ReadJSON(path, &loaded); err != nil {
		l.logger.Error().Err(err).Msg("Transaction log unreadable, quarantining")
		if qerr := l.store.Quarantine(path); qerr != nil {
			return fmt.Errorf("failed to quarantine unreadable transaction log: %w", qerr)
		}
		return nil
	}

	failed := 0
	l.mu.Lock()
	for _, entry := range loaded {
		if !l.checksumMatches(entry) {
			entry.Unverifiable = true
			failed++
		}
	}
	l.entries = loaded
	size := len(l.entries)
	l.mu.Unlock()

	metrics.TxnLogEntries.Set(float64(size))
	if failed > 0 {
		metrics.IntegrityFailures.Add(float64(failed))
		l.logger.Warn().
			Int("unverifiable", failed).
			Int("total", size).
			Msg("Loaded transaction log with unverifiable entries")
	} else {
		l.logger.Info().Int("entries", size).Msg("Loaded transaction log")
	}
	return nil
}

// checksumMatches recomputes an entry's hash. Safe because Before/After
// round-trip through JSON into the same canonical tree they were hashed
// from at append time.
func (l *Log) checksumMatches(entry *types.TransactionLogEntry) bool {
	sum, err := storage.Hash(checksumPayload{
		Op:       entry.Op,
		Kind:     entry.Kind,
		EntityID: entry.EntityID,
		Before:   entry.Before,
		After:    entry.After,
	})
	if err != nil {
		return false
	}
	return sum == entry.Checksum
}

func (l *Log) signalFlush() {
	select {
	case l.flushCh <- struct{}{}:
	default:
	}
}

func (l *Log) run() {
	defer close(l.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.stopCh
		cancel()
	}()

	for {
		select {
		case <-l.flushCh:
			// Coalesce bursts: wait out the limiter, then absorb any
			// signals that arrived meanwhile into this single write.
			if err := l.limiter.Wait(ctx); err != nil {
				return
			}
			select {
			case <-l.flushCh:
			default:
			}
			if err := l.Flush(); err != nil {
				l.logger.Error().Err(err).Msg("Background transaction log flush failed")
			}
		case <-l.stopCh:
			return
		}
	}
}
