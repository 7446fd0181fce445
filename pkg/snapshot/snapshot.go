package snapshot

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gantrykit/gantry/pkg/events"
	"github.com/gantrykit/gantry/pkg/log"
	"github.com/gantrykit/gantry/pkg/metrics"
	"github.com/gantrykit/gantry/pkg/session"
	"github.com/gantrykit/gantry/pkg/storage"
	"github.com/gantrykit/gantry/pkg/txnlog"
	"github.com/gantrykit/gantry/pkg/types"
)

const (
	// DefaultInterval is the automatic snapshot cadence.
	DefaultInterval = 5 * time.Minute

	// DefaultEveryNOps triggers a snapshot after this many logged
	// mutations, whichever comes first.
	DefaultEveryNOps = 1000

	// DefaultRetention is how many snapshots survive pruning.
	DefaultRetention = 10

	// formatVersion is stamped into snapshot metadata so future readers
	// can tell what they are decoding.
	formatVersion = "1.0"

	// cacheSize bounds the decoded-snapshot cache. Restores and inspect
	// calls tend to revisit the same few recent snapshots.
	cacheSize = 8

	// defaultMinGap coalesces the timer and operation-count triggers so
	// a busy queue does not snapshot twice back to back.
	defaultMinGap = 30 * time.Second

	defaultPollInterval = 5 * time.Second
)

// Freezer is the queue-side contract: a consistent full-state capture
// and its inverse. Both observe one coordination-lock view.
type Freezer interface {
	Freeze() *types.Snapshot
	Restore(*types.Snapshot) error
}

// Config tunes snapshot cadence and retention. The zero value is usable.
type Config struct {
	Interval        time.Duration `json:"interval" yaml:"interval"`
	EveryNOps       int64         `json:"everyNOps" yaml:"every_n_ops"`
	Retention       int           `json:"retention" yaml:"retention"`
	BackupRetention int           `json:"backupRetention" yaml:"backup_retention"`
	Compress        bool          `json:"compress" yaml:"compress"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.EveryNOps <= 0 {
		out.EveryNOps = DefaultEveryNOps
	}
	if out.Retention <= 0 {
		out.Retention = DefaultRetention
	}
	if out.BackupRetention <= 0 {
		out.BackupRetention = DefaultRetention
	}
	return out
}

// body is the hashed portion of a snapshot. The metadata block stays
// outside so the integrity hash can live there without hashing itself.
type body struct {
	Tasks            map[string]*types.Task              `json:"tasks"`
	Dependencies     map[string]*types.TaskDependency    `json:"dependencies"`
	ExecutionRecords map[string][]*types.ExecutionRecord `json:"executionRecords"`
	Metrics          types.QueueMetrics                  `json:"metrics"`
	CustomData       map[string]interface{}              `json:"customData"`
}

func bodyOf(snap *types.Snapshot) body {
	return body{
		Tasks:            snap.Tasks,
		Dependencies:     snap.Dependencies,
		ExecutionRecords: snap.ExecutionRecords,
		Metrics:          snap.Metrics,
		CustomData:       snap.CustomData,
	}
}

// Manager freezes queue state into integrity-hashed snapshot files,
// restores them, prunes old ones, and drives crash recovery. One manager
// exists per engine; Create is safe to call from any goroutine.
type Manager struct {
	store    *storage.FileStore
	txn      *txnlog.Log
	sessions *session.Registry
	broker   *events.Broker
	freezer  Freezer

	cfg       Config
	sessionID string

	cache   *lru.Cache[string, *types.Snapshot]
	limiter *rate.Limiter

	mu         sync.Mutex
	lastOps    int64
	lastManual time.Time

	loopMu sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}

	pollInterval time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

// NewManager wires a snapshot manager. txn, sessions and broker may be
// nil; the corresponding triggers and events are then skipped.
func NewManager(store *storage.FileStore, txn *txnlog.Log, sessions *session.Registry, broker *events.Broker, freezer Freezer, sessionID string, cfg Config) *Manager {
	cache, _ := lru.New[string, *types.Snapshot](cacheSize)
	return &Manager{
		store:        store,
		txn:          txn,
		sessions:     sessions,
		broker:       broker,
		freezer:      freezer,
		cfg:          cfg.withDefaults(),
		sessionID:    sessionID,
		cache:        cache,
		limiter:      rate.NewLimiter(rate.Every(defaultMinGap), 1),
		pollInterval: defaultPollInterval,
		now:          time.Now,
		logger:       log.WithComponent("snapshot"),
	}
}

// Start launches the automatic trigger loop: one snapshot per Interval
// or per EveryNOps logged mutations, whichever fires first, coalesced
// through a rate limiter.
func (m *Manager) Start() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.stopCh != nil {
		return
	}
	m.mu.Lock()
	if m.txn != nil {
		m.lastOps = m.txn.TotalAppended()
	}
	m.lastManual = m.now().UTC()
	m.mu.Unlock()

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(m.stopCh, m.doneCh)
}

// Stop halts the trigger loop. Safe to call without Start.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.stopCh = nil
	m.doneCh = nil
}

func (m *Manager) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.maybeAutoSnapshot()
		}
	}
}

// maybeAutoSnapshot fires an automatic snapshot when either trigger is
// due. The limiter keeps the two triggers from double-firing.
func (m *Manager) maybeAutoSnapshot() {
	now := m.now().UTC()

	m.mu.Lock()
	due := now.Sub(m.lastManual) >= m.cfg.Interval
	if !due && m.txn != nil {
		due = m.txn.TotalAppended()-m.lastOps >= m.cfg.EveryNOps
	}
	m.mu.Unlock()

	if !due || !m.limiter.Allow() {
		return
	}
	if _, err := m.Create(types.SnapshotAutomatic); err != nil {
		m.logger.Error().Err(err).Msg("Automatic snapshot failed")
	}
}

// Create freezes the current queue state and writes one snapshot file
// atomically. The integrity hash covers the canonical body bytes before
// any compression. Retention prunes the oldest snapshots afterwards.
func (m *Manager) Create(kind types.SnapshotKind) (*types.SnapshotMetadata, error) {
	return m.write(m.freezer.Freeze(), kind)
}

// Save writes an externally constructed snapshot body under fresh
// metadata. The offline restore command uses it to promote an old
// snapshot to newest without a live queue.
func (m *Manager) Save(snap *types.Snapshot, kind types.SnapshotKind) (*types.SnapshotMetadata, error) {
	cp := *snap
	return m.write(&cp, kind)
}

func (m *Manager) write(snap *types.Snapshot, kind types.SnapshotKind) (*types.SnapshotMetadata, error) {
	timer := metrics.NewTimer()
	now := m.now().UTC()

	bodyBytes, err := storage.Canonicalize(bodyOf(snap))
	if err != nil {
		return nil, types.WrapError(types.CodeIntegrityFailed, err, "failed to serialize snapshot body")
	}

	meta := types.SnapshotMetadata{
		ID:            uuid.New().String(),
		Timestamp:     now,
		Version:       formatVersion,
		SessionID:     m.sessionID,
		TaskCount:     len(snap.Tasks),
		QueueState:    queueState(snap.Metrics),
		IntegrityHash: storage.HashBytes(bodyBytes),
		Size:          int64(len(bodyBytes)),
		Kind:          kind,
	}
	if m.txn != nil {
		meta.ActiveTransactions = entryIDs(m.txn.Recent(5 * time.Second))
	}
	if m.cfg.Compress {
		meta.Compression = "gzip"
	}
	snap.Metadata = meta

	data, err := storage.Canonicalize(snap)
	if err != nil {
		return nil, types.WrapError(types.CodeIntegrityFailed, err, "failed to serialize snapshot %s", meta.ID)
	}
	if m.cfg.Compress {
		if data, err = storage.Compress(data); err != nil {
			return nil, err
		}
	}
	if err := m.store.WriteAtomic(m.store.SnapshotPath(meta.ID), data); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.lastManual = now
	if m.txn != nil {
		m.lastOps = m.txn.TotalAppended()
	}
	m.mu.Unlock()

	m.cache.Add(meta.ID, snap)
	m.prune()

	metrics.SnapshotsTotal.WithLabelValues(string(kind)).Inc()
	timer.ObserveDurationVec(metrics.SnapshotDuration, "create")
	m.publish(&events.Event{
		Type:       events.EventSnapshotCreated,
		SnapshotID: meta.ID,
		SessionID:  m.sessionID,
		Data: map[string]any{
			"kind":      string(kind),
			"taskCount": meta.TaskCount,
			"size":      meta.Size,
		},
	})
	m.logger.Info().
		Str("snapshot_id", meta.ID).
		Str("kind", string(kind)).
		Int("tasks", meta.TaskCount).
		Int64("size", meta.Size).
		Msg("Snapshot created")
	return &meta, nil
}

// Load reads and verifies one snapshot by id. The decoded snapshot is
// cached; a hash mismatch quarantines the file and returns
// IntegrityFailed.
func (m *Manager) Load(id string) (*types.Snapshot, error) {
	if snap, ok := m.cache.Get(id); ok {
		return snap, nil
	}

	path := m.store.SnapshotPath(id)
	if !m.store.Exists(path) {
		return nil, types.ErrSnapshotNotFound(id)
	}

	var snap types.Snapshot
	if err := m.store.ReadJSON(path, &snap); err != nil {
		m.quarantine(id, path)
		return nil, types.WrapError(types.CodeIntegrityFailed, err, "snapshot %s is unreadable", id)
	}
	if err := m.verify(&snap); err != nil {
		m.quarantine(id, path)
		return nil, err
	}

	m.cache.Add(id, &snap)
	return &snap, nil
}

// LoadLatest walks snapshots newest first and returns the first one
// that verifies. Corrupt files are quarantined and skipped so a bad
// latest snapshot degrades to the next-best instead of failing the boot.
func (m *Manager) LoadLatest() (*types.Snapshot, error) {
	metas, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		snap, err := m.Load(meta.ID)
		if err != nil {
			m.logger.Warn().Err(err).Str("snapshot_id", meta.ID).
				Msg("Snapshot failed verification, falling back to next most recent")
			continue
		}
		return snap, nil
	}
	return nil, types.ErrSnapshotNotFound("latest")
}

// Inspect reads one snapshot without the manager's side effects: no
// cache and no quarantine on mismatch, so offline tooling can examine
// files while a daemon owns the directory. The snapshot is returned
// even when verification fails, with the error reporting the mismatch.
func Inspect(store *storage.FileStore, id string) (*types.Snapshot, error) {
	path := store.SnapshotPath(id)
	if !store.Exists(path) {
		return nil, types.ErrSnapshotNotFound(id)
	}

	var snap types.Snapshot
	if err := store.ReadJSON(path, &snap); err != nil {
		return nil, types.WrapError(types.CodeIntegrityFailed, err, "snapshot %s is unreadable", id)
	}

	sum, err := storage.Hash(bodyOf(&snap))
	if err != nil {
		return &snap, types.WrapError(types.CodeIntegrityFailed, err,
			"failed to hash snapshot %s", id)
	}
	if sum != snap.Metadata.IntegrityHash {
		return &snap, types.ErrIntegrityFailed("snapshot", id)
	}
	return &snap, nil
}

// Restore loads the snapshot (latest when id is empty) and replaces
// queue state with its contents.
func (m *Manager) Restore(id string) (*types.SnapshotMetadata, error) {
	timer := metrics.NewTimer()

	var snap *types.Snapshot
	var err error
	if id == "" {
		snap, err = m.LoadLatest()
	} else {
		snap, err = m.Load(id)
	}
	if err != nil {
		return nil, err
	}

	if err := m.freezer.Restore(snap); err != nil {
		return nil, err
	}

	timer.ObserveDurationVec(metrics.SnapshotDuration, "restore")
	meta := snap.Metadata
	m.publish(&events.Event{
		Type:       events.EventSnapshotRestored,
		SnapshotID: meta.ID,
		SessionID:  m.sessionID,
		Data: map[string]any{
			"kind":      string(meta.Kind),
			"taskCount": meta.TaskCount,
		},
	})
	m.logger.Info().
		Str("snapshot_id", meta.ID).
		Int("tasks", meta.TaskCount).
		Msg("Snapshot restored")
	return &meta, nil
}

// List returns the metadata of every readable snapshot, newest first.
// Unreadable files are skipped; List never fails the whole walk.
func (m *Manager) List() ([]types.SnapshotMetadata, error) {
	ids, err := m.store.ListSnapshots()
	if err != nil {
		return nil, err
	}

	metas := make([]types.SnapshotMetadata, 0, len(ids))
	for _, id := range ids {
		if snap, ok := m.cache.Get(id); ok {
			metas = append(metas, snap.Metadata)
			continue
		}
		var partial struct {
			Metadata types.SnapshotMetadata `json:"metadata"`
		}
		if err := m.store.ReadJSON(m.store.SnapshotPath(id), &partial); err != nil {
			m.logger.Warn().Err(err).Str("snapshot_id", id).Msg("Skipping unreadable snapshot")
			continue
		}
		metas = append(metas, partial.Metadata)
	}

	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].Timestamp.Equal(metas[j].Timestamp) {
			return metas[i].Timestamp.After(metas[j].Timestamp)
		}
		return metas[i].ID < metas[j].ID
	})
	return metas, nil
}

// Verify re-reads a snapshot and reports whether its integrity hash
// still matches. Used by the inspect command.
func (m *Manager) Verify(id string) error {
	path := m.store.SnapshotPath(id)
	if !m.store.Exists(path) {
		return types.ErrSnapshotNotFound(id)
	}
	var snap types.Snapshot
	if err := m.store.ReadJSON(path, &snap); err != nil {
		return types.WrapError(types.CodeIntegrityFailed, err, "snapshot %s is unreadable", id)
	}
	return m.verify(&snap)
}

// Backup copies a snapshot into the backups directory, where retention
// is tracked separately from the working set.
func (m *Manager) Backup(id string) error {
	src := m.store.SnapshotPath(id)
	if !m.store.Exists(src) {
		return types.ErrSnapshotNotFound(id)
	}
	if err := m.store.Copy(src, m.store.BackupPath(id)); err != nil {
		return err
	}

	ids, err := m.store.ListBackups()
	if err != nil {
		return err
	}
	for len(ids) > m.cfg.BackupRetention {
		oldest, err := m.oldestBackup(ids)
		if err != nil {
			return err
		}
		if err := m.store.Delete(m.store.BackupPath(oldest)); err != nil {
			return err
		}
		ids = remove(ids, oldest)
		m.logger.Debug().Str("backup_id", oldest).Msg("Pruned old backup")
	}
	return nil
}

func (m *Manager) oldestBackup(ids []string) (string, error) {
	oldest := ""
	var oldestAt time.Time
	for _, id := range ids {
		var partial struct {
			Metadata types.SnapshotMetadata `json:"metadata"`
		}
		if err := m.store.ReadJSON(m.store.BackupPath(id), &partial); err != nil {
			// Unreadable backups prune first.
			return id, nil
		}
		if oldest == "" || partial.Metadata.Timestamp.Before(oldestAt) {
			oldest = id
			oldestAt = partial.Metadata.Timestamp
		}
	}
	return oldest, nil
}

// prune deletes snapshots beyond the retention bound, oldest first.
func (m *Manager) prune() {
	metas, err := m.List()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Retention listing failed")
		return
	}
	for i := m.cfg.Retention; i < len(metas); i++ {
		id := metas[i].ID
		if err := m.store.Delete(m.store.SnapshotPath(id)); err != nil {
			m.logger.Warn().Err(err).Str("snapshot_id", id).Msg("Failed to prune snapshot")
			continue
		}
		m.cache.Remove(id)
		m.logger.Debug().Str("snapshot_id", id).Msg("Pruned old snapshot")
	}
}

// verify recomputes the body hash and compares it to the stored one.
func (m *Manager) verify(snap *types.Snapshot) error {
	sum, err := storage.Hash(bodyOf(snap))
	if err != nil {
		return types.WrapError(types.CodeIntegrityFailed, err,
			"failed to hash snapshot %s", snap.Metadata.ID)
	}
	if sum != snap.Metadata.IntegrityHash {
		metrics.IntegrityFailures.Inc()
		return types.ErrIntegrityFailed("snapshot", snap.Metadata.ID)
	}
	return nil
}

func (m *Manager) quarantine(id, path string) {
	m.cache.Remove(id)
	if err := m.store.Quarantine(path); err != nil {
		m.logger.Warn().Err(err).Str("snapshot_id", id).Msg("Failed to quarantine snapshot")
	}
}

func (m *Manager) publish(event *events.Event) {
	if m.broker != nil {
		m.broker.Publish(event)
	}
}

// queueState summarizes what the queue was doing at freeze time.
func queueState(qm types.QueueMetrics) string {
	switch {
	case qm.Running > 0:
		return "executing"
	case qm.Pending+qm.Queued+qm.Blocked > 0:
		return "waiting"
	default:
		return "idle"
	}
}

func entryIDs(entries []*types.TransactionLogEntry) []string {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	return ids
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
