package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrykit/gantry/pkg/events"
	"github.com/gantrykit/gantry/pkg/log"
	"github.com/gantrykit/gantry/pkg/session"
	"github.com/gantrykit/gantry/pkg/storage"
	"github.com/gantrykit/gantry/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// memFreezer stands in for the queue: Freeze serves a configurable
// state, Restore records what it was given.
type memFreezer struct {
	mu         sync.Mutex
	state      *types.Snapshot
	restored   []*types.Snapshot
	restoreErr error
}

func newMemFreezer(tasks ...*types.Task) *memFreezer {
	return &memFreezer{state: stateWith(tasks...)}
}

func stateWith(tasks ...*types.Task) *types.Snapshot {
	snap := &types.Snapshot{
		Tasks:            make(map[string]*types.Task, len(tasks)),
		Dependencies:     make(map[string]*types.TaskDependency),
		ExecutionRecords: make(map[string][]*types.ExecutionRecord),
	}
	for _, task := range tasks {
		snap.Tasks[task.ID] = task
		snap.Metrics.Pending++
	}
	return snap
}

func (f *memFreezer) Freeze() *types.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.state
	cp.Tasks = make(map[string]*types.Task, len(f.state.Tasks))
	for id, task := range f.state.Tasks {
		cp.Tasks[id] = task.Clone()
	}
	return &cp
}

func (f *memFreezer) Restore(snap *types.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restored = append(f.restored, snap)
	f.state = snap
	return nil
}

func (f *memFreezer) lastRestored() *types.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.restored) == 0 {
		return nil
	}
	return f.restored[len(f.restored)-1]
}

func testTask(id string) *types.Task {
	return &types.Task{
		ID:                id,
		Title:             id,
		Category:          types.CategoryTest,
		Priority:          types.PriorityMedium,
		Status:            types.TaskStatusPending,
		CreatedAt:         time.Now().UTC().Truncate(time.Second),
		EstimatedDuration: time.Minute,
		ExecutorKey:       "echo",
		Version:           1,
	}
}

func newTestManager(t *testing.T, cfg Config, tasks ...*types.Task) (*Manager, *memFreezer, *storage.FileStore) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	freezer := newMemFreezer(tasks...)
	mgr := NewManager(store, nil, nil, nil, freezer, "session-test", cfg)
	return mgr, freezer, store
}

func TestCreateLoadRoundTrip(t *testing.T) {
	mgr, _, _ := newTestManager(t, Config{}, testTask("a"), testTask("b"))

	meta, err := mgr.Create(types.SnapshotManual)
	require.NoError(t, err)
	assert.NotEmpty(t, meta.ID)
	assert.Equal(t, 2, meta.TaskCount)
	assert.Equal(t, types.SnapshotManual, meta.Kind)
	assert.Equal(t, "waiting", meta.QueueState)
	assert.Equal(t, "session-test", meta.SessionID)
	assert.NotEmpty(t, meta.IntegrityHash)
	assert.Positive(t, meta.Size)
	assert.Empty(t, meta.Compression)

	loaded, err := mgr.Load(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.IntegrityHash, loaded.Metadata.IntegrityHash)
	require.Len(t, loaded.Tasks, 2)
	assert.Equal(t, "a", loaded.Tasks["a"].Title)
	assert.Equal(t, time.Minute, loaded.Tasks["a"].EstimatedDuration,
		"durations survive the round trip without precision loss")

	// Hash recomputed over the restored body matches the stored one.
	sum, err := storage.Hash(bodyOf(loaded))
	require.NoError(t, err)
	assert.Equal(t, meta.IntegrityHash, sum)
}

func TestLoadUnknownSnapshot(t *testing.T) {
	mgr, _, _ := newTestManager(t, Config{})
	_, err := mgr.Load("nope")
	assert.True(t, types.IsCode(err, types.CodeSnapshotNotFound))
}

func TestCompressedSnapshotHashesUncompressedBytes(t *testing.T) {
	mgr, _, store := newTestManager(t, Config{Compress: true}, testTask("a"))

	meta, err := mgr.Create(types.SnapshotAutomatic)
	require.NoError(t, err)
	assert.Equal(t, "gzip", meta.Compression)

	raw, err := os.ReadFile(store.SnapshotPath(meta.ID))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 2)
	assert.Equal(t, byte(0x1f), raw[0], "file on disk is gzip")
	assert.Equal(t, byte(0x8b), raw[1])

	// Verification decompresses transparently and checks against the
	// uncompressed canonical body.
	mgr.cache.Purge()
	loaded, err := mgr.Load(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", loaded.Tasks["a"].Title)
	require.NoError(t, mgr.Verify(meta.ID))
}

func TestVerifyDetectsTamper(t *testing.T) {
	mgr, _, store := newTestManager(t, Config{}, testTask("a"))
	meta, err := mgr.Create(types.SnapshotManual)
	require.NoError(t, err)

	tamper(t, store.SnapshotPath(meta.ID))

	err = mgr.Verify(meta.ID)
	assert.True(t, types.IsCode(err, types.CodeIntegrityFailed))
}

func TestInspectIsSideEffectFree(t *testing.T) {
	mgr, _, store := newTestManager(t, Config{}, testTask("a"))
	meta, err := mgr.Create(types.SnapshotManual)
	require.NoError(t, err)

	snap, err := Inspect(store, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, snap.Metadata.ID)
	assert.Len(t, snap.Tasks, 1)

	_, err = Inspect(store, "nope")
	assert.True(t, types.IsCode(err, types.CodeSnapshotNotFound))

	// A tampered file still yields its contents, reports the mismatch,
	// and is left in place rather than quarantined.
	path := store.SnapshotPath(meta.ID)
	tamper(t, path)
	snap, err = Inspect(store, meta.ID)
	require.NotNil(t, snap)
	assert.True(t, types.IsCode(err, types.CodeIntegrityFailed))
	assert.Equal(t, "tampered", snap.Tasks["a"].Title)
	assert.FileExists(t, path)
}

// tamper rewrites one task title inside a snapshot file without
// updating the stored integrity hash.
func tamper(t *testing.T, path string) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	tasks := doc["tasks"].(map[string]any)
	for _, v := range tasks {
		v.(map[string]any)["title"] = "tampered"
		break
	}
	out, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0o600))
}

func TestLoadLatestFallsBackPastCorruption(t *testing.T) {
	mgr, _, store := newTestManager(t, Config{}, testTask("a"))
	older, err := mgr.Create(types.SnapshotManual)
	require.NoError(t, err)

	// Keep timestamps distinct so ordering is unambiguous.
	mgr.now = func() time.Time { return time.Now().Add(time.Minute) }
	newer, err := mgr.Create(types.SnapshotManual)
	require.NoError(t, err)

	tamper(t, store.SnapshotPath(newer.ID))
	mgr.cache.Purge()

	snap, err := mgr.LoadLatest()
	require.NoError(t, err)
	assert.Equal(t, older.ID, snap.Metadata.ID, "falls back to the next most recent")

	// The corrupt file was quarantined out of the working set.
	assert.False(t, store.Exists(store.SnapshotPath(newer.ID)))
	ids, err := store.ListSnapshots()
	require.NoError(t, err)
	assert.Equal(t, []string{older.ID}, ids)
}

func TestRetentionPrunesOldest(t *testing.T) {
	mgr, _, _ := newTestManager(t, Config{Retention: 3}, testTask("a"))

	base := time.Now().UTC()
	var ids []string
	for i := 0; i < 5; i++ {
		offset := time.Duration(i) * time.Minute
		mgr.now = func() time.Time { return base.Add(offset) }
		meta, err := mgr.Create(types.SnapshotAutomatic)
		require.NoError(t, err)
		ids = append(ids, meta.ID)
	}

	metas, err := mgr.List()
	require.NoError(t, err)
	require.Len(t, metas, 3)
	assert.Equal(t, ids[4], metas[0].ID, "newest first")
	assert.Equal(t, ids[3], metas[1].ID)
	assert.Equal(t, ids[2], metas[2].ID)
}

func TestRestoreEmitsEventAndAppliesState(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	freezer := newMemFreezer(testTask("a"))
	mgr := NewManager(store, nil, nil, broker, freezer, "session-test", Config{})

	sub := broker.Subscribe(events.EventSnapshotRestored)
	defer sub.Close()

	meta, err := mgr.Create(types.SnapshotManual)
	require.NoError(t, err)

	restored, err := mgr.Restore(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, restored.ID)
	require.NotNil(t, freezer.lastRestored())
	assert.Contains(t, freezer.lastRestored().Tasks, "a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, event.SnapshotID)

	// Empty id restores the latest.
	_, err = mgr.Restore("")
	require.NoError(t, err)
}

func TestSavePromotesExistingBody(t *testing.T) {
	mgr, _, _ := newTestManager(t, Config{}, testTask("a"))
	orig, err := mgr.Create(types.SnapshotManual)
	require.NoError(t, err)

	snap, err := mgr.Load(orig.ID)
	require.NoError(t, err)

	promoted, err := mgr.Save(snap, types.SnapshotManual)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, promoted.ID, "promotion mints a fresh identity")
	assert.Equal(t, orig.IntegrityHash, promoted.IntegrityHash, "same body, same hash")
}

func TestBackupCopiesSnapshot(t *testing.T) {
	mgr, _, store := newTestManager(t, Config{}, testTask("a"))
	meta, err := mgr.Create(types.SnapshotManual)
	require.NoError(t, err)

	require.NoError(t, mgr.Backup(meta.ID))
	assert.True(t, store.Exists(store.BackupPath(meta.ID)))

	backups, err := store.ListBackups()
	require.NoError(t, err)
	assert.Equal(t, []string{meta.ID}, backups)

	err = mgr.Backup("ghost")
	assert.True(t, types.IsCode(err, types.CodeSnapshotNotFound))
}

func TestAutoTriggerByInterval(t *testing.T) {
	mgr, _, _ := newTestManager(t, Config{Interval: time.Minute}, testTask("a"))
	base := time.Now().UTC()
	mgr.lastManual = base

	mgr.now = func() time.Time { return base.Add(30 * time.Second) }
	mgr.maybeAutoSnapshot()
	metas, err := mgr.List()
	require.NoError(t, err)
	assert.Empty(t, metas, "not due yet")

	mgr.now = func() time.Time { return base.Add(2 * time.Minute) }
	mgr.maybeAutoSnapshot()
	metas, err = mgr.List()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, types.SnapshotAutomatic, metas[0].Kind)
}

func TestRecoverCrashedRestoresSessionSnapshot(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	sessions := session.NewRegistry(store, nil)
	crashed, err := sessions.Open("agent-crashed")
	require.NoError(t, err)

	// The crashed session's last good state: task "theirs".
	theirFreezer := newMemFreezer(testTask("theirs"))
	theirMgr := NewManager(store, nil, sessions, nil, theirFreezer, crashed.ID, Config{})
	theirMeta, err := theirMgr.Create(types.SnapshotAutomatic)
	require.NoError(t, err)

	// Declare it crashed: stale heartbeat, no graceful shutdown record.
	sessions.SetTimeouts(time.Hour, time.Nanosecond, time.Nanosecond)
	time.Sleep(2 * time.Millisecond)
	require.Contains(t, sessions.Sweep(), crashed.ID)

	// A new session recovers; its own current state is task "mine".
	current, err := sessions.Open("agent-current")
	require.NoError(t, err)
	myFreezer := newMemFreezer(testTask("mine"))
	mgr := NewManager(store, nil, sessions, nil, myFreezer, current.ID, Config{})

	results := mgr.RecoverCrashed()
	require.Len(t, results, 1)
	assert.True(t, results[0].Recovered)
	assert.Equal(t, theirMeta.ID, results[0].SnapshotID)

	restored := myFreezer.lastRestored()
	require.NotNil(t, restored)
	assert.Contains(t, restored.Tasks, "theirs")

	// A crash_recovery guard of the pre-restore state exists.
	metas, err := mgr.List()
	require.NoError(t, err)
	kinds := make(map[types.SnapshotKind]bool)
	for _, meta := range metas {
		kinds[meta.Kind] = true
	}
	assert.True(t, kinds[types.SnapshotCrashRecovery])

	// The session is settled.
	sess, ok := sessions.Get(crashed.ID)
	require.True(t, ok)
	assert.Equal(t, types.SessionStatusTerminated, sess.Status)
}

func TestRecoverCrashedRollsBackOnFailure(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	sessions := session.NewRegistry(store, nil)
	crashed, err := sessions.Open("agent-crashed")
	require.NoError(t, err)

	theirFreezer := newMemFreezer(testTask("theirs"))
	theirMgr := NewManager(store, nil, sessions, nil, theirFreezer, crashed.ID, Config{})
	_, err = theirMgr.Create(types.SnapshotAutomatic)
	require.NoError(t, err)

	sessions.SetTimeouts(time.Hour, time.Nanosecond, time.Nanosecond)
	time.Sleep(2 * time.Millisecond)
	require.Contains(t, sessions.Sweep(), crashed.ID)

	current, err := sessions.Open("agent-current")
	require.NoError(t, err)
	myFreezer := newMemFreezer(testTask("mine"))
	myFreezer.restoreErr = errors.New("queue is busy")
	mgr := NewManager(store, nil, sessions, nil, myFreezer, current.ID, Config{})

	results := mgr.RecoverCrashed()
	require.Len(t, results, 1)
	assert.False(t, results[0].Recovered)

	sess, ok := sessions.Get(crashed.ID)
	require.True(t, ok)
	assert.Equal(t, types.SessionStatusUnrecoverable, sess.Status)
}

func TestRecoverCrashedWithoutSnapshotIsUnrecoverable(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	sessions := session.NewRegistry(store, nil)
	crashed, err := sessions.Open("agent-crashed")
	require.NoError(t, err)

	sessions.SetTimeouts(time.Hour, time.Nanosecond, time.Nanosecond)
	time.Sleep(2 * time.Millisecond)
	require.Contains(t, sessions.Sweep(), crashed.ID)

	current, err := sessions.Open("agent-current")
	require.NoError(t, err)
	mgr := NewManager(store, nil, sessions, nil, newMemFreezer(), current.ID, Config{})

	results := mgr.RecoverCrashed()
	require.Len(t, results, 1)
	assert.False(t, results[0].Recovered)
	assert.NotEmpty(t, results[0].Reason)

	sess, ok := sessions.Get(crashed.ID)
	require.True(t, ok)
	assert.Equal(t, types.SessionStatusUnrecoverable, sess.Status)
}
