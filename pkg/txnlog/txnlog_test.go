package txnlog

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrykit/gantry/pkg/storage"
	"github.com/gantrykit/gantry/pkg/types"
)

func newTestLog(t *testing.T) (*Log, *storage.FileStore) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return New(store), store
}

func TestAppendAssignsIdentityAndChecksum(t *testing.T) {
	l, _ := newTestLog(t)

	entry, err := l.Append("sess-1", types.TxnUpdate, types.EntityTask, "task-1",
		map[string]any{"status": "pending"},
		map[string]any{"status": "queued"},
	)
	require.NoError(t, err)

	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
	assert.Equal(t, "sess-1", entry.SessionID)
	assert.Len(t, entry.Checksum, 64)
	assert.Equal(t, 1, l.Len())
}

func TestChecksumIgnoresIdentity(t *testing.T) {
	l, _ := newTestLog(t)

	// Two identical mutations from different sessions at different times
	// hash identically: the checksum covers only the mutation itself.
	e1, err := l.Append("sess-1", types.TxnCreate, types.EntityTask, "task-1", nil, map[string]any{"id": "task-1"})
	require.NoError(t, err)
	e2, err := l.Append("sess-2", types.TxnCreate, types.EntityTask, "task-1", nil, map[string]any{"id": "task-1"})
	require.NoError(t, err)

	assert.Equal(t, e1.Checksum, e2.Checksum)
	assert.NotEqual(t, e1.ID, e2.ID)
}

func TestVerifyDetectsTampering(t *testing.T) {
	l, _ := newTestLog(t)

	_, err := l.Append("sess-1", types.TxnCreate, types.EntityTask, "task-1", nil, map[string]any{"priority": 800})
	require.NoError(t, err)
	tampered, err := l.Append("sess-1", types.TxnUpdate, types.EntityTask, "task-1",
		map[string]any{"priority": 800}, map[string]any{"priority": 500})
	require.NoError(t, err)

	ok, failed := l.Verify()
	assert.Equal(t, 2, ok)
	assert.Equal(t, 0, failed)

	// Mutate the payload behind the checksum's back.
	tampered.After = map[string]any{"priority": 2000}

	ok, failed = l.Verify()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
	assert.True(t, tampered.Unverifiable)
}

func TestTruncationKeepsNewest(t *testing.T) {
	l, _ := newTestLog(t)
	l.maxEntries = 10
	l.truncateTo = 5

	var lastIDs []string
	for i := 0; i < 11; i++ {
		entry, err := l.Append("sess-1", types.TxnUpdate, types.EntityTask, "task-1", nil, map[string]any{"n": i})
		require.NoError(t, err)
		lastIDs = append(lastIDs, entry.ID)
	}

	// The 11th append crossed the bound: keep the newest 5.
	require.Equal(t, 5, l.Len())
	entries := l.Entries()
	for i, entry := range entries {
		assert.Equal(t, lastIDs[6+i], entry.ID, "Oldest entries should be dropped first")
	}
}

func TestFlushLoadRoundTrip(t *testing.T) {
	l, store := newTestLog(t)

	for i := 0; i < 3; i++ {
		_, err := l.Append("sess-1", types.TxnTransition, types.EntityTask, "task-1",
			map[string]any{"status": "pending"}, map[string]any{"status": "queued"})
		require.NoError(t, err)
	}
	require.NoError(t, l.Flush())

	reloaded := New(store)
	require.NoError(t, reloaded.Load())

	require.Equal(t, 3, reloaded.Len())
	ok, failed := reloaded.Verify()
	assert.Equal(t, 3, ok)
	assert.Equal(t, 0, failed, "Entries must verify after a disk round trip")
}

func TestLoadMarksTamperedEntriesUnverifiable(t *testing.T) {
	l, store := newTestLog(t)

	_, err := l.Append("sess-1", types.TxnCreate, types.EntityTask, "task-1", nil, map[string]any{"id": "task-1"})
	require.NoError(t, err)
	_, err = l.Append("sess-1", types.TxnCreate, types.EntityTask, "task-2", nil, map[string]any{"id": "task-2"})
	require.NoError(t, err)
	require.NoError(t, l.Flush())

	// Tamper with the second entry on disk.
	raw, err := os.ReadFile(store.TxnLogPath())
	require.NoError(t, err)
	var onDisk []*types.TransactionLogEntry
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	onDisk[1].After = map[string]any{"id": "task-2", "injected": true}
	edited, err := json.Marshal(onDisk)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.TxnLogPath(), edited, 0o600))

	reloaded := New(store)
	require.NoError(t, reloaded.Load())

	entries := reloaded.Entries()
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Unverifiable, "Untouched entry should verify")
	assert.True(t, entries[1].Unverifiable, "Tampered entry should be marked, not dropped")
}

func TestLoadQuarantinesUnparseableFile(t *testing.T) {
	l, store := newTestLog(t)

	require.NoError(t, os.WriteFile(store.TxnLogPath(), []byte("{{{ not json"), 0o600))

	require.NoError(t, l.Load())
	assert.Equal(t, 0, l.Len())
	assert.False(t, store.Exists(store.TxnLogPath()), "Corrupt log should be moved aside")
	assert.True(t, store.Exists(store.TxnLogPath()+".corrupt"))
}

func TestRecentWindow(t *testing.T) {
	l, _ := newTestLog(t)

	old, err := l.Append("sess-1", types.TxnCreate, types.EntityTask, "task-old", nil, nil)
	require.NoError(t, err)
	old.Timestamp = time.Now().UTC().Add(-time.Minute)

	_, err = l.Append("sess-1", types.TxnCreate, types.EntityTask, "task-new", nil, nil)
	require.NoError(t, err)

	recent := l.Recent(5 * time.Second)
	require.Len(t, recent, 1)
	assert.Equal(t, "task-new", recent[0].EntityID)
}

func TestBackgroundFlusherPersists(t *testing.T) {
	l, store := newTestLog(t)
	l.Start()

	_, err := l.Append("sess-1", types.TxnCreate, types.EntityTask, "task-1", nil, map[string]any{"id": "task-1"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		if !store.Exists(store.TxnLogPath()) {
			return false
		}
		var onDisk []*types.TransactionLogEntry
		if err := store.ReadJSON(store.TxnLogPath(), &onDisk); err != nil {
			return false
		}
		return len(onDisk) == 1
	}, 5*time.Second, 50*time.Millisecond, "Flusher should persist appended entries")

	require.NoError(t, l.Stop())
}

func TestStopFlushesOutstandingEntries(t *testing.T) {
	l, store := newTestLog(t)
	l.Start()

	for i := 0; i < 5; i++ {
		_, err := l.Append("sess-1", types.TxnUpdate, types.EntityTask, "task-1", nil, map[string]any{"n": i})
		require.NoError(t, err)
	}
	require.NoError(t, l.Stop())

	var onDisk []*types.TransactionLogEntry
	require.NoError(t, store.ReadJSON(store.TxnLogPath(), &onDisk))
	assert.Len(t, onDisk, 5, "Stop should flush everything appended")
}
