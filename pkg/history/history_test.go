package history

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrykit/gantry/pkg/types"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func record(taskID, execID string, status types.TaskStatus, started time.Time) *types.ExecutionRecord {
	return &types.ExecutionRecord{
		TaskID:      taskID,
		ExecutionID: execID,
		StartedAt:   started,
		EndedAt:     started.Add(2 * time.Second),
		Duration:    2 * time.Second,
		Status:      status,
		Attempt:     1,
	}
}

func TestRecordAndRecentRecords(t *testing.T) {
	h := newTestHistory(t)
	task := &types.Task{ID: "task-1", Category: types.CategoryBug, DynamicPriority: 800}

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := record("task-1", fmt.Sprintf("exec-%d", i), types.TaskStatusCompleted, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, h.RecordExecution(task, rec))
	}
	// A record for another task must not leak into task-1 queries.
	other := &types.Task{ID: "task-2", Category: types.CategoryTest}
	require.NoError(t, h.RecordExecution(other, record("task-2", "exec-x", types.TaskStatusFailed, base)))

	records, err := h.RecentRecords("task-1", 3)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Most recent first.
	assert.Equal(t, "exec-4", records[0].ExecutionID)
	assert.Equal(t, "exec-3", records[1].ExecutionID)
	assert.Equal(t, "exec-2", records[2].ExecutionID)
}

func TestRecentRecordsUnknownTask(t *testing.T) {
	h := newTestHistory(t)

	records, err := h.RecentRecords("never-ran", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSuccessRate(t *testing.T) {
	h := newTestHistory(t)
	task := &types.Task{ID: "task-1", Category: types.CategoryRefactor, DynamicPriority: 500}

	now := time.Now().UTC()
	outcomes := []types.TaskStatus{
		types.TaskStatusCompleted,
		types.TaskStatusCompleted,
		types.TaskStatusFailed,
		types.TaskStatusCompleted,
	}
	for i, status := range outcomes {
		rec := record("task-1", fmt.Sprintf("exec-%d", i), status, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, h.RecordExecution(task, rec))
	}

	rate, ok := h.SuccessRate(types.CategoryRefactor, 20)
	require.True(t, ok)
	assert.InDelta(t, 0.75, rate, 0.001)

	// Limiting to the last two outcomes changes the window.
	rate, ok = h.SuccessRate(types.CategoryRefactor, 2)
	require.True(t, ok)
	assert.InDelta(t, 1.0, rate, 0.001, "Last two outcomes both succeeded")
}

func TestSuccessRateNoData(t *testing.T) {
	h := newTestHistory(t)

	_, ok := h.SuccessRate(types.CategorySecurity, 20)
	assert.False(t, ok, "No samples should report ok=false so callers use a neutral factor")
}

func TestOutcomeRingBounded(t *testing.T) {
	h := newTestHistory(t)
	task := &types.Task{ID: "task-1", Category: types.CategoryPerf, DynamicPriority: 200}

	now := time.Now().UTC()
	for i := 0; i < maxOutcomeSamples+10; i++ {
		status := types.TaskStatusCompleted
		if i < 10 {
			// The oldest ten fail; they should age out of the ring.
			status = types.TaskStatusFailed
		}
		rec := record("task-1", fmt.Sprintf("exec-%d", i), status, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, h.RecordExecution(task, rec))
	}

	samples, err := h.Samples(types.CategoryPerf, 0)
	require.NoError(t, err)
	assert.Len(t, samples, maxOutcomeSamples, "Ring must stay bounded")

	rate, ok := h.SuccessRate(types.CategoryPerf, maxOutcomeSamples)
	require.True(t, ok)
	assert.InDelta(t, 1.0, rate, 0.001, "Failed outcomes older than the ring should be gone")
}

func TestSamplesCarryPriorityFeatures(t *testing.T) {
	h := newTestHistory(t)
	task := &types.Task{ID: "task-1", Category: types.CategoryInfra, DynamicPriority: 1600}

	rec := record("task-1", "exec-0", types.TaskStatusCompleted, time.Now().UTC())
	require.NoError(t, h.RecordExecution(task, rec))

	samples, err := h.Samples(types.CategoryInfra, 1)
	require.NoError(t, err)
	require.Len(t, samples, 1)

	assert.Equal(t, 1600.0, samples[0].Priority)
	assert.Equal(t, 2*time.Second, samples[0].Duration)
	assert.True(t, samples[0].Success)
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	h, err := Open(path)
	require.NoError(t, err)
	task := &types.Task{ID: "task-1", Category: types.CategoryDoc, DynamicPriority: 50}
	require.NoError(t, h.RecordExecution(task, record("task-1", "exec-0", types.TaskStatusCompleted, time.Now().UTC())))
	require.NoError(t, h.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.RecentRecords("task-1", 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
