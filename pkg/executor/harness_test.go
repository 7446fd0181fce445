package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrykit/gantry/pkg/resource"
	"github.com/gantrykit/gantry/pkg/types"
)

type captureRecorder struct {
	mu      sync.Mutex
	records []*types.ExecutionRecord
}

func (c *captureRecorder) RecordOutcome(_ *types.Task, rec *types.ExecutionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func (c *captureRecorder) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

type validatingCap struct {
	validateErr error
	executed    bool
}

func (v *validatingCap) Validate(*types.Task) error { return v.validateErr }

func (v *validatingCap) Execute(context.Context, *types.Task) (*Result, error) {
	v.executed = true
	return &Result{}, nil
}

type rollbackCap struct {
	execErr    error
	rolledBack int
}

func (r *rollbackCap) Execute(context.Context, *types.Task) (*Result, error) {
	return nil, r.execErr
}

func (r *rollbackCap) Rollback(context.Context, *types.Task) error {
	r.rolledBack++
	return nil
}

func testHarness(pools *resource.Manager, recorder Recorder) *Harness {
	h := NewHarness(pools, recorder)
	h.timeout = 200 * time.Millisecond
	h.grace = 50 * time.Millisecond
	return h
}

func runTask(id string) *types.Task {
	return &types.Task{
		ID:          id,
		Title:       id,
		Category:    types.CategoryFeature,
		Priority:    types.PriorityMedium,
		Status:      types.TaskStatusRunning,
		MaxRetries:  3,
		ExecutorKey: "test",
	}
}

func TestRunSuccess(t *testing.T) {
	recorder := &captureRecorder{}
	h := testHarness(nil, recorder)
	task := runTask("t1")

	next := &types.Task{ID: "follow-up"}
	out := h.Run(context.Background(), task, Func(func(ctx context.Context, task *types.Task) (*Result, error) {
		return &Result{
			Output:    map[string]interface{}{"rows": 42},
			NextTasks: []*types.Task{next},
		}, nil
	}), "sess-1")

	assert.Equal(t, types.TaskStatusCompleted, out.Status)
	assert.Equal(t, 42, out.Output["rows"])
	require.Len(t, out.NextTasks, 1)
	assert.Equal(t, "follow-up", out.NextTasks[0].ID)
	assert.False(t, out.Retry)
	assert.NoError(t, out.Err)

	require.Equal(t, 1, recorder.len())
	rec := recorder.records[0]
	assert.Equal(t, "t1", rec.TaskID)
	assert.NotEmpty(t, rec.ExecutionID)
	assert.Equal(t, types.TaskStatusCompleted, rec.Status)
	assert.Equal(t, "sess-1", rec.SessionID)
	assert.False(t, rec.EndedAt.Before(rec.StartedAt))
}

func TestRunRetriableError(t *testing.T) {
	recorder := &captureRecorder{}
	h := testHarness(nil, recorder)
	task := runTask("t1")

	out := h.Run(context.Background(), task, Func(func(context.Context, *types.Task) (*Result, error) {
		return nil, errors.New("flaky dependency")
	}), "sess-1")

	assert.Equal(t, types.TaskStatusPending, out.Status)
	assert.True(t, out.Retry)
	assert.Equal(t, time.Second, out.Backoff)
	assert.Equal(t, types.CodeExecutionFailed, out.ErrorCode)

	// The attempt itself failed even though the task goes back to pending.
	require.Equal(t, 1, recorder.len())
	assert.Equal(t, types.TaskStatusFailed, recorder.records[0].Status)
}

func TestRunBackoffGrowsWithAttempts(t *testing.T) {
	h := testHarness(nil, nil)
	task := runTask("t1")
	task.RetryCount = 2
	task.MaxRetries = 5

	out := h.Run(context.Background(), task, Func(func(context.Context, *types.Task) (*Result, error) {
		return nil, errors.New("still flaky")
	}), "sess-1")

	assert.True(t, out.Retry)
	assert.Equal(t, 4*time.Second, out.Backoff)
	assert.Equal(t, 2, out.Attempt)
}

func TestRunRetriesExhausted(t *testing.T) {
	h := testHarness(nil, nil)
	task := runTask("t1")
	task.RetryCount = 3

	capability := &rollbackCap{execErr: errors.New("flaky dependency")}
	out := h.Run(context.Background(), task, capability, "sess-1")

	assert.Equal(t, types.TaskStatusFailed, out.Status)
	assert.False(t, out.Retry)
	assert.Equal(t, types.CodeRetriesExhausted, out.ErrorCode)
	assert.Equal(t, 1, capability.rolledBack, "rollback runs on terminal failure")
}

func TestRunFatalErrorSkipsRetry(t *testing.T) {
	h := testHarness(nil, nil)
	task := runTask("t1")

	capability := &rollbackCap{execErr: Fatal(errors.New("schema mismatch"))}
	out := h.Run(context.Background(), task, capability, "sess-1")

	assert.Equal(t, types.TaskStatusFailed, out.Status)
	assert.False(t, out.Retry)
	assert.Equal(t, types.CodeExecutionFailed, out.ErrorCode)
	assert.Equal(t, 1, capability.rolledBack)
}

func TestRunValidationFailure(t *testing.T) {
	h := testHarness(nil, nil)
	task := runTask("t1")

	capability := &validatingCap{validateErr: errors.New("missing param")}
	out := h.Run(context.Background(), task, capability, "sess-1")

	assert.Equal(t, types.TaskStatusFailed, out.Status)
	assert.False(t, out.Retry)
	assert.Equal(t, types.CodePreconditionFailed, out.ErrorCode)
	assert.False(t, capability.executed, "validation failure never reaches Execute")
}

func TestRunPanicRecovery(t *testing.T) {
	h := testHarness(nil, nil)
	task := runTask("t1")

	out := h.Run(context.Background(), task, Func(func(context.Context, *types.Task) (*Result, error) {
		panic("nil map write")
	}), "sess-1")

	assert.Equal(t, types.TaskStatusPending, out.Status)
	assert.True(t, out.Retry)
	assert.Equal(t, types.CodeExecutionPanic, out.ErrorCode)
	assert.Contains(t, out.Err.Error(), "nil map write")
}

func TestRunTimeoutRetriable(t *testing.T) {
	h := testHarness(nil, nil)
	task := runTask("t1")
	task.Timeout = 20 * time.Millisecond

	out := h.Run(context.Background(), task, Func(func(ctx context.Context, _ *types.Task) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), "sess-1")

	assert.Equal(t, types.TaskStatusPending, out.Status)
	assert.True(t, out.Retry)
	assert.Equal(t, types.CodeExecutionTimeout, out.ErrorCode)
}

func TestRunTimeoutFatal(t *testing.T) {
	h := testHarness(nil, nil)
	task := runTask("t1")
	task.Timeout = 20 * time.Millisecond
	task.TimeoutFatal = true

	out := h.Run(context.Background(), task, Func(func(ctx context.Context, _ *types.Task) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), "sess-1")

	assert.Equal(t, types.TaskStatusFailed, out.Status)
	assert.False(t, out.Retry)
	assert.Equal(t, types.CodeExecutionTimeout, out.ErrorCode)
}

func TestRunCancellation(t *testing.T) {
	h := testHarness(nil, nil)
	task := runTask("t1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	out := h.Run(ctx, task, Func(func(ctx context.Context, _ *types.Task) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), "sess-1")

	assert.Equal(t, types.TaskStatusCancelled, out.Status)
	assert.False(t, out.Retry)
	assert.Equal(t, types.CodeCancelled, out.ErrorCode)
	assert.Equal(t, types.TaskStatusCancelled, out.Record.Status)
}

func TestRunSuccessInsideGraceWindow(t *testing.T) {
	h := testHarness(nil, nil)
	h.grace = 100 * time.Millisecond
	task := runTask("t1")
	task.Timeout = 15 * time.Millisecond

	out := h.Run(context.Background(), task, Func(func(context.Context, *types.Task) (*Result, error) {
		// Ignores cancellation but wraps up before the grace expires.
		time.Sleep(40 * time.Millisecond)
		return &Result{Output: map[string]interface{}{"done": true}}, nil
	}), "sess-1")

	assert.Equal(t, types.TaskStatusCompleted, out.Status,
		"work that finishes during the grace window is credited")
}

func TestRunGraceExpiryForcesResourceRelease(t *testing.T) {
	pools := resource.NewManager(map[types.ResourceType]float64{types.ResourceCPU: 8})
	h := testHarness(pools, nil)
	h.grace = 30 * time.Millisecond

	task := runTask("t1")
	task.Timeout = 20 * time.Millisecond
	task.RequiredResources = []types.ResourceRequirement{{Type: types.ResourceCPU, Units: 4}}

	_, err := pools.Allocate(task, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, pools.LiveAllocations())

	out := h.Run(context.Background(), task, Func(func(context.Context, *types.Task) (*Result, error) {
		// Ignores cancellation entirely.
		time.Sleep(300 * time.Millisecond)
		return &Result{}, nil
	}), "sess-1")

	assert.Equal(t, types.TaskStatusPending, out.Status)
	assert.Equal(t, types.CodeExecutionTimeout, out.ErrorCode)
	assert.Equal(t, 0, pools.LiveAllocations(), "leaked allocation was force-released")
	assert.InDelta(t, 8, pools.Usage()[types.ResourceCPU].Available(), 1e-9)
}

func TestRunNilCapabilityFails(t *testing.T) {
	h := testHarness(nil, nil)
	task := runTask("t1")

	out := h.Run(context.Background(), task, nil, "sess-1")

	assert.Equal(t, types.TaskStatusFailed, out.Status)
	assert.Equal(t, types.CodeUnknownExecutor, out.ErrorCode)
}

func TestBackoffSchedule(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRecorderSeesEveryAttempt(t *testing.T) {
	recorder := &captureRecorder{}
	h := testHarness(nil, recorder)

	task := runTask("t1")
	h.Run(context.Background(), task, echoCapability(), "sess-1")
	h.Run(context.Background(), task, Func(func(context.Context, *types.Task) (*Result, error) {
		return nil, errors.New("nope")
	}), "sess-1")

	assert.Equal(t, 2, recorder.len())
}
