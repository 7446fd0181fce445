package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gantrykit/gantry/pkg/log"
	"github.com/gantrykit/gantry/pkg/metrics"
	"github.com/gantrykit/gantry/pkg/resource"
	"github.com/gantrykit/gantry/pkg/types"
)

const (
	// defaultTimeout bounds a single execution attempt when the task
	// does not set its own.
	defaultTimeout = 5 * time.Minute

	// defaultGrace is how long a cancelled capability gets to clean up
	// before its resources are force-released.
	defaultGrace = 5 * time.Second

	rollbackTimeout = 30 * time.Second

	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second
)

// Recorder receives the execution record of every attempt. The
// priority engine implements it and forwards to the history archive.
type Recorder interface {
	RecordOutcome(task *types.Task, rec *types.ExecutionRecord) error
}

// Outcome is the classified result of one execution attempt. Status is
// the state the task should transition to: completed, cancelled,
// failed, or pending when the attempt is worth retrying after Backoff.
type Outcome struct {
	Status    types.TaskStatus
	Output    map[string]interface{}
	NextTasks []*types.Task
	Err       error
	ErrorCode types.ErrorCode
	Retry     bool
	Backoff   time.Duration
	Attempt   int
	Leaked    bool
	Record    *types.ExecutionRecord
}

// Harness runs capabilities under a timeout race with panic recovery
// and guaranteed resource reclamation. It never transitions task state
// itself; the queue applies the returned outcome under its own lock.
type Harness struct {
	pools    *resource.Manager
	recorder Recorder
	timeout  time.Duration
	grace    time.Duration
	logger   zerolog.Logger
}

// NewHarness builds a harness. Both the resource manager and the
// recorder may be nil.
func NewHarness(pools *resource.Manager, recorder Recorder) *Harness {
	return &Harness{
		pools:    pools,
		recorder: recorder,
		timeout:  defaultTimeout,
		grace:    defaultGrace,
		logger:   log.WithComponent("executor"),
	}
}

type execReturn struct {
	result   *Result
	err      error
	panicked bool
}

type attemptState struct {
	started   time.Time
	attempt   int
	result    *Result
	err       error
	panicked  bool
	timedOut  bool
	cancelled bool
	leaked    bool
}

// Run executes one attempt of the task through the capability. The
// attempt index is taken from the task's RetryCount; exhaustion is
// judged against its MaxRetries.
func (h *Harness) Run(ctx context.Context, task *types.Task, capability Capability, sessionID string) *Outcome {
	state := attemptState{
		started: time.Now().UTC(),
		attempt: task.RetryCount,
	}

	if capability == nil {
		state.err = types.NewError(types.CodeUnknownExecutor,
			"task %s has no capability for executor key %q", task.ID, task.ExecutorKey)
		return h.finish(task, nil, sessionID, state)
	}

	if v, ok := capability.(Validator); ok {
		if err := v.Validate(task); err != nil {
			state.err = types.WrapError(types.CodePreconditionFailed, err,
				"task %s failed validation", task.ID)
			return h.finish(task, capability, sessionID, state)
		}
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = h.timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan execReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execReturn{err: fmt.Errorf("capability panicked: %v", r), panicked: true}
			}
		}()
		result, err := capability.Execute(execCtx, task)
		done <- execReturn{result: result, err: err}
	}()

	var ret execReturn
	leaked := false
	select {
	case ret = <-done:
	case <-execCtx.Done():
		// Cooperative window: the capability should notice ctx and
		// return. Past the grace window its resources are reclaimed
		// even though the goroutine may still be running.
		select {
		case ret = <-done:
		case <-time.After(h.grace):
			leaked = true
			ret = execReturn{err: execCtx.Err()}
		}
	}

	if leaked {
		reclaimed := 0
		if h.pools != nil {
			reclaimed = h.pools.ReleaseTask(task.ID)
		}
		metrics.ResourceLeaks.Inc()
		h.logger.Warn().
			Str("task_id", task.ID).
			Int("allocations_reclaimed", reclaimed).
			Dur("grace", h.grace).
			Msg("capability ignored cancellation, resources force-released")
	}

	state.result = ret.result
	state.err = ret.err
	state.panicked = ret.panicked
	state.leaked = leaked
	if state.err != nil {
		switch {
		case ctx.Err() != nil:
			state.cancelled = errors.Is(ctx.Err(), context.Canceled)
			state.timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			state.timedOut = true
		}
	}

	return h.finish(task, capability, sessionID, state)
}

// finish classifies the attempt, writes its execution record, and
// invokes rollback on terminal failure.
func (h *Harness) finish(task *types.Task, capability Capability, sessionID string, state attemptState) *Outcome {
	ended := time.Now().UTC()
	duration := ended.Sub(state.started)

	out := &Outcome{
		Attempt: state.attempt,
		Leaked:  state.leaked,
		Record: &types.ExecutionRecord{
			TaskID:      task.ID,
			ExecutionID: uuid.New().String(),
			StartedAt:   state.started,
			EndedAt:     ended,
			Duration:    duration,
			Attempt:     state.attempt,
			Resources:   task.RequiredResources,
			SessionID:   sessionID,
		},
	}

	switch {
	case state.err == nil:
		out.Status = types.TaskStatusCompleted
		if state.result != nil {
			out.Output = state.result.Output
			out.NextTasks = state.result.NextTasks
		}

	case state.cancelled:
		out.Status = types.TaskStatusCancelled
		out.ErrorCode = types.CodeCancelled
		out.Err = types.WrapError(types.CodeCancelled, state.err,
			"task %s cancelled during execution", task.ID)

	default:
		out.Err = state.err
		out.ErrorCode = codeFor(state.err, state.panicked, state.timedOut)
		retriable := classify(state.err, state.panicked, state.timedOut, task)
		if retriable && state.attempt < task.MaxRetries {
			out.Status = types.TaskStatusPending
			out.Retry = true
			out.Backoff = Backoff(state.attempt)
		} else {
			out.Status = types.TaskStatusFailed
			if retriable {
				out.ErrorCode = types.CodeRetriesExhausted
				out.Err = types.WrapError(types.CodeRetriesExhausted, state.err,
					"task %s failed after %d attempts", task.ID, state.attempt+1)
			}
			h.rollback(task, capability)
		}
	}

	if out.Status == types.TaskStatusPending {
		out.Record.Status = types.TaskStatusFailed
	} else {
		out.Record.Status = out.Status
	}
	if out.Err != nil {
		out.Record.Error = out.Err.Error()
	}

	metrics.TaskExecutionDuration.WithLabelValues(string(task.Category)).Observe(duration.Seconds())

	if h.recorder != nil {
		if err := h.recorder.RecordOutcome(task, out.Record); err != nil {
			h.logger.Warn().Err(err).Str("task_id", task.ID).
				Msg("failed to record execution outcome")
		}
	}
	return out
}

func (h *Harness) rollback(task *types.Task, capability Capability) {
	rb, ok := capability.(Rollbacker)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	if err := rb.Rollback(ctx, task); err != nil {
		h.logger.Warn().Err(err).Str("task_id", task.ID).Msg("rollback failed")
	}
}

// classify decides whether the attempt is worth retrying. Timeouts
// follow the task's TimeoutFatal flag, panics are retriable, Fatal and
// validation errors are not, everything else is.
func classify(err error, panicked, timedOut bool, task *types.Task) bool {
	switch {
	case timedOut:
		return !task.TimeoutFatal
	case panicked:
		return true
	case IsFatal(err):
		return false
	case types.IsCode(err, types.CodePreconditionFailed):
		return false
	case types.IsCode(err, types.CodeUnknownExecutor):
		return false
	default:
		return true
	}
}

func codeFor(err error, panicked, timedOut bool) types.ErrorCode {
	switch {
	case timedOut:
		return types.CodeExecutionTimeout
	case panicked:
		return types.CodeExecutionPanic
	default:
		if code := types.CodeOf(err); code != "" {
			return code
		}
		return types.CodeExecutionFailed
	}
}

// Backoff returns the retry delay for a zero-based attempt index:
// 1s, 2s, 4s, doubling up to the 30s cap.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		return maxBackoff
	}
	d := baseBackoff << uint(attempt)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
