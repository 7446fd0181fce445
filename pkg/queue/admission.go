package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/gantrykit/gantry/pkg/events"
	"github.com/gantrykit/gantry/pkg/executor"
	"github.com/gantrykit/gantry/pkg/metrics"
	"github.com/gantrykit/gantry/pkg/resource"
	"github.com/gantrykit/gantry/pkg/types"
)

// admit runs one admission pass: refresh priorities, reclassify tasks
// against the current graph, promote eligible pending tasks to queued,
// then walk the planned sequence dispatching whatever ownership,
// resources and execution slots allow. The whole decision runs under
// the coordination lock so it observes one consistent view.
func (q *Queue) admit() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	if q.priority != nil {
		q.priority.RecomputeAll(q.graph.Tasks())
	}

	for _, task := range q.graph.Tasks() {
		switch task.Status {
		case types.TaskStatusBlocked, types.TaskStatusPending, types.TaskStatusQueued:
			q.reclassifyLocked(task.ID)
		}
	}

	now := q.now().UTC()
	var emitted []*events.Event

	for _, task := range q.graph.Tasks() {
		if task.Status != types.TaskStatusPending {
			continue
		}
		if !q.eligibleLocked(task, now) {
			continue
		}
		if err := q.setStatusLocked(task, types.TaskStatusQueued); err != nil {
			continue
		}
		task.ScheduledAt = now
		delete(q.notBefore, task.ID)
		emitted = append(emitted, &events.Event{
			Type:   events.EventTaskQueued,
			TaskID: task.ID,
		})
	}

	seq, err := q.sequencer.Sequence(q.cfg.Algorithm)
	if err != nil {
		q.refreshGaugesLocked()
		q.mu.Unlock()
		q.publish(emitted)
		q.logger.Warn().Err(err).Msg("sequence planning failed, skipping admission pass")
		return
	}

	for _, id := range seq.Order {
		if len(q.running) >= q.cfg.MaxConcurrent {
			break
		}
		task, ok := q.graph.Task(id)
		if !ok || task.Status != types.TaskStatusQueued {
			continue
		}
		evts, started := q.tryDispatchLocked(task, now)
		emitted = append(emitted, evts...)
		if !started {
			continue
		}
		if task.BatchCompatible && task.BatchGroup != "" {
			emitted = append(emitted, q.admitBatchLocked(task, seq.Order, now)...)
		}
	}

	q.refreshGaugesLocked()
	q.mu.Unlock()
	q.publish(emitted)
}

// admitBatchLocked pulls the rest of a batch group forward so the whole
// group dispatches in one admission step. Members still pass the
// ownership/resource/slot gates individually.
func (q *Queue) admitBatchLocked(head *types.Task, order []string, now time.Time) []*events.Event {
	var emitted []*events.Event
	for _, id := range order {
		if len(q.running) >= q.cfg.MaxConcurrent {
			break
		}
		if id == head.ID {
			continue
		}
		task, ok := q.graph.Task(id)
		if !ok || task.Status != types.TaskStatusQueued {
			continue
		}
		if !task.BatchCompatible || task.BatchGroup != head.BatchGroup || task.Category != head.Category {
			continue
		}
		evts, _ := q.tryDispatchLocked(task, now)
		emitted = append(emitted, evts...)
	}
	return emitted
}

// eligibleLocked decides whether a pending task may be promoted to
// queued: prerequisites met, past any min-delay hold, past its retry
// backoff, and every named precondition true. Unresolved precondition
// names keep the task waiting; predicates register the same way
// capabilities do, possibly after the task was persisted.
func (q *Queue) eligibleLocked(task *types.Task, now time.Time) bool {
	if len(q.graph.UnmetPrerequisites(task.ID)) > 0 {
		return false
	}
	if hold := q.graph.HoldUntil(task.ID); !hold.IsZero() && now.Before(hold) {
		return false
	}
	if nb, ok := q.notBefore[task.ID]; ok && now.Before(nb) {
		return false
	}
	for _, name := range task.Preconditions {
		if q.registry == nil {
			return false
		}
		cond, ok := q.registry.Condition(name)
		if !ok {
			q.logger.Debug().Str("task_id", task.ID).Str("condition", name).
				Msg("precondition not registered yet")
			return false
		}
		if !cond(task) {
			return false
		}
	}
	return true
}

// tryDispatchLocked takes a queued task through the admission gates in
// lock order (ownership, resources, execution slot) and starts its
// dispatch goroutine. A false return means the task stays queued; every
// partially acquired gate has been released LIFO.
func (q *Queue) tryDispatchLocked(task *types.Task, now time.Time) ([]*events.Event, bool) {
	capability, err := q.registry.Resolve(task.ExecutorKey)
	if err != nil {
		q.logger.Debug().Str("task_id", task.ID).Str("executor_key", task.ExecutorKey).
			Msg("capability not registered yet")
		return nil, false
	}

	if q.sessions != nil {
		if _, err := q.sessions.Acquire(task.ID, q.sessionID, types.OwnershipExclusive, q.cfg.OwnershipTTL); err != nil {
			q.logger.Debug().Err(err).Str("task_id", task.ID).Msg("ownership unavailable")
			return nil, false
		}
	}

	var alloc *resource.Allocation
	if q.resources != nil {
		alloc, err = q.resources.Allocate(task, q.sessionID)
		if err != nil {
			if q.sessions != nil {
				q.sessions.Release(task.ID, q.sessionID)
			}
			return nil, false
		}
	}

	if !q.sem.TryAcquire(1) {
		if q.resources != nil {
			q.resources.Release(alloc)
		}
		if q.sessions != nil {
			q.sessions.Release(task.ID, q.sessionID)
		}
		return nil, false
	}

	if err := q.setStatusLocked(task, types.TaskStatusRunning); err != nil {
		q.sem.Release(1)
		if q.resources != nil {
			q.resources.Release(alloc)
		}
		if q.sessions != nil {
			q.sessions.Release(task.ID, q.sessionID)
		}
		return nil, false
	}
	task.StartedAt = now
	if task.RetryCount == 0 {
		wait := now.Sub(task.CreatedAt)
		if wait > 0 {
			q.waitTotal += wait
			q.waitCount++
			metrics.SchedulingLatency.Observe(wait.Seconds())
		}
	}
	metrics.TasksAdmitted.Inc()

	execCtx, cancel := context.WithCancel(q.baseCtx)
	execCtx = q.withProgress(execCtx, task.ID)
	q.running[task.ID] = &execution{cancel: cancel}
	q.wg.Add(1)
	go q.dispatch(execCtx, cancel, task, capability, alloc)

	return []*events.Event{{
		Type:   events.EventTaskStarted,
		TaskID: task.ID,
		Data:   map[string]any{"attempt": task.RetryCount},
	}}, true
}

// withProgress lets the capability report progress through its context;
// reports surface as task-progress events.
func (q *Queue) withProgress(ctx context.Context, taskID string) context.Context {
	if q.broker == nil {
		return ctx
	}
	return executor.WithProgress(ctx, func(percent float64, message string) {
		q.broker.Publish(&events.Event{
			Type:    events.EventTaskProgress,
			TaskID:  taskID,
			Message: message,
			Data:    map[string]any{"percent": percent},
		})
	})
}

// dispatch runs one attempt on its own goroutine and applies the
// outcome. Gate release is strict LIFO: slot, then resources, then
// ownership.
func (q *Queue) dispatch(ctx context.Context, cancel context.CancelFunc, task *types.Task, capability executor.Capability, alloc *resource.Allocation) {
	defer q.wg.Done()
	if q.sessions != nil {
		defer q.sessions.Release(task.ID, q.sessionID)
	}
	if q.resources != nil {
		defer q.resources.Release(alloc)
	}
	defer q.sem.Release(1)
	defer cancel()

	out := q.harness.Run(ctx, task, capability, q.sessionID)
	next := q.applyOutcome(task, out)
	for _, follow := range next {
		if err := q.Submit(follow); err != nil {
			q.logger.Warn().Err(err).Str("parent_id", task.ID).
				Str("title", follow.Title).Msg("failed to submit follow-up task")
		}
	}
	q.Poke()
}

// applyOutcome moves the task out of the running set and applies the
// harness's classification under the coordination lock. It returns the
// follow-up tasks to submit once the lock is dropped.
func (q *Queue) applyOutcome(task *types.Task, out *executor.Outcome) []*types.Task {
	q.mu.Lock()

	exec := q.running[task.ID]
	delete(q.running, task.ID)
	reason := ""
	if exec != nil {
		reason = exec.reason
	}

	if out.Record != nil {
		recs := append(q.records[task.ID], out.Record)
		if len(recs) > maxRecordsPerTask {
			recs = recs[len(recs)-maxRecordsPerTask:]
		}
		q.records[task.ID] = recs
	}
	if out.Leaked {
		q.leakedReleases++
	}

	now := q.now().UTC()
	var emitted []*events.Event
	var next []*types.Task

	switch out.Status {
	case types.TaskStatusCompleted:
		if name, failed := q.failedPostconditionLocked(task); failed {
			_ = q.setStatusLocked(task, types.TaskStatusFailed)
			task.LastError = fmt.Sprintf("postcondition %q failed", name)
			task.ErrorCode = string(types.CodePostconditionFailed)
			task.CompletedAt = now
			q.totalFailed++
			metrics.TasksFinished.WithLabelValues(string(types.TaskStatusFailed)).Inc()
			emitted = append(emitted, &events.Event{
				Type:    events.EventTaskFailed,
				TaskID:  task.ID,
				Message: task.LastError,
			})
			break
		}
		_ = q.setStatusLocked(task, types.TaskStatusCompleted)
		task.CompletedAt = now
		if out.Record != nil {
			task.CompletedAt = out.Record.EndedAt
			task.ActualDuration = out.Record.Duration
		}
		if out.Output != nil {
			task.Outputs = out.Output
		}
		task.LastError = ""
		task.ErrorCode = ""
		q.totalCompleted++
		q.runTotal += task.ActualDuration
		q.runCount++
		metrics.TasksFinished.WithLabelValues(string(types.TaskStatusCompleted)).Inc()
		emitted = append(emitted, &events.Event{
			Type:   events.EventTaskCompleted,
			TaskID: task.ID,
		})
		next = out.NextTasks

	case types.TaskStatusPending:
		_ = q.setStatusLocked(task, types.TaskStatusPending)
		task.RetryCount = out.Attempt + 1
		if out.Err != nil {
			task.LastError = out.Err.Error()
		}
		task.ErrorCode = string(out.ErrorCode)
		q.notBefore[task.ID] = now.Add(out.Backoff)
		q.totalRetries++
		metrics.TaskRetries.Inc()
		emitted = append(emitted, &events.Event{
			Type:    events.EventTaskRetrying,
			TaskID:  task.ID,
			Message: task.LastError,
			Data: map[string]any{
				"attempt": task.RetryCount,
				"backoff": out.Backoff.String(),
			},
		})

	case types.TaskStatusCancelled:
		_ = q.setStatusLocked(task, types.TaskStatusCancelled)
		message := reason
		if message == "" && out.Err != nil {
			message = out.Err.Error()
		}
		task.LastError = message
		task.ErrorCode = string(types.CodeCancelled)
		task.CompletedAt = now
		metrics.TasksFinished.WithLabelValues(string(types.TaskStatusCancelled)).Inc()
		emitted = append(emitted, &events.Event{
			Type:    events.EventTaskCancelled,
			TaskID:  task.ID,
			Message: message,
		})

	default: // failed
		_ = q.setStatusLocked(task, types.TaskStatusFailed)
		if out.Err != nil {
			task.LastError = out.Err.Error()
		}
		task.ErrorCode = string(out.ErrorCode)
		task.CompletedAt = now
		if out.Record != nil {
			task.ActualDuration = out.Record.Duration
		}
		q.totalFailed++
		metrics.TasksFinished.WithLabelValues(string(types.TaskStatusFailed)).Inc()
		emitted = append(emitted, &events.Event{
			Type:    events.EventTaskFailed,
			TaskID:  task.ID,
			Message: task.LastError,
		})
	}

	if q.sessions != nil {
		q.sessions.RecordTask(q.sessionID, out.Status == types.TaskStatusFailed)
	}
	q.refreshGaugesLocked()
	q.mu.Unlock()

	q.publish(emitted)
	return next
}

// failedPostconditionLocked evaluates the task's named postconditions.
// It returns the first failing or unresolved name.
func (q *Queue) failedPostconditionLocked(task *types.Task) (string, bool) {
	for _, name := range task.Postconditions {
		if q.registry == nil {
			return name, true
		}
		cond, ok := q.registry.Condition(name)
		if !ok {
			return name, true
		}
		if !cond(task) {
			return name, true
		}
	}
	return "", false
}
