package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/gantrykit/gantry/pkg/events"
	"github.com/gantrykit/gantry/pkg/executor"
	"github.com/gantrykit/gantry/pkg/graph"
	"github.com/gantrykit/gantry/pkg/log"
	"github.com/gantrykit/gantry/pkg/metrics"
	"github.com/gantrykit/gantry/pkg/priority"
	"github.com/gantrykit/gantry/pkg/resource"
	"github.com/gantrykit/gantry/pkg/sequencer"
	"github.com/gantrykit/gantry/pkg/session"
	"github.com/gantrykit/gantry/pkg/storage"
	"github.com/gantrykit/gantry/pkg/txnlog"
	"github.com/gantrykit/gantry/pkg/types"
)

const (
	// DefaultMaxConcurrent bounds simultaneous executions.
	DefaultMaxConcurrent = 8

	// DefaultTickInterval paces the admission heartbeat. Retries waiting
	// out a backoff and min-delay edges are picked up on the next tick.
	DefaultTickInterval = time.Second

	defaultMaxRetries = 3

	// maxRecordsPerTask bounds the in-memory execution history carried
	// into snapshots. The full history lives in pkg/history.
	maxRecordsPerTask = 50
)

// Config tunes the queue core. The zero value is usable; every field
// falls back to its default.
type Config struct {
	MaxConcurrent int                     `json:"maxConcurrent" yaml:"max_concurrent"`
	TickInterval  time.Duration           `json:"tickInterval" yaml:"tick_interval"`
	Algorithm     types.SequenceAlgorithm `json:"algorithm" yaml:"algorithm"`
	OwnershipTTL  time.Duration           `json:"ownershipTTL" yaml:"ownership_ttl"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = DefaultMaxConcurrent
	}
	if out.TickInterval <= 0 {
		out.TickInterval = DefaultTickInterval
	}
	if out.Algorithm == "" {
		out.Algorithm = types.AlgorithmHybrid
	}
	if out.OwnershipTTL <= 0 {
		out.OwnershipTTL = session.DefaultOwnershipTTL
	}
	return out
}

// Deps collects the collaborators the queue coordinates. Graph,
// Sequencer, Resources, Registry and Harness are required; the rest may
// be nil, which disables the corresponding concern (persistence, events,
// ownership, priority refresh).
type Deps struct {
	Graph     *graph.Graph
	Sequencer *sequencer.Sequencer
	Priority  *priority.Engine
	Resources *resource.Manager
	Registry  *executor.Registry
	Harness   *executor.Harness
	Sessions  *session.Registry
	Txn       *txnlog.Log
	Broker    *events.Broker
	Store     *storage.FileStore
}

// execution tracks one in-flight task attempt.
type execution struct {
	cancel          context.CancelFunc
	cancelRequested bool
	reason          string
}

// Queue is the coordination core: every task state transition happens
// under its lock, so admission decisions always observe a consistent
// view of tasks, dependencies and resources. Lock order on admission is
// fixed: ownership, then resources, then an execution slot; release is
// strict LIFO on every exit path.
type Queue struct {
	mu sync.Mutex

	graph     *graph.Graph
	sequencer *sequencer.Sequencer
	priority  *priority.Engine
	resources *resource.Manager
	registry  *executor.Registry
	harness   *executor.Harness
	sessions  *session.Registry
	txn       *txnlog.Log
	broker    *events.Broker
	store     *storage.FileStore

	cfg       Config
	sessionID string

	sem       *semaphore.Weighted
	running   map[string]*execution
	notBefore map[string]time.Time
	records   map[string][]*types.ExecutionRecord
	counts    map[types.TaskStatus]int

	totalSubmitted int64
	totalCompleted int64
	totalFailed    int64
	totalRetries   int64
	leakedReleases int64
	waitTotal      time.Duration
	waitCount      int64
	runTotal       time.Duration
	runCount       int64

	wg         sync.WaitGroup
	wake       chan struct{}
	stopCh     chan struct{}
	doneCh     chan struct{}
	started    bool
	closed     bool
	baseCtx    context.Context
	baseCancel context.CancelFunc

	now    func() time.Time
	logger zerolog.Logger
}

// New wires a queue over its collaborators. sessionID is the session
// that owns this queue's mutations.
func New(deps Deps, sessionID string, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		graph:      deps.Graph,
		sequencer:  deps.Sequencer,
		priority:   deps.Priority,
		resources:  deps.Resources,
		registry:   deps.Registry,
		harness:    deps.Harness,
		sessions:   deps.Sessions,
		txn:        deps.Txn,
		broker:     deps.Broker,
		store:      deps.Store,
		cfg:        cfg,
		sessionID:  sessionID,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		running:    make(map[string]*execution),
		notBefore:  make(map[string]time.Time),
		records:    make(map[string][]*types.ExecutionRecord),
		counts:     make(map[types.TaskStatus]int),
		wake:       make(chan struct{}, 1),
		baseCtx:    ctx,
		baseCancel: cancel,
		now:        time.Now,
		logger:     log.WithComponent("queue"),
	}
}

// Start launches the admission loop.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	go q.run(q.stopCh, q.doneCh)
}

// Stop closes the queue. With force false it waits for running tasks to
// drain; with force true it cancels them and waits for the harness to
// reclaim their resources. ctx bounds the wait either way.
func (q *Queue) Stop(ctx context.Context, force bool) error {
	q.mu.Lock()
	q.closed = true
	stopCh, doneCh := q.stopCh, q.doneCh
	q.stopCh, q.doneCh = nil, nil
	if force {
		for _, exec := range q.running {
			if !exec.cancelRequested {
				exec.cancelRequested = true
				exec.reason = "shutdown"
				exec.cancel()
			}
		}
	}
	q.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		still := len(q.running)
		q.mu.Unlock()
		return types.WrapError(types.CodeQueueClosed, ctx.Err(),
			"shutdown timed out with %d tasks still running", still)
	}
}

func (q *Queue) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-q.wake:
			q.admit()
		case <-ticker.C:
			q.admit()
		}
	}
}

// Poke nudges the admission loop without waiting for the next tick.
func (q *Queue) Poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Submit registers a task. Missing fields get defaults; tasks whose
// prerequisites are unmet start out blocked instead of pending. New
// tasks are rejected while the store is in read-only mode.
func (q *Queue) Submit(task *types.Task) error {
	if task == nil {
		return types.NewError(types.CodeInvalidArgument, "task is nil")
	}
	if task.Title == "" {
		return types.NewError(types.CodeInvalidArgument, "task title is required")
	}
	if task.ExecutorKey == "" {
		return types.NewError(types.CodeInvalidArgument, "task executor key is required")
	}
	if q.store != nil && q.store.ReadOnly() {
		return types.NewError(types.CodeReadOnly,
			"store is read-only after repeated write failures; not accepting tasks")
	}

	now := q.now().UTC()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.Priority == 0 {
		task.Priority = types.PriorityMedium
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = defaultMaxRetries
	}
	if task.Category == "" {
		task.Category = types.CategoryFeature
	}
	task.Status = types.TaskStatusPending
	if task.Version == 0 {
		task.Version = 1
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return types.NewError(types.CodeQueueClosed, "queue is shut down")
	}
	if err := q.graph.AddTask(task); err != nil {
		q.mu.Unlock()
		return err
	}
	q.counts[task.Status]++
	q.totalSubmitted++
	metrics.TasksTotal.WithLabelValues(string(task.Status)).Inc()

	if q.priority != nil {
		q.priority.RecomputeAll([]*types.Task{task})
	}
	if len(q.graph.UnmetPrerequisites(task.ID)) > 0 {
		q.setStatusLocked(task, types.TaskStatusBlocked)
	}
	q.logTxnLocked(types.TxnCreate, types.EntityTask, task.ID, nil, task.Clone())

	pending := []*events.Event{{
		Type:    events.EventTaskSubmitted,
		TaskID:  task.ID,
		Message: task.Title,
	}}
	q.refreshGaugesLocked()
	q.mu.Unlock()

	q.publish(pending)
	q.logger.Debug().Str("task_id", task.ID).Str("title", task.Title).
		Str("status", string(task.Status)).Msg("task submitted")
	q.Poke()
	return nil
}

// Cancel marks a task cancelled. Running tasks get a cooperative
// cancellation signal and transition once the harness reports back;
// anything else terminal is left alone, making Cancel idempotent.
func (q *Queue) Cancel(id, reason string) error {
	q.mu.Lock()
	task, ok := q.graph.Task(id)
	if !ok {
		q.mu.Unlock()
		return types.ErrTaskNotFound(id)
	}
	if task.Status.IsTerminal() {
		q.mu.Unlock()
		return nil
	}

	if exec, running := q.running[id]; running {
		if !exec.cancelRequested {
			exec.cancelRequested = true
			exec.reason = reason
			exec.cancel()
			q.logger.Info().Str("task_id", id).Str("reason", reason).
				Msg("cancellation signalled to running task")
		}
		q.mu.Unlock()
		return nil
	}

	if err := q.setStatusLocked(task, types.TaskStatusCancelled); err != nil {
		q.mu.Unlock()
		return err
	}
	task.LastError = reason
	task.ErrorCode = string(types.CodeCancelled)
	task.CompletedAt = q.now().UTC()
	delete(q.notBefore, id)
	metrics.TasksFinished.WithLabelValues(string(types.TaskStatusCancelled)).Inc()

	pending := []*events.Event{{
		Type:    events.EventTaskCancelled,
		TaskID:  id,
		Message: reason,
	}}
	q.refreshGaugesLocked()
	q.mu.Unlock()

	q.publish(pending)
	return nil
}

// AddDependency adds an edge between two known tasks and reclassifies
// the dependent. A rejected cycle is surfaced both as an error and as a
// cycle-detected event.
func (q *Queue) AddDependency(dep *types.TaskDependency) error {
	if dep == nil {
		return types.NewError(types.CodeInvalidArgument, "dependency is nil")
	}
	if dep.ID == "" {
		dep.ID = uuid.New().String()
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = q.now().UTC()
	}

	q.mu.Lock()
	if err := q.graph.AddEdge(dep); err != nil {
		q.mu.Unlock()
		if types.IsCode(err, types.CodeCycleWouldForm) {
			var typed *types.Error
			var path []string
			if errors.As(err, &typed) {
				path = typed.Path
			}
			q.publish([]*events.Event{{
				Type:    events.EventCycleDetected,
				TaskID:  dep.DependentID,
				Message: err.Error(),
				Data:    map[string]any{"path": path},
			}})
		}
		return err
	}

	q.reclassifyLocked(dep.DependentID)
	q.logTxnLocked(types.TxnCreate, types.EntityDependency, dep.ID, nil, dep)
	pending := []*events.Event{{
		Type:   events.EventDependencyAdded,
		TaskID: dep.DependentID,
		Data: map[string]any{
			"dependsOn": dep.DependsOnID,
			"type":      string(dep.Type),
		},
	}}
	q.mu.Unlock()

	q.publish(pending)
	q.Poke()
	return nil
}

// RemoveDependency removes the edge between two tasks and unblocks the
// dependent when that was its last unmet prerequisite.
func (q *Queue) RemoveDependency(dependentID, dependsOnID string) error {
	q.mu.Lock()
	edge, ok := q.graph.EdgeBetween(dependentID, dependsOnID)
	if !ok {
		q.mu.Unlock()
		return types.NewError(types.CodeDependencyNotFound,
			"no dependency from %s on %s", dependentID, dependsOnID)
	}
	if err := q.graph.RemoveEdge(dependentID, dependsOnID); err != nil {
		q.mu.Unlock()
		return err
	}

	q.reclassifyLocked(dependentID)
	q.logTxnLocked(types.TxnDelete, types.EntityDependency, edge.ID, edge, nil)
	pending := []*events.Event{{
		Type:   events.EventDependencyRemoved,
		TaskID: dependentID,
		Data:   map[string]any{"dependsOn": dependsOnID},
	}}
	q.mu.Unlock()

	q.publish(pending)
	q.Poke()
	return nil
}

// UpdateTask applies an external mutation to a live task under the queue
// lock, bumps its version, and records the change in the transaction log.
// The state machine stays authoritative: mutations cannot change Status or
// lifecycle timestamps, and terminal tasks are refused. Conflict resolution
// applies winning changes through this path.
func (q *Queue) UpdateTask(id string, mutate func(*types.Task) error) error {
	q.mu.Lock()
	task, ok := q.graph.Task(id)
	if !ok {
		q.mu.Unlock()
		return types.ErrTaskNotFound(id)
	}
	if task.Status.IsTerminal() {
		q.mu.Unlock()
		return types.NewError(types.CodeInvalidTransition,
			"task %s is %s and can no longer be updated", id, task.Status)
	}

	before := task.Clone()
	next := task.Clone()
	if err := mutate(next); err != nil {
		q.mu.Unlock()
		return err
	}

	// Restore everything the queue owns, whatever the mutation touched.
	next.ID = before.ID
	next.Status = before.Status
	next.CreatedAt = before.CreatedAt
	next.ScheduledAt = before.ScheduledAt
	next.StartedAt = before.StartedAt
	next.CompletedAt = before.CompletedAt
	next.ActualDuration = before.ActualDuration
	next.RetryCount = before.RetryCount
	next.Dependents = before.Dependents
	if next.Version <= before.Version {
		next.Version = before.Version + 1
	}
	*task = *next

	q.logTxnLocked(types.TxnUpdate, types.EntityTask, id, before, task.Clone())
	q.mu.Unlock()

	q.Poke()
	return nil
}

// Status returns a copy of the task.
func (q *Queue) Status(id string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.graph.Task(id)
	if !ok {
		return nil, types.ErrTaskNotFound(id)
	}
	return task.Clone(), nil
}

// Tasks returns copies of every known task, oldest first.
func (q *Queue) Tasks() []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.Task, 0, q.graph.Len())
	for _, task := range q.graph.Tasks() {
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Records returns copies of the retained execution records for a task,
// oldest first.
func (q *Queue) Records(id string) []*types.ExecutionRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	recs := q.records[id]
	out := make([]*types.ExecutionRecord, len(recs))
	for i, rec := range recs {
		cp := *rec
		out[i] = &cp
	}
	return out
}

// Metrics summarizes queue activity for snapshots and the API.
func (q *Queue) Metrics() types.QueueMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.metricsLocked()
}

func (q *Queue) metricsLocked() types.QueueMetrics {
	m := types.QueueMetrics{
		Pending:        q.counts[types.TaskStatusPending],
		Queued:         q.counts[types.TaskStatusQueued],
		Running:        q.counts[types.TaskStatusRunning],
		Blocked:        q.counts[types.TaskStatusBlocked],
		Completed:      q.counts[types.TaskStatusCompleted],
		Failed:         q.counts[types.TaskStatusFailed],
		Cancelled:      q.counts[types.TaskStatusCancelled],
		TotalSubmitted: q.totalSubmitted,
		TotalCompleted: q.totalCompleted,
		TotalFailed:    q.totalFailed,
		TotalRetries:   q.totalRetries,
		LeakedReleases: q.leakedReleases,
	}
	if q.waitCount > 0 {
		m.AvgWait = q.waitTotal / time.Duration(q.waitCount)
	}
	if q.runCount > 0 {
		m.AvgRun = q.runTotal / time.Duration(q.runCount)
	}
	return m
}

// Freeze captures a consistent view of tasks, dependencies, retained
// execution records and metrics for the snapshot manager. The metadata
// block is the caller's to fill.
func (q *Queue) Freeze() *types.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := &types.Snapshot{
		Tasks:            make(map[string]*types.Task, q.graph.Len()),
		Dependencies:     make(map[string]*types.TaskDependency),
		ExecutionRecords: make(map[string][]*types.ExecutionRecord, len(q.records)),
		Metrics:          q.metricsLocked(),
	}
	for _, task := range q.graph.Tasks() {
		snap.Tasks[task.ID] = task.Clone()
	}
	for id, edge := range q.graph.Edges() {
		cp := *edge
		snap.Dependencies[id] = &cp
	}
	for id, recs := range q.records {
		cps := make([]*types.ExecutionRecord, len(recs))
		for i, rec := range recs {
			cp := *rec
			cps[i] = &cp
		}
		snap.ExecutionRecords[id] = cps
	}
	return snap
}

// Restore replaces queue state wholesale from a snapshot. Tasks that
// were mid-flight when the snapshot was taken come back as pending: the
// scheduler offers at-least-once execution, so interrupted work reruns.
// Restore refuses to run while anything is executing.
func (q *Queue) Restore(snap *types.Snapshot) error {
	if snap == nil {
		return types.NewError(types.CodeInvalidArgument, "snapshot is nil")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.running) > 0 {
		return types.NewError(types.CodeRecoveryFailed,
			"cannot restore with %d tasks still running", len(q.running))
	}

	q.graph.Reset()
	q.counts = make(map[types.TaskStatus]int)
	q.notBefore = make(map[string]time.Time)
	q.records = make(map[string][]*types.ExecutionRecord, len(snap.ExecutionRecords))

	for _, src := range snap.Tasks {
		task := src.Clone()
		// Direct assignment, not a transition: this is reconstruction
		// of persisted state, and running/queued never survive a restart.
		switch task.Status {
		case types.TaskStatusRunning, types.TaskStatusQueued:
			task.Status = types.TaskStatusPending
		}
		if err := q.graph.AddTask(task); err != nil {
			return types.WrapError(types.CodeRecoveryFailed, err,
				"failed to restore task %s", task.ID)
		}
		q.counts[task.Status]++
	}
	for _, src := range snap.Dependencies {
		edge := *src
		if err := q.graph.AddEdge(&edge); err != nil {
			q.logger.Warn().Err(err).Str("dependency_id", edge.ID).
				Msg("skipping unrestorable dependency")
		}
	}
	for id, recs := range snap.ExecutionRecords {
		cps := make([]*types.ExecutionRecord, len(recs))
		for i, rec := range recs {
			cp := *rec
			cps[i] = &cp
		}
		q.records[id] = cps
	}

	q.totalSubmitted = snap.Metrics.TotalSubmitted
	q.totalCompleted = snap.Metrics.TotalCompleted
	q.totalFailed = snap.Metrics.TotalFailed
	q.totalRetries = snap.Metrics.TotalRetries
	q.leakedReleases = snap.Metrics.LeakedReleases

	for _, status := range []types.TaskStatus{
		types.TaskStatusPending, types.TaskStatusQueued, types.TaskStatusRunning,
		types.TaskStatusBlocked, types.TaskStatusCompleted, types.TaskStatusFailed,
		types.TaskStatusCancelled,
	} {
		metrics.TasksTotal.WithLabelValues(string(status)).Set(float64(q.counts[status]))
	}
	q.refreshGaugesLocked()
	q.logger.Info().Int("tasks", len(snap.Tasks)).
		Int("dependencies", len(snap.Dependencies)).Msg("queue state restored")
	return nil
}

// setStatusLocked applies a state-machine transition, bumps the task
// version, adjusts counters and writes the transition to the txn log.
func (q *Queue) setStatusLocked(task *types.Task, to types.TaskStatus) error {
	from := task.Status
	if !types.CanTransition(from, to) {
		return types.ErrInvalidTransition(task.ID, from, to)
	}
	task.Status = to
	task.Version++
	q.counts[from]--
	q.counts[to]++
	metrics.TasksTotal.WithLabelValues(string(from)).Dec()
	metrics.TasksTotal.WithLabelValues(string(to)).Inc()
	q.logTxnLocked(types.TxnTransition, types.EntityTask, task.ID, string(from), string(to))
	return nil
}

// reclassifyLocked moves one task between blocked and its waiting state
// after an edge change.
func (q *Queue) reclassifyLocked(id string) {
	task, ok := q.graph.Task(id)
	if !ok {
		return
	}
	unmet := len(q.graph.UnmetPrerequisites(id)) > 0
	switch {
	case unmet && (task.Status == types.TaskStatusPending || task.Status == types.TaskStatusQueued):
		_ = q.setStatusLocked(task, types.TaskStatusBlocked)
	case !unmet && task.Status == types.TaskStatusBlocked:
		_ = q.setStatusLocked(task, types.TaskStatusPending)
	}
}

func (q *Queue) logTxnLocked(op types.TxnOperation, kind types.EntityKind, entityID string, before, after any) {
	if q.txn != nil {
		if _, err := q.txn.Append(q.sessionID, op, kind, entityID, before, after); err != nil {
			q.logger.Warn().Err(err).Str("entity_id", entityID).Msg("failed to append txn log entry")
		}
	}
	if q.sessions != nil {
		q.sessions.RecordOperation(q.sessionID)
	}
}

func (q *Queue) publish(pending []*events.Event) {
	if q.broker == nil {
		return
	}
	for _, event := range pending {
		q.broker.Publish(event)
	}
}

func (q *Queue) refreshGaugesLocked() {
	metrics.QueueDepth.Set(float64(q.counts[types.TaskStatusPending] + q.counts[types.TaskStatusQueued]))
	metrics.RunningTasks.Set(float64(len(q.running)))
}
