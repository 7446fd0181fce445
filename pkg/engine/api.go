package engine

import (
	"fmt"
	"time"

	"github.com/gantrykit/gantry/pkg/events"
	"github.com/gantrykit/gantry/pkg/executor"
	"github.com/gantrykit/gantry/pkg/optimizer"
	"github.com/gantrykit/gantry/pkg/probe"
	"github.com/gantrykit/gantry/pkg/resource"
	"github.com/gantrykit/gantry/pkg/types"
)

// SubmitOptions carries everything optional about a submission.
// Executor is the only required field: it names the registered
// capability that will run the task. DependsOn lists ids of existing
// tasks the new task blocks on.
type SubmitOptions struct {
	Description       string
	Category          types.TaskCategory
	Priority          types.PriorityBucket
	DependsOn         []string
	Resources         []types.ResourceRequirement
	EstimatedDuration time.Duration
	Deadline          *time.Time
	Timeout           time.Duration
	TimeoutFatal      bool
	MaxRetries        int
	Executor          string
	Params            map[string]interface{}
	Preconditions     []string
	Postconditions    []string
	BatchGroup        string
	BatchCompatible   bool
}

// Submit registers a new task and returns its id. Dependencies named
// in the options are added as blocks edges after the task exists; if
// one is rejected the task is cancelled and the edge error returned.
func (e *Engine) Submit(title string, opts SubmitOptions) (string, error) {
	task := &types.Task{
		Title:             title,
		Description:       opts.Description,
		Category:          opts.Category,
		Priority:          opts.Priority,
		EstimatedDuration: opts.EstimatedDuration,
		Deadline:          opts.Deadline,
		Timeout:           opts.Timeout,
		TimeoutFatal:      opts.TimeoutFatal,
		MaxRetries:        opts.MaxRetries,
		RequiredResources: opts.Resources,
		Preconditions:     opts.Preconditions,
		Postconditions:    opts.Postconditions,
		BatchCompatible:   opts.BatchCompatible,
		BatchGroup:        opts.BatchGroup,
		ExecutorKey:       opts.Executor,
		Params:            opts.Params,
	}
	if err := e.queue.Submit(task); err != nil {
		return "", err
	}
	for _, dependsOn := range opts.DependsOn {
		dep := &types.TaskDependency{
			DependentID: task.ID,
			DependsOnID: dependsOn,
			Type:        types.DependencyBlocks,
		}
		if err := e.queue.AddDependency(dep); err != nil {
			cancelErr := e.queue.Cancel(task.ID,
				fmt.Sprintf("dependency on %s rejected: %v", dependsOn, err))
			if cancelErr != nil {
				e.logger.Warn().Err(cancelErr).Str("task_id", task.ID).
					Msg("failed to cancel task after dependency rejection")
			}
			return "", err
		}
	}
	return task.ID, nil
}

// Cancel requests cancellation of a task. Terminal tasks ignore it.
func (e *Engine) Cancel(id, reason string) error {
	return e.queue.Cancel(id, reason)
}

// Status returns a copy of the task.
func (e *Engine) Status(id string) (*types.Task, error) {
	return e.queue.Status(id)
}

// Tasks returns copies of every known task, oldest first.
func (e *Engine) Tasks() []*types.Task {
	return e.queue.Tasks()
}

// Records returns the retained execution records for a task, oldest
// first. The full archive is available through History.
func (e *Engine) Records(id string) []*types.ExecutionRecord {
	return e.queue.Records(id)
}

// History returns up to n archived execution records for a task, most
// recent first.
func (e *Engine) History(id string, n int) ([]*types.ExecutionRecord, error) {
	return e.archive.RecentRecords(id, n)
}

// AddDependency creates an edge between two existing tasks and returns
// its id. An empty type defaults to blocks. A rejected cycle names the
// exact path in the returned error.
func (e *Engine) AddDependency(dependentID, dependsOnID string, depType types.DependencyType, optional bool) (string, error) {
	if depType == "" {
		depType = types.DependencyBlocks
	}
	dep := &types.TaskDependency{
		DependentID: dependentID,
		DependsOnID: dependsOnID,
		Type:        depType,
		Optional:    optional,
	}
	if err := e.queue.AddDependency(dep); err != nil {
		return "", err
	}
	return dep.ID, nil
}

// RemoveDependency deletes the edge between two tasks.
func (e *Engine) RemoveDependency(dependentID, dependsOnID string) error {
	return e.queue.RemoveDependency(dependentID, dependsOnID)
}

// Sequence plans an execution order over the current pending work. An
// empty algorithm uses the configured default.
func (e *Engine) Sequence(algorithm types.SequenceAlgorithm) (*types.ExecutionSequence, error) {
	if algorithm == "" {
		algorithm = e.cfg.Queue.Algorithm
	}
	return e.sequencer.Sequence(algorithm)
}

// CreateSnapshot captures the current state as a manual snapshot.
func (e *Engine) CreateSnapshot() (*types.SnapshotMetadata, error) {
	return e.snapshots.Create(types.SnapshotManual)
}

// RestoreSnapshot replaces live state from a snapshot; an empty id
// means the latest. Restores are refused while tasks are running.
func (e *Engine) RestoreSnapshot(id string) (*types.SnapshotMetadata, error) {
	return e.snapshots.Restore(id)
}

// Snapshots lists stored snapshot metadata, newest first.
func (e *Engine) Snapshots() ([]types.SnapshotMetadata, error) {
	return e.snapshots.List()
}

// VerifySnapshot recomputes a snapshot's integrity hash.
func (e *Engine) VerifySnapshot(id string) error {
	return e.snapshots.Verify(id)
}

// BackupSnapshot copies a snapshot into the backup area.
func (e *Engine) BackupSnapshot(id string) error {
	return e.snapshots.Backup(id)
}

// Subscribe opens a lifecycle event stream. No types means all types.
// The caller owns the subscription and must Close it.
func (e *Engine) Subscribe(eventTypes ...events.EventType) *events.Subscription {
	return e.broker.Subscribe(eventTypes...)
}

// Broker exposes the event broker for components layered on top of the
// engine, such as the HTTP API.
func (e *Engine) Broker() *events.Broker {
	return e.broker
}

// Recommendations returns the advisory findings from the most recent
// analyzer run.
func (e *Engine) Recommendations() []types.Recommendation {
	return e.analyzer.Recommendations()
}

// Analyze runs the optimizer immediately and returns its findings.
func (e *Engine) Analyze() []types.Recommendation {
	return e.analyzer.Analyze()
}

// SetBreakdown installs the hook that proposes subtasks for oversized
// work items.
func (e *Engine) SetBreakdown(fn optimizer.BreakdownFunc) {
	e.analyzer.SetBreakdown(fn)
}

// Sessions lists every known session record.
func (e *Engine) Sessions() []*types.Session {
	return e.sessions.List()
}

// SessionID identifies the session this engine mutates under.
func (e *Engine) SessionID() string {
	return e.session.ID
}

// Conflicts returns resolved and pending conflicts, newest first.
func (e *Engine) Conflicts() []*types.SyncConflict {
	return e.conflicts.Conflicts()
}

// PendingConflicts returns conflicts awaiting manual resolution,
// oldest first.
func (e *Engine) PendingConflicts() []*types.SyncConflict {
	return e.conflicts.Pending()
}

// ResolveConflict resolves a pending conflict by naming the winning
// change.
func (e *Engine) ResolveConflict(conflictID, winnerID string) (*types.SyncConflict, error) {
	return e.conflicts.ResolveManual(conflictID, winnerID)
}

// RegisterCapability binds executable code to an executor key. Keys
// are persisted with tasks; capabilities are registered again after
// every restart.
func (e *Engine) RegisterCapability(key string, capability executor.Capability) error {
	return e.registry.Register(key, capability)
}

// RegisterCondition binds a named predicate for task pre- and
// postconditions.
func (e *Engine) RegisterCondition(name string, condition executor.Condition) error {
	return e.registry.RegisterCondition(name, condition)
}

// Capabilities lists the registered executor keys.
func (e *Engine) Capabilities() []string {
	return e.registry.Keys()
}

// Probes reports the cached verdict of every configured probe.
func (e *Engine) Probes() map[string]probe.Status {
	return e.probes.Statuses()
}

// Metrics summarizes queue activity.
func (e *Engine) Metrics() types.QueueMetrics {
	return e.queue.Metrics()
}

// Usage reports per-pool resource consumption.
func (e *Engine) Usage() map[types.ResourceType]resource.PoolUsage {
	return e.resources.Usage()
}
