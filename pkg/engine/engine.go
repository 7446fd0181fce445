package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gantrykit/gantry/pkg/config"
	"github.com/gantrykit/gantry/pkg/conflict"
	"github.com/gantrykit/gantry/pkg/events"
	"github.com/gantrykit/gantry/pkg/executor"
	"github.com/gantrykit/gantry/pkg/graph"
	"github.com/gantrykit/gantry/pkg/history"
	"github.com/gantrykit/gantry/pkg/log"
	"github.com/gantrykit/gantry/pkg/optimizer"
	"github.com/gantrykit/gantry/pkg/priority"
	"github.com/gantrykit/gantry/pkg/probe"
	"github.com/gantrykit/gantry/pkg/queue"
	"github.com/gantrykit/gantry/pkg/resource"
	"github.com/gantrykit/gantry/pkg/sequencer"
	"github.com/gantrykit/gantry/pkg/session"
	"github.com/gantrykit/gantry/pkg/snapshot"
	"github.com/gantrykit/gantry/pkg/storage"
	"github.com/gantrykit/gantry/pkg/txnlog"
	"github.com/gantrykit/gantry/pkg/types"
)

// historyFile is the BoltDB archive inside the data directory.
const historyFile = "history.db"

// Engine is the process-level handle that wires every subsystem
// together. All state is constructed explicitly and owned by the
// handle; nothing engine-scoped lives in package globals.
type Engine struct {
	cfg *config.Config

	store     *storage.FileStore
	archive   *history.History
	broker    *events.Broker
	graph     *graph.Graph
	resources *resource.Manager
	registry  *executor.Registry
	harness   *executor.Harness
	priority  *priority.Engine
	sequencer *sequencer.Sequencer
	sessions  *session.Registry
	txn       *txnlog.Log
	queue     *queue.Queue
	snapshots *snapshot.Manager
	conflicts *conflict.Resolver
	analyzer  *optimizer.Analyzer
	probes    *probe.Monitor

	session *types.Session

	mu      sync.Mutex
	started bool
	closed  bool

	logger zerolog.Logger
}

// New assembles an engine from its configuration. The data directory
// is created if missing and a fresh session is opened immediately, so
// every mutation made through the returned handle carries its id.
// Nothing runs until Start.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := storage.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	archive, err := history.Open(filepath.Join(cfg.DataDir, historyFile))
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	store.SetAlarm(func(mode string, cause error) {
		event := &events.Event{
			Type:    events.EventStoreDegraded,
			Message: fmt.Sprintf("persistence switched to %s mode", mode),
			Data:    map[string]any{"mode": mode},
		}
		if cause != nil {
			event.Data["error"] = cause.Error()
		}
		broker.Publish(event)
	})

	g := graph.New()
	resources := resource.NewManager(cfg.Capacities())
	registry := executor.NewRegistry()
	prio := priority.NewEngine(g, resources, archive)
	seq := sequencer.New(g, resources, archive)
	harness := executor.NewHarness(resources, prio)
	txn := txnlog.New(store)

	sessions := session.NewRegistry(store, broker)
	sessions.SetTimeouts(
		cfg.Session.HeartbeatInterval.Std(),
		cfg.Session.SessionTimeout.Std(),
		cfg.Session.CrashTimeout.Std(),
	)
	sess, err := sessions.Open(cfg.AgentID)
	if err != nil {
		archive.Close()
		return nil, err
	}

	q := queue.New(queue.Deps{
		Graph:     g,
		Sequencer: seq,
		Priority:  prio,
		Resources: resources,
		Registry:  registry,
		Harness:   harness,
		Sessions:  sessions,
		Txn:       txn,
		Broker:    broker,
		Store:     store,
	}, sess.ID, cfg.QueueConfigValue())

	e := &Engine{
		cfg:       cfg,
		store:     store,
		archive:   archive,
		broker:    broker,
		graph:     g,
		resources: resources,
		registry:  registry,
		harness:   harness,
		priority:  prio,
		sequencer: seq,
		sessions:  sessions,
		txn:       txn,
		queue:     q,
		session:   sess,
		logger:    log.WithComponent("engine"),
	}
	e.snapshots = snapshot.NewManager(store, txn, sessions, broker, q, sess.ID, cfg.SnapshotConfigValue())
	e.conflicts = conflict.NewResolver(txn, broker, conflict.ApplierFunc(e.applyChange), cfg.ConflictConfigValue())
	e.analyzer = optimizer.New(q, resources, g, cfg.OptimizerConfigValue())

	e.probes, err = probe.New(cfg.ProbeSpecs())
	if err != nil {
		archive.Close()
		return nil, err
	}
	for _, name := range e.probes.Names() {
		if err := registry.RegisterCondition(name, e.probes.Condition(name)); err != nil {
			archive.Close()
			return nil, err
		}
	}
	return e, nil
}

// Start loads persisted state, recovers crashed sessions and launches
// every background loop. The sequence is fixed: the transaction log and
// session records load first, then the latest snapshot is restored,
// then crash recovery runs, and only then does admission begin.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return types.NewError(types.CodeQueueClosed, "engine is shut down")
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.broker.Start()

	if err := e.txn.Load(); err != nil {
		return types.WrapError(types.CodeRecoveryFailed, err, "failed to load transaction log")
	}
	if ok, failed := e.txn.Verify(); failed > 0 {
		e.logger.Warn().Int("ok", ok).Int("failed", failed).
			Msg("transaction log entries failed checksum verification")
	}
	if err := e.sessions.Load(); err != nil {
		return types.WrapError(types.CodeRecoveryFailed, err, "failed to load session records")
	}

	if meta, err := e.snapshots.Restore(""); err != nil {
		if !types.IsCode(err, types.CodeSnapshotNotFound) {
			e.logger.Error().Err(err).Msg("latest snapshot unusable, starting from empty state")
		}
	} else {
		e.logger.Info().Str("snapshot_id", meta.ID).Int("tasks", meta.TaskCount).
			Msg("state restored from latest snapshot")
	}

	if crashed := e.sessions.Sweep(); len(crashed) > 0 {
		for _, result := range e.snapshots.RecoverCrashed() {
			if result.Recovered {
				e.logger.Info().Str("session_id", result.SessionID).
					Str("snapshot_id", result.SnapshotID).
					Msg("crashed session state recovered")
				continue
			}
			e.logger.Warn().Str("session_id", result.SessionID).
				Str("reason", result.Reason).
				Msg("crashed session not recovered")
		}
	}

	e.txn.Start()
	e.sessions.Start(e.session.ID)
	e.probes.Start()
	e.queue.Start()
	e.snapshots.Start()
	e.conflicts.Start()
	if err := e.analyzer.Start(); err != nil {
		return err
	}

	e.logger.Info().Str("session_id", e.session.ID).
		Str("data_dir", e.cfg.DataDir).
		Msg("engine started")
	return nil
}

// Shutdown stops the engine. With force false running tasks drain
// before return; with force true they are cancelled. Either way the
// final state is snapshotted, the session record is closed gracefully
// and the transaction log is flushed. ctx bounds the queue drain.
func (e *Engine) Shutdown(ctx context.Context, force bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	if !started {
		if err := e.sessions.Terminate(e.session.ID); err != nil {
			e.logger.Warn().Err(err).Msg("failed to write session termination record")
		}
		return e.archive.Close()
	}

	e.analyzer.Stop()
	e.conflicts.Stop()
	e.probes.Stop()

	qErr := e.queue.Stop(ctx, force)

	e.snapshots.Stop()
	if _, err := e.snapshots.Create(types.SnapshotManual); err != nil {
		e.logger.Warn().Err(err).Msg("final snapshot failed")
	}

	if err := e.sessions.Terminate(e.session.ID); err != nil {
		e.logger.Warn().Err(err).Msg("failed to write session termination record")
	}
	e.sessions.Stop()

	if err := e.txn.Stop(); err != nil {
		e.logger.Warn().Err(err).Msg("failed to flush transaction log")
	}
	e.broker.Stop()

	if err := e.archive.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("failed to close history archive")
	}

	e.logger.Info().Bool("force", force).Msg("engine shut down")
	return qErr
}

// applyChange is the resolver's write path: winning changes re-enter
// through the queue so versioning, the transaction log and the state
// machine all see them. Changes whose entity is gone or terminal, and
// payloads that do not describe an entity (status transitions), are
// treated as already converged.
func (e *Engine) applyChange(change *types.DataChange) error {
	switch change.Kind {
	case types.EntityTask:
		return e.applyTaskChange(change)
	case types.EntityDependency:
		return e.applyDependencyChange(change)
	default:
		e.logger.Debug().Str("kind", string(change.Kind)).
			Str("entity_id", change.EntityID).
			Msg("no apply path for entity kind, treating as converged")
		return nil
	}
}

func (e *Engine) applyTaskChange(change *types.DataChange) error {
	won, err := taskPayload(change.Payload)
	if err != nil {
		return err
	}
	if won == nil {
		return nil
	}

	err = e.queue.UpdateTask(change.EntityID, func(task *types.Task) error {
		*task = *won.Clone()
		if change.Metadata != nil {
			params := make(map[string]interface{}, len(change.Metadata))
			for k, v := range change.Metadata {
				params[k] = v
			}
			task.Params = params
		}
		return nil
	})
	if types.IsCode(err, types.CodeTaskNotFound) || types.IsCode(err, types.CodeInvalidTransition) {
		e.logger.Debug().Err(err).Str("task_id", change.EntityID).
			Msg("conflict winner no longer applicable")
		return nil
	}
	return err
}

func (e *Engine) applyDependencyChange(change *types.DataChange) error {
	edge, err := dependencyPayload(change.Payload)
	if err != nil {
		return err
	}
	// A nil payload is a deletion winner; the edge removal already went
	// through the live graph when it was recorded.
	if edge == nil {
		return nil
	}

	err = e.queue.AddDependency(edge)
	switch {
	case err == nil:
		return nil
	case types.IsCode(err, types.CodeDuplicateDependency):
		return nil
	case types.IsCode(err, types.CodeTaskNotFound):
		e.logger.Debug().Err(err).Str("dependency_id", change.EntityID).
			Msg("conflict winner references a task that no longer exists")
		return nil
	default:
		return err
	}
}

// taskPayload coerces a transaction-log payload back into a task. Logs
// reloaded from disk carry maps rather than live pointers; payloads
// that are not task-shaped return nil.
func taskPayload(payload interface{}) (*types.Task, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case *types.Task:
		return p.Clone(), nil
	case types.Task:
		return p.Clone(), nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, types.WrapError(types.CodeInvalidArgument, err,
				"conflict payload is not serializable")
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, nil
		}
		if task.ID == "" && task.Title == "" {
			return nil, nil
		}
		return &task, nil
	}
}

func dependencyPayload(payload interface{}) (*types.TaskDependency, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case *types.TaskDependency:
		cp := *p
		return &cp, nil
	case types.TaskDependency:
		return &p, nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, types.WrapError(types.CodeInvalidArgument, err,
				"conflict payload is not serializable")
		}
		var edge types.TaskDependency
		if err := json.Unmarshal(data, &edge); err != nil {
			return nil, nil
		}
		if edge.DependentID == "" || edge.DependsOnID == "" {
			return nil, nil
		}
		return &edge, nil
	}
}
