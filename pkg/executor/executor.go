package executor

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gantrykit/gantry/pkg/log"
	"github.com/gantrykit/gantry/pkg/types"
)

// Result is what a capability returns on success. NextTasks are
// submitted to the queue as follow-up work under the same session.
type Result struct {
	Output    map[string]interface{}
	NextTasks []*types.Task
}

// Capability executes one kind of task. Implementations must honor ctx
// cancellation: once ctx fires the harness waits one grace window and
// then force-releases the task's resources.
type Capability interface {
	Execute(ctx context.Context, task *types.Task) (*Result, error)
}

// Validator is an optional pre-flight check discovered by type
// assertion. A validation error fails the task without retry.
type Validator interface {
	Validate(task *types.Task) error
}

// Rollbacker is an optional compensation hook, invoked best-effort
// when a task fails terminally.
type Rollbacker interface {
	Rollback(ctx context.Context, task *types.Task) error
}

// Func adapts a plain function to the Capability interface.
type Func func(ctx context.Context, task *types.Task) (*Result, error)

// Execute implements Capability.
func (f Func) Execute(ctx context.Context, task *types.Task) (*Result, error) {
	return f(ctx, task)
}

// Condition is a named predicate referenced by task pre- and
// postconditions. Conditions run under the queue's coordination lock
// and must be cheap and side-effect free.
type Condition func(task *types.Task) bool

// ProgressFunc receives progress reports from a running capability.
type ProgressFunc func(percent float64, message string)

type progressKey struct{}

// WithProgress attaches a progress sink to the execution context. The
// queue installs one that republishes reports as task-progress events.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress lets a capability report how far along it is. Without
// a sink on the context the report is dropped.
func ReportProgress(ctx context.Context, percent float64, message string) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(percent, message)
	}
}

// Registry resolves persisted executor keys to live capabilities.
// Tasks store only the key; the code behind it is registered again
// after every restart, which is what lets tasks survive process
// boundaries.
type Registry struct {
	mu         sync.RWMutex
	caps       map[string]Capability
	conditions map[string]Condition
	logger     zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		caps:       make(map[string]Capability),
		conditions: make(map[string]Condition),
		logger:     log.WithComponent("executor"),
	}
}

// Register binds a capability to an executor key. Registering an
// existing key replaces the previous capability.
func (r *Registry) Register(key string, capability Capability) error {
	if key == "" {
		return types.NewError(types.CodeInvalidArgument, "executor key must not be empty")
	}
	if capability == nil {
		return types.NewError(types.CodeInvalidArgument, "capability for %q must not be nil", key)
	}

	r.mu.Lock()
	_, replaced := r.caps[key]
	r.caps[key] = capability
	r.mu.Unlock()

	if replaced {
		r.logger.Debug().Str("executor_key", key).Msg("capability replaced")
	}
	return nil
}

// Resolve returns the capability registered under the key.
func (r *Registry) Resolve(key string) (Capability, error) {
	r.mu.RLock()
	capability, ok := r.caps[key]
	r.mu.RUnlock()

	if !ok {
		return nil, types.NewError(types.CodeUnknownExecutor,
			"no capability registered for executor key %q", key)
	}
	return capability, nil
}

// Keys lists the registered executor keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.caps))
	for key := range r.caps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// RegisterCondition binds a named predicate for task pre- and
// postconditions.
func (r *Registry) RegisterCondition(name string, condition Condition) error {
	if name == "" {
		return types.NewError(types.CodeInvalidArgument, "condition name must not be empty")
	}
	if condition == nil {
		return types.NewError(types.CodeInvalidArgument, "condition %q must not be nil", name)
	}

	r.mu.Lock()
	r.conditions[name] = condition
	r.mu.Unlock()
	return nil
}

// Condition looks up a named predicate.
func (r *Registry) Condition(name string) (Condition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	condition, ok := r.conditions[name]
	return condition, ok
}

type fatalError struct {
	err error
}

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// Fatal marks err non-retriable: the harness fails the task
// immediately instead of consuming retry budget.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err carries the Fatal marker anywhere in its
// chain.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}
