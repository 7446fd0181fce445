package priority

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/gantrykit/gantry/pkg/graph"
	"github.com/gantrykit/gantry/pkg/history"
	"github.com/gantrykit/gantry/pkg/log"
	"github.com/gantrykit/gantry/pkg/metrics"
	"github.com/gantrykit/gantry/pkg/resource"
	"github.com/gantrykit/gantry/pkg/types"
)

const (
	// historyWindow bounds how many recent outcomes per category feed
	// the executionHistory factor.
	historyWindow = 20

	// ageCap bounds the age factor so ancient tasks cannot dominate
	// deadline-driven ones on waiting time alone.
	ageCap = 2.0

	// deadlineHorizon is the window over which deadline pressure ramps
	// from neutral to urgent.
	deadlineHorizon = 7 * 24 * time.Hour

	// criticalPathBoost multiplies tasks sitting on the critical path.
	criticalPathBoost = 2.0

	// PriorityFloor and PriorityCeiling bound every computed dynamic
	// priority regardless of how the factors multiply out.
	PriorityFloor   = 1.0
	PriorityCeiling = 2000.0

	// ParamImportance is the task parameter key carrying the
	// client-supplied importance multiplier. Absent means 1.
	ParamImportance = "importance"

	rateCacheSize  = 64
	defaultRateTTL = 30 * time.Second
)

// Model predicts a priority adjustment from a task's factors and learns
// from observed outcomes. A nil or failing model leaves the
// weighted-factor baseline untouched.
type Model interface {
	// Predict returns a multiplier folded into the factor product.
	Predict(task *types.Task, factors types.PriorityFactors) (float64, error)

	// Observe feeds a finished execution back into the model.
	Observe(task *types.Task, rec *types.ExecutionRecord)
}

// Contribution records one step of the priority computation for audit:
// the factor name, the multiplier applied, and the running product
// after applying it.
type Contribution struct {
	Factor  string  `json:"factor"`
	Value   float64 `json:"value"`
	Running float64 `json:"running"`
}

// rateEntry is a cached per-category success rate with its read time.
type rateEntry struct {
	rate     float64
	ok       bool
	storedAt time.Time
}

// Engine computes dynamic task priorities from the multiplicative
// factor model. The engine holds no task state of its own; callers
// synchronize access to the graph and the tasks they pass in. The
// success-rate cache is internally locked, so RecordOutcome may race
// freely with recomputation.
type Engine struct {
	graph   *graph.Graph
	pools   *resource.Manager
	archive *history.History
	model   Model

	rates   *lru.Cache[string, rateEntry]
	rateTTL time.Duration

	now    func() time.Time
	logger zerolog.Logger
}

// NewEngine builds a priority engine over the given graph, resource
// pools, and execution archive. Any of the three may be nil; the
// corresponding factor then stays neutral at 1.
func NewEngine(g *graph.Graph, pools *resource.Manager, archive *history.History) *Engine {
	// lru.New only errors on a non-positive size, guarded by the const.
	rates, _ := lru.New[string, rateEntry](rateCacheSize)
	return &Engine{
		graph:   g,
		pools:   pools,
		archive: archive,
		rates:   rates,
		rateTTL: defaultRateTTL,
		now:     time.Now,
		logger:  log.WithComponent("priority"),
	}
}

// SetModel installs the adaptive learning hook. Passing nil removes it.
func (e *Engine) SetModel(m Model) {
	e.model = m
}

// Recompute calculates the task's dynamic priority and returns it with
// the factor breakdown and an ordered audit trail. The task itself is
// not modified.
func (e *Engine) Recompute(task *types.Task) (float64, types.PriorityFactors, []Contribution) {
	metrics.PriorityRecomputes.Inc()
	return e.recompute(task, e.now(), e.criticalSet())
}

// RecomputeAll refreshes DynamicPriority and Factors on every waiting
// task in place, sharing one critical-path computation across the
// batch. Running and terminal tasks are left alone: their priority no
// longer matters and the executor may be reading them concurrently. It
// reports how many priorities changed value.
func (e *Engine) RecomputeAll(tasks []*types.Task) int {
	now := e.now()
	critical := e.criticalSet()
	changed := 0
	for _, task := range tasks {
		if task == nil || task.Status.IsTerminal() || task.Status == types.TaskStatusRunning {
			continue
		}
		p, f, _ := e.recompute(task, now, critical)
		if task.DynamicPriority != p {
			changed++
		}
		fc := f
		task.DynamicPriority = p
		task.Factors = &fc
		metrics.PriorityRecomputes.Inc()
	}
	return changed
}

// RecordOutcome feeds a finished execution into the model and the
// archive and invalidates the cached success rate for the task's
// category so the next recompute sees the new outcome.
func (e *Engine) RecordOutcome(task *types.Task, rec *types.ExecutionRecord) error {
	if task == nil || rec == nil {
		return nil
	}
	if e.model != nil {
		e.model.Observe(task, rec)
	}
	defer e.InvalidateCategory(task.Category)
	if e.archive == nil {
		return nil
	}
	if err := e.archive.RecordExecution(task, rec); err != nil {
		return fmt.Errorf("failed to archive execution record: %w", err)
	}
	return nil
}

// InvalidateCategory drops the cached success rate for a category.
func (e *Engine) InvalidateCategory(category types.TaskCategory) {
	e.rates.Remove(string(category))
}

func (e *Engine) recompute(task *types.Task, now time.Time, critical map[string]bool) (float64, types.PriorityFactors, []Contribution) {
	base := float64(task.Priority)
	if base <= 0 {
		base = float64(types.PriorityMedium)
	}

	factors := types.PriorityFactors{
		Age:                    ageFactor(task, now),
		UserImportance:         importanceFrom(task.Params),
		SystemCriticality:      deadlineFactor(task, now),
		DependencyWeight:       e.dependencyFactor(task),
		ResourceAvailability:   e.availabilityFactor(task),
		ExecutionHistory:       e.historyFactor(task),
		CriticalPathMultiplier: 1.0,
	}
	if critical[task.ID] {
		factors.CriticalPathMultiplier = criticalPathBoost
	}

	value := base
	audit := make([]Contribution, 0, 10)
	audit = append(audit, Contribution{Factor: "base", Value: base, Running: value})
	apply := func(name string, f float64) {
		value *= f
		audit = append(audit, Contribution{Factor: name, Value: f, Running: value})
	}
	apply("age", factors.Age)
	apply("userImportance", factors.UserImportance)
	apply("systemCriticality", factors.SystemCriticality)
	apply("dependencyWeight", factors.DependencyWeight)
	apply("resourceAvailability", factors.ResourceAvailability)
	apply("executionHistory", factors.ExecutionHistory)
	if factors.CriticalPathMultiplier != 1.0 {
		apply("criticalPath", factors.CriticalPathMultiplier)
	}

	if e.model != nil {
		if m, err := e.model.Predict(task, factors); err != nil {
			e.logger.Debug().Err(err).Str("task_id", task.ID).
				Msg("model prediction failed, using baseline")
		} else if m > 0 && !math.IsNaN(m) && !math.IsInf(m, 0) {
			apply("model", m)
		}
	}

	if clamped := clamp(PriorityFloor, PriorityCeiling, value); clamped != value {
		value = clamped
		audit = append(audit, Contribution{Factor: "clamp", Value: clamped, Running: value})
	}
	return value, factors, audit
}

// ageFactor grows linearly with waiting time, one full step per day,
// capped so age alone never more than doubles a priority.
func ageFactor(task *types.Task, now time.Time) float64 {
	if task.CreatedAt.IsZero() {
		return 1.0
	}
	hours := now.Sub(task.CreatedAt).Hours()
	if hours <= 0 {
		return 1.0
	}
	f := 1.0 + hours/24.0
	if f > ageCap {
		return ageCap
	}
	return f
}

// deadlineFactor ramps from 0.5 (deadline at least a horizon away) to
// 1.0 (due now) and keeps growing for overdue tasks.
func deadlineFactor(task *types.Task, now time.Time) float64 {
	if task.Deadline == nil {
		return 1.0
	}
	remaining := task.Deadline.Sub(now)
	f := 1.0 - float64(remaining)/float64(deadlineHorizon)
	if f < 0.5 {
		return 0.5
	}
	return f
}

// dependencyFactor counts tasks still waiting on this one: each
// pending or blocked dependent adds a tenth.
func (e *Engine) dependencyFactor(task *types.Task) float64 {
	if e.graph == nil {
		return 1.0
	}
	waiting := 0
	for _, id := range e.graph.Dependents(task.ID) {
		dep, ok := e.graph.Task(id)
		if !ok {
			continue
		}
		switch dep.Status {
		case types.TaskStatusPending, types.TaskStatusBlocked:
			waiting++
		}
	}
	return 1.0 + 0.1*float64(waiting)
}

func (e *Engine) availabilityFactor(task *types.Task) float64 {
	if e.pools == nil || len(task.RequiredResources) == 0 {
		return 1.0
	}
	return e.pools.Availability(task.RequiredResources)
}

// historyFactor maps the recent per-category success rate onto
// [0.5, 1.0]. Categories with no recorded outcomes stay neutral.
func (e *Engine) historyFactor(task *types.Task) float64 {
	rate, ok := e.successRate(task.Category)
	if !ok {
		return 1.0
	}
	return 0.5 + 0.5*rate
}

// successRate reads the per-category rate through the LRU cache.
// Entries expire after rateTTL and are dropped eagerly on outcome
// writes via InvalidateCategory.
func (e *Engine) successRate(category types.TaskCategory) (float64, bool) {
	if e.archive == nil {
		return 0, false
	}
	key := string(category)
	if entry, hit := e.rates.Get(key); hit {
		if e.now().Sub(entry.storedAt) < e.rateTTL {
			return entry.rate, entry.ok
		}
		e.rates.Remove(key)
	}
	rate, ok := e.archive.SuccessRate(category, historyWindow)
	e.rates.Add(key, rateEntry{rate: rate, ok: ok, storedAt: e.now()})
	return rate, ok
}

// criticalSet resolves critical-path membership once per recompute
// pass. A cyclic or empty graph yields no boosts.
func (e *Engine) criticalSet() map[string]bool {
	if e.graph == nil {
		return nil
	}
	path, _, err := e.graph.CriticalPath()
	if err != nil {
		return nil
	}
	set := make(map[string]bool, len(path))
	for _, id := range path {
		set[id] = true
	}
	return set
}

// importanceFrom extracts the client-supplied importance multiplier
// from opaque task parameters. Missing or non-positive values default
// to neutral.
func importanceFrom(params map[string]interface{}) float64 {
	raw, ok := params[ParamImportance]
	if !ok {
		return 1.0
	}
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 1.0
		}
		v = f
	default:
		return 1.0
	}
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 1.0
	}
	return v
}

func clamp(lo, hi, v float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
