package optimizer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/gantrykit/gantry/pkg/graph"
	"github.com/gantrykit/gantry/pkg/log"
	"github.com/gantrykit/gantry/pkg/resource"
	"github.com/gantrykit/gantry/pkg/types"
)

const (
	// DefaultSchedule runs the analysis every ten minutes.
	DefaultSchedule = "*/10 * * * *"

	// DefaultPendingAgeLimit is the p95 pending age beyond which the
	// queue is considered starving.
	DefaultPendingAgeLimit = 10 * time.Minute

	// DefaultBreakdownThreshold is the estimated duration beyond which
	// a task is offered to the breakdown hook.
	DefaultBreakdownThreshold = 30 * time.Minute

	pressureWarning  = 0.85
	pressureCritical = 0.95

	retryHotSpotMin   = 5
	failureRateMin    = 5
	failureRateHigh   = 0.2
	failureRateSevere = 0.5
	serialRatioMin    = 0.8
)

// Severity levels carried on recommendations.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// cronParser is the standard 5-field parser used for the schedule.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Source is the analyzer's read-only view of queue state. The engine
// adapts the queue to it.
type Source interface {
	Tasks() []*types.Task
	Metrics() types.QueueMetrics
}

// BreakdownFunc proposes subtasks for an oversized task. Advisory: the
// analyzer reports the proposal, it never submits the subtasks itself.
type BreakdownFunc func(task *types.Task) []*types.Task

// Config tunes the analysis schedule and thresholds. The zero value is
// usable.
type Config struct {
	Schedule           string        `json:"schedule" yaml:"schedule"`
	MaxConcurrent      int           `json:"maxConcurrent" yaml:"max_concurrent"`
	PendingAgeLimit    time.Duration `json:"pendingAgeLimit" yaml:"pending_age_limit"`
	BreakdownThreshold time.Duration `json:"breakdownThreshold" yaml:"breakdown_threshold"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Schedule == "" {
		out.Schedule = DefaultSchedule
	}
	if out.PendingAgeLimit <= 0 {
		out.PendingAgeLimit = DefaultPendingAgeLimit
	}
	if out.BreakdownThreshold <= 0 {
		out.BreakdownThreshold = DefaultBreakdownThreshold
	}
	return out
}

// Analyzer inspects queue, graph and pool state on a cron schedule and
// produces advisory recommendations. It never mutates engine state.
type Analyzer struct {
	source    Source
	resources *resource.Manager
	graph     *graph.Graph
	cfg       Config

	cronMu sync.Mutex
	cron   *cron.Cron

	mu        sync.Mutex
	recs      []types.Recommendation
	lastRun   time.Time
	breakdown BreakdownFunc

	now    func() time.Time
	logger zerolog.Logger
}

// New wires an analyzer. resources and graph may be nil; the
// corresponding analyses are then skipped.
func New(source Source, resources *resource.Manager, g *graph.Graph, cfg Config) *Analyzer {
	return &Analyzer{
		source:    source,
		resources: resources,
		graph:     g,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		logger:    log.WithComponent("optimizer"),
	}
}

// Start schedules periodic analysis. Overlapping runs are skipped, not
// queued.
func (a *Analyzer) Start() error {
	a.cronMu.Lock()
	defer a.cronMu.Unlock()
	if a.cron != nil {
		return nil
	}

	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(a.cfg.Schedule, func() { a.Analyze() }); err != nil {
		return fmt.Errorf("invalid optimizer schedule %q: %w", a.cfg.Schedule, err)
	}
	c.Start()
	a.cron = c
	a.logger.Info().Str("schedule", a.cfg.Schedule).Msg("Optimizer scheduled")
	return nil
}

// Stop halts the schedule and waits for an in-flight run to finish.
// Safe to call without Start.
func (a *Analyzer) Stop() {
	a.cronMu.Lock()
	defer a.cronMu.Unlock()
	if a.cron == nil {
		return
	}
	ctx := a.cron.Stop()
	<-ctx.Done()
	a.cron = nil
}

// SetBreakdown installs the subtask-proposal hook. The default hook
// proposes nothing.
func (a *Analyzer) SetBreakdown(fn BreakdownFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.breakdown = fn
}

// Breakdown runs the installed hook against one task. Nil means no
// proposal.
func (a *Analyzer) Breakdown(task *types.Task) []*types.Task {
	a.mu.Lock()
	fn := a.breakdown
	a.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(task)
}

// Recommendations returns the output of the most recent analysis.
func (a *Analyzer) Recommendations() []types.Recommendation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.Recommendation(nil), a.recs...)
}

// LastRun returns when the analyzer last ran, zero before the first run.
func (a *Analyzer) LastRun() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRun
}

// Analyze runs every analysis pass immediately and replaces the stored
// recommendations with the result.
func (a *Analyzer) Analyze() []types.Recommendation {
	now := a.now().UTC()
	tasks := a.source.Tasks()
	qm := a.source.Metrics()

	var recs []types.Recommendation
	recs = append(recs, a.poolPressure()...)
	recs = append(recs, a.starvation(tasks, now)...)
	recs = append(recs, a.retryHotSpots(tasks)...)
	recs = append(recs, a.concurrencyHeadroom(qm)...)
	recs = append(recs, a.serialization(tasks)...)
	recs = append(recs, a.failureRate(qm)...)
	recs = append(recs, a.oversized(tasks)...)

	// Map-driven analyses emit in random order; keep output stable.
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Kind != recs[j].Kind {
			return recs[i].Kind < recs[j].Kind
		}
		return recs[i].Message < recs[j].Message
	})
	for i := range recs {
		recs[i].ID = uuid.New().String()
		recs[i].CreatedAt = now
	}

	a.mu.Lock()
	a.recs = recs
	a.lastRun = now
	a.mu.Unlock()

	a.logger.Info().Int("recommendations", len(recs)).Msg("Analysis complete")
	return append([]types.Recommendation(nil), recs...)
}

// poolPressure flags pools running close to capacity.
func (a *Analyzer) poolPressure() []types.Recommendation {
	if a.resources == nil {
		return nil
	}
	var recs []types.Recommendation
	for rt, usage := range a.resources.Usage() {
		if usage.Capacity <= 0 {
			continue
		}
		util := usage.Allocated / usage.Capacity
		severity := ""
		switch {
		case util >= pressureCritical:
			severity = SeverityCritical
		case util >= pressureWarning:
			severity = SeverityWarning
		default:
			continue
		}
		recs = append(recs, types.Recommendation{
			Kind:     "resource-pressure",
			Severity: severity,
			Message: fmt.Sprintf("resource pool %q is at %.0f%% of capacity",
				rt, util*100),
			Details: map[string]string{
				"pool":        string(rt),
				"utilization": fmt.Sprintf("%.2f", util),
				"capacity":    fmt.Sprintf("%.2f", usage.Capacity),
			},
		})
	}
	return recs
}

// starvation flags a queue whose p95 pending age exceeds the limit.
func (a *Analyzer) starvation(tasks []*types.Task, now time.Time) []types.Recommendation {
	var ages []time.Duration
	oldest := ""
	var oldestAge time.Duration
	for _, task := range tasks {
		if task.Status != types.TaskStatusPending && task.Status != types.TaskStatusBlocked {
			continue
		}
		age := now.Sub(task.CreatedAt)
		ages = append(ages, age)
		if age > oldestAge {
			oldest, oldestAge = task.ID, age
		}
	}
	if len(ages) == 0 {
		return nil
	}

	sort.Slice(ages, func(i, j int) bool { return ages[i] < ages[j] })
	p95 := ages[(len(ages)*95+99)/100-1]
	if p95 < a.cfg.PendingAgeLimit {
		return nil
	}
	return []types.Recommendation{{
		Kind:     "starvation",
		Severity: SeverityWarning,
		Message: fmt.Sprintf("%d tasks pending with p95 age %s; oldest is %s",
			len(ages), p95.Round(time.Second), oldest),
		Details: map[string]string{
			"pendingCount": fmt.Sprintf("%d", len(ages)),
			"p95Age":       p95.Round(time.Second).String(),
			"oldestTask":   oldest,
		},
	}}
}

// retryHotSpots flags categories accumulating retries.
func (a *Analyzer) retryHotSpots(tasks []*types.Task) []types.Recommendation {
	totals := make(map[types.TaskCategory]int)
	for _, task := range tasks {
		totals[task.Category] += task.RetryCount
	}

	var recs []types.Recommendation
	for category, retries := range totals {
		if retries < retryHotSpotMin {
			continue
		}
		recs = append(recs, types.Recommendation{
			Kind:     "retry-hotspot",
			Severity: SeverityWarning,
			Message: fmt.Sprintf("category %q has accumulated %d retries",
				category, retries),
			Details: map[string]string{
				"category": string(category),
				"retries":  fmt.Sprintf("%d", retries),
			},
		})
	}
	return recs
}

// concurrencyHeadroom flags a saturated execution ceiling with a deep
// backlog behind it.
func (a *Analyzer) concurrencyHeadroom(qm types.QueueMetrics) []types.Recommendation {
	if a.cfg.MaxConcurrent <= 0 {
		return nil
	}
	backlog := qm.Pending + qm.Queued
	if qm.Running < a.cfg.MaxConcurrent || backlog <= a.cfg.MaxConcurrent {
		return nil
	}
	return []types.Recommendation{{
		Kind:     "concurrency",
		Severity: SeverityInfo,
		Message: fmt.Sprintf("all %d execution slots busy with %d tasks backlogged; consider raising maxConcurrentTasks",
			a.cfg.MaxConcurrent, backlog),
		Details: map[string]string{
			"maxConcurrent": fmt.Sprintf("%d", a.cfg.MaxConcurrent),
			"running":       fmt.Sprintf("%d", qm.Running),
			"backlog":       fmt.Sprintf("%d", backlog),
		},
	}}
}

// serialization flags dependency chains that defeat parallelism: the
// critical path dominates the total estimated work.
func (a *Analyzer) serialization(tasks []*types.Task) []types.Recommendation {
	if a.graph == nil || len(tasks) < 4 {
		return nil
	}

	var total time.Duration
	for _, task := range tasks {
		total += task.EstimatedDuration
	}
	if total <= 0 {
		return nil
	}

	path, critical, err := a.graph.CriticalPath()
	if err != nil || len(path) < 2 {
		return nil
	}
	ratio := float64(critical) / float64(total)
	if ratio < serialRatioMin {
		return nil
	}
	return []types.Recommendation{{
		Kind:     "serialization",
		Severity: SeverityInfo,
		Message: fmt.Sprintf("critical path of %d tasks covers %.0f%% of all estimated work; dependencies limit parallelism",
			len(path), ratio*100),
		Details: map[string]string{
			"pathLength":   fmt.Sprintf("%d", len(path)),
			"criticalPath": critical.Round(time.Second).String(),
			"totalWork":    total.Round(time.Second).String(),
		},
	}}
}

// failureRate flags an elevated terminal-failure ratio.
func (a *Analyzer) failureRate(qm types.QueueMetrics) []types.Recommendation {
	finished := qm.TotalCompleted + qm.TotalFailed
	if finished < failureRateMin {
		return nil
	}
	rate := float64(qm.TotalFailed) / float64(finished)
	if rate < failureRateHigh {
		return nil
	}
	severity := SeverityWarning
	if rate >= failureRateSevere {
		severity = SeverityCritical
	}
	return []types.Recommendation{{
		Kind:     "failure-rate",
		Severity: severity,
		Message: fmt.Sprintf("%.0f%% of finished tasks failed (%d of %d)",
			rate*100, qm.TotalFailed, finished),
		Details: map[string]string{
			"failed":   fmt.Sprintf("%d", qm.TotalFailed),
			"finished": fmt.Sprintf("%d", finished),
		},
	}}
}

// oversized offers long tasks to the breakdown hook and reports any
// proposals it makes.
func (a *Analyzer) oversized(tasks []*types.Task) []types.Recommendation {
	var recs []types.Recommendation
	for _, task := range tasks {
		switch task.Status {
		case types.TaskStatusPending, types.TaskStatusQueued, types.TaskStatusBlocked:
		default:
			continue
		}
		if task.EstimatedDuration < a.cfg.BreakdownThreshold {
			continue
		}
		subtasks := a.Breakdown(task)
		if len(subtasks) == 0 {
			continue
		}
		recs = append(recs, types.Recommendation{
			Kind:     "breakdown",
			Severity: SeverityInfo,
			Message: fmt.Sprintf("task %s (estimated %s) could be split into %d subtasks",
				task.ID, task.EstimatedDuration.Round(time.Minute), len(subtasks)),
			Details: map[string]string{
				"task":     task.ID,
				"subtasks": fmt.Sprintf("%d", len(subtasks)),
			},
		})
	}
	return recs
}
