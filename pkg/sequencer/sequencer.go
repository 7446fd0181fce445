package sequencer

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/gantrykit/gantry/pkg/graph"
	"github.com/gantrykit/gantry/pkg/history"
	"github.com/gantrykit/gantry/pkg/log"
	"github.com/gantrykit/gantry/pkg/metrics"
	"github.com/gantrykit/gantry/pkg/resource"
	"github.com/gantrykit/gantry/pkg/types"
)

// historyWindow bounds how many recent outcomes per category feed the
// optional historical-success component.
const historyWindow = 20

// urgencyHorizon is the window over which deadline pressure ramps from
// 0 (no pressure) to 1 (due or overdue).
const urgencyHorizon = 7 * 24 * time.Hour

// Weights tunes the hybrid scoring function. Every component is
// normalized to [0, 1] within the candidate batch before weighting.
type Weights struct {
	Priority             float64 `json:"priority" yaml:"priority"`
	Urgency              float64 `json:"urgency" yaml:"urgency"`
	Impact               float64 `json:"impact" yaml:"impact"`
	DependencyWeight     float64 `json:"dependencyWeight" yaml:"dependency_weight"`
	ResourceAvailability float64 `json:"resourceAvailability" yaml:"resource_availability"`
	Speed                float64 `json:"speed" yaml:"speed"`

	// HistoricalSuccess is off by default; give it weight to favor
	// categories that have been completing over ones that keep failing.
	HistoricalSuccess float64 `json:"historicalSuccess" yaml:"historical_success"`
}

// DefaultWeights returns the standard hybrid weighting.
func DefaultWeights() Weights {
	return Weights{
		Priority:             0.30,
		Urgency:              0.15,
		Impact:               0.20,
		DependencyWeight:     0.15,
		ResourceAvailability: 0.10,
		Speed:                0.10,
	}
}

// Sequencer plans execution order over the dependency graph. Every
// algorithm emits a linear extension of the ordering subgraph: a
// dependent never precedes something it depends on.
type Sequencer struct {
	graph   *graph.Graph
	pools   *resource.Manager
	archive *history.History
	weights Weights
	logger  zerolog.Logger
	now     func() time.Time
}

// New builds a sequencer over the graph. The resource manager and the
// execution archive are optional; without them the resource and
// historical components stay neutral.
func New(g *graph.Graph, pools *resource.Manager, archive *history.History) *Sequencer {
	return &Sequencer{
		graph:   g,
		pools:   pools,
		archive: archive,
		weights: DefaultWeights(),
		logger:  log.WithComponent("sequencer"),
		now:     time.Now,
	}
}

// SetWeights replaces the hybrid weighting. A zero value restores the
// defaults.
func (s *Sequencer) SetWeights(w Weights) {
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	s.weights = w
}

// Sequence plans the current schedulable work with the selected
// algorithm. An empty algorithm selects hybrid.
func (s *Sequencer) Sequence(algorithm types.SequenceAlgorithm) (*types.ExecutionSequence, error) {
	if algorithm == "" {
		algorithm = types.AlgorithmHybrid
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SequencePlanDuration, string(algorithm))

	candidates := s.candidates()

	var (
		order  []string
		groups [][]string
		err    error
	)
	switch algorithm {
	case types.AlgorithmPriority:
		order, groups, err = s.byPriority(candidates)
	case types.AlgorithmDependencyAware:
		order, groups, err = s.byDependencies(candidates)
	case types.AlgorithmResourceOptimal:
		order, groups, err = s.byResources(candidates)
	case types.AlgorithmHybrid:
		order, groups, err = s.byHybridScore(candidates)
	default:
		return nil, types.NewError(types.CodeInvalidArgument,
			"unknown sequence algorithm: %s", algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to plan %s sequence: %w", algorithm, err)
	}

	constraints := map[string]string{
		"candidateStatuses": "pending,queued,blocked",
	}
	switch algorithm {
	case types.AlgorithmHybrid:
		w := s.weights
		constraints["weights"] = fmt.Sprintf("%.2f,%.2f,%.2f,%.2f,%.2f,%.2f,%.2f",
			w.Priority, w.Urgency, w.Impact, w.DependencyWeight,
			w.ResourceAvailability, w.Speed, w.HistoricalSuccess)
	case types.AlgorithmResourceOptimal:
		constraints["packing"] = "pool-capacity"
	}

	seq := &types.ExecutionSequence{
		Order:             order,
		ParallelGroups:    groups,
		CriticalPath:      s.criticalWithin(candidates),
		EstimatedDuration: makespan(groups, candidates),
		Algorithm:         algorithm,
		Constraints:       constraints,
		GeneratedAt:       s.now().UTC(),
		TaskCount:         len(order),
	}
	s.logger.Debug().
		Str("algorithm", string(algorithm)).
		Int("tasks", seq.TaskCount).
		Dur("estimated_duration", seq.EstimatedDuration).
		Msg("sequence planned")
	return seq, nil
}

// candidates selects the tasks that still need placement: anything not
// terminal and not already dispatched.
func (s *Sequencer) candidates() map[string]*types.Task {
	set := make(map[string]*types.Task)
	for _, task := range s.graph.Tasks() {
		switch task.Status {
		case types.TaskStatusPending, types.TaskStatusQueued, types.TaskStatusBlocked:
			set[task.ID] = task
		}
	}
	return set
}

// byPriority ranks by base priority bucket and creation time, then
// repairs the ranking into a linear extension.
func (s *Sequencer) byPriority(candidates map[string]*types.Task) ([]string, [][]string, error) {
	ranked := make([]*types.Task, 0, len(candidates))
	for _, task := range candidates {
		ranked = append(ranked, task)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	order, err := s.linearize(ranked, candidates)
	if err != nil {
		return nil, nil, err
	}
	groups, err := s.levelGroups(candidates)
	if err != nil {
		return nil, nil, err
	}
	return order, groups, nil
}

// byDependencies walks the dependency strata in order and sorts within
// each stratum by dynamic priority, then shorter duration first.
func (s *Sequencer) byDependencies(candidates map[string]*types.Task) ([]string, [][]string, error) {
	levels, err := s.graph.Levels()
	if err != nil {
		return nil, nil, err
	}
	order := make([]string, 0, len(candidates))
	for _, stratum := range strata(levels, candidates) {
		sort.SliceStable(stratum, func(i, j int) bool {
			a, b := stratum[i], stratum[j]
			pa, pb := effectivePriority(a), effectivePriority(b)
			if pa != pb {
				return pa > pb
			}
			if a.EstimatedDuration != b.EstimatedDuration {
				return a.EstimatedDuration < b.EstimatedDuration
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})
		for _, task := range stratum {
			order = append(order, task.ID)
		}
	}
	groups, err := s.levelGroups(candidates)
	if err != nil {
		return nil, nil, err
	}
	return order, groups, nil
}

// byResources ranks each stratum by resource efficiency and packs it
// into capacity-bounded groups.
func (s *Sequencer) byResources(candidates map[string]*types.Task) ([]string, [][]string, error) {
	levels, err := s.graph.Levels()
	if err != nil {
		return nil, nil, err
	}
	order := make([]string, 0, len(candidates))
	var groups [][]string
	for _, stratum := range strata(levels, candidates) {
		sort.SliceStable(stratum, func(i, j int) bool {
			a, b := stratum[i], stratum[j]
			ea, eb := efficiency(a), efficiency(b)
			if ea != eb {
				return ea > eb
			}
			return a.ID < b.ID
		})
		for _, group := range s.pack(stratum) {
			groups = append(groups, group)
			order = append(order, group...)
		}
	}
	return order, groups, nil
}

// byHybridScore ranks each stratum by the weighted score and packs by
// resources, the same way byResources does.
func (s *Sequencer) byHybridScore(candidates map[string]*types.Task) ([]string, [][]string, error) {
	levels, err := s.graph.Levels()
	if err != nil {
		return nil, nil, err
	}
	scores := s.hybridScores(candidates)
	order := make([]string, 0, len(candidates))
	var groups [][]string
	for _, stratum := range strata(levels, candidates) {
		sort.SliceStable(stratum, func(i, j int) bool {
			a, b := stratum[i], stratum[j]
			if scores[a.ID] != scores[b.ID] {
				return scores[a.ID] > scores[b.ID]
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})
		for _, group := range s.pack(stratum) {
			groups = append(groups, group)
			order = append(order, group...)
		}
	}
	return order, groups, nil
}

// linearize repairs a ranked list into a linear extension: repeatedly
// emit the best-ranked task whose in-set prerequisites have all been
// emitted. Prerequisites outside the candidate set are already done or
// running and do not constrain the plan.
func (s *Sequencer) linearize(ranked []*types.Task, candidates map[string]*types.Task) ([]string, error) {
	emitted := make(map[string]bool, len(ranked))
	order := make([]string, 0, len(ranked))
	for len(order) < len(ranked) {
		progressed := false
		for _, task := range ranked {
			if emitted[task.ID] {
				continue
			}
			ready := true
			for _, pre := range s.graph.Prerequisites(task.ID) {
				if _, in := candidates[pre]; in && !emitted[pre] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			emitted[task.ID] = true
			order = append(order, task.ID)
			progressed = true
			break
		}
		if !progressed {
			return nil, types.NewError(types.CodeCycleWouldForm,
				"dependency graph contains a cycle")
		}
	}
	return order, nil
}

// levelGroups filters the graph's level-based parallel groups down to
// the candidate set.
func (s *Sequencer) levelGroups(candidates map[string]*types.Task) ([][]string, error) {
	raw, err := s.graph.ParallelGroups()
	if err != nil {
		return nil, err
	}
	groups := make([][]string, 0, len(raw))
	for _, members := range raw {
		kept := make([]string, 0, len(members))
		for _, id := range members {
			if _, in := candidates[id]; in {
				kept = append(kept, id)
			}
		}
		if len(kept) > 0 {
			groups = append(groups, kept)
		}
	}
	return groups, nil
}

// pack splits one stratum into groups whose combined requirements fit
// the total pool capacities and that contain no conflicting pair. Tasks
// are taken in ranked order; when the next task does not fit, the group
// is closed and a new one starts.
func (s *Sequencer) pack(stratum []*types.Task) [][]string {
	capacities := s.capacities()
	var groups [][]string
	var group []string
	budget := make(map[types.ResourceType]float64, len(capacities))

	flush := func() {
		if len(group) > 0 {
			groups = append(groups, group)
			group = nil
			budget = make(map[types.ResourceType]float64, len(capacities))
		}
	}

	for _, task := range stratum {
		if len(group) > 0 && !s.fitsGroup(task, group, budget, capacities) {
			flush()
		}
		group = append(group, task.ID)
		for _, req := range task.RequiredResources {
			budget[req.Type] += req.Units
		}
	}
	flush()
	return groups
}

func (s *Sequencer) fitsGroup(task *types.Task, group []string, budget, capacities map[types.ResourceType]float64) bool {
	for _, member := range group {
		if s.graph.ConflictsWith(task.ID, member) {
			return false
		}
	}
	for _, req := range task.RequiredResources {
		limit, known := capacities[req.Type]
		if !known {
			continue
		}
		if budget[req.Type]+req.Units > limit {
			return false
		}
	}
	return true
}

func (s *Sequencer) capacities() map[types.ResourceType]float64 {
	capacities := make(map[types.ResourceType]float64)
	if s.pools == nil {
		return capacities
	}
	for rt, usage := range s.pools.Usage() {
		capacities[rt] = usage.Capacity
	}
	return capacities
}

// hybridScores computes the weighted score per candidate. Priority,
// impact, and dependency weight are normalized against the batch
// maximum; urgency, availability, and success rate are naturally [0,1];
// speed is the batch-minimum duration over the task's own.
func (s *Sequencer) hybridScores(candidates map[string]*types.Task) map[string]float64 {
	now := s.now()

	var (
		maxPriority float64
		maxImpact   float64
		maxWaiting  float64
		minDuration time.Duration
	)
	impacts := make(map[string]float64, len(candidates))
	waits := make(map[string]float64, len(candidates))
	for id, task := range candidates {
		impacts[id] = s.reach(id)
		waits[id] = s.waitingDependents(id)
		if impacts[id] > maxImpact {
			maxImpact = impacts[id]
		}
		if waits[id] > maxWaiting {
			maxWaiting = waits[id]
		}
		if p := effectivePriority(task); p > maxPriority {
			maxPriority = p
		}
		if task.EstimatedDuration > 0 && (minDuration == 0 || task.EstimatedDuration < minDuration) {
			minDuration = task.EstimatedDuration
		}
	}

	rates := make(map[types.TaskCategory]float64)
	if s.weights.HistoricalSuccess > 0 && s.archive != nil {
		for _, task := range candidates {
			if _, seen := rates[task.Category]; seen {
				continue
			}
			rate, ok := s.archive.SuccessRate(task.Category, historyWindow)
			if !ok {
				rate = 0.5
			}
			rates[task.Category] = rate
		}
	}

	scores := make(map[string]float64, len(candidates))
	for id, task := range candidates {
		var priorityPart float64
		if maxPriority > 0 {
			priorityPart = effectivePriority(task) / maxPriority
		}
		var impactPart float64
		if maxImpact > 0 {
			impactPart = impacts[id] / maxImpact
		}
		var waitPart float64
		if maxWaiting > 0 {
			waitPart = waits[id] / maxWaiting
		}
		speed := 1.0
		if task.EstimatedDuration > 0 && minDuration > 0 {
			speed = float64(minDuration) / float64(task.EstimatedDuration)
		}
		avail := 1.0
		if s.pools != nil && len(task.RequiredResources) > 0 {
			avail = s.pools.Availability(task.RequiredResources)
		}

		score := s.weights.Priority*priorityPart +
			s.weights.Urgency*urgency(task, now) +
			s.weights.Impact*impactPart +
			s.weights.DependencyWeight*waitPart +
			s.weights.ResourceAvailability*avail +
			s.weights.Speed*speed
		if s.weights.HistoricalSuccess > 0 {
			score += s.weights.HistoricalSuccess * rates[task.Category]
		}
		scores[id] = score
	}
	return scores
}

// reach counts everything transitively waiting downstream of the task.
func (s *Sequencer) reach(id string) float64 {
	seen := map[string]bool{id: true}
	frontier := []string{id}
	count := 0
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, dep := range s.graph.Dependents(current) {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			count++
			frontier = append(frontier, dep)
		}
	}
	return float64(count)
}

func (s *Sequencer) waitingDependents(id string) float64 {
	waiting := 0
	for _, depID := range s.graph.Dependents(id) {
		dep, ok := s.graph.Task(depID)
		if !ok {
			continue
		}
		switch dep.Status {
		case types.TaskStatusPending, types.TaskStatusBlocked:
			waiting++
		}
	}
	return float64(waiting)
}

func (s *Sequencer) criticalWithin(candidates map[string]*types.Task) []string {
	path, _, err := s.graph.CriticalPath()
	if err != nil {
		return nil
	}
	kept := make([]string, 0, len(path))
	for _, id := range path {
		if _, in := candidates[id]; in {
			kept = append(kept, id)
		}
	}
	return kept
}

// makespan estimates total duration as the sum over groups of the
// longest member, the time the plan takes if each group runs fully in
// parallel.
func makespan(groups [][]string, candidates map[string]*types.Task) time.Duration {
	var total time.Duration
	for _, group := range groups {
		var longest time.Duration
		for _, id := range group {
			if task, ok := candidates[id]; ok && task.EstimatedDuration > longest {
				longest = task.EstimatedDuration
			}
		}
		total += longest
	}
	return total
}

// strata groups candidates by dependency level in ascending order. No
// ordering edge ever connects two tasks in the same stratum, so any
// within-stratum order keeps the output a linear extension.
func strata(levels map[string]int, candidates map[string]*types.Task) [][]*types.Task {
	byLevel := make(map[int][]*types.Task)
	var keys []int
	for id, task := range candidates {
		lvl := levels[id]
		if _, seen := byLevel[lvl]; !seen {
			keys = append(keys, lvl)
		}
		byLevel[lvl] = append(byLevel[lvl], task)
	}
	sort.Ints(keys)
	out := make([][]*types.Task, 0, len(keys))
	for _, k := range keys {
		out = append(out, byLevel[k])
	}
	return out
}

// efficiency ranks tasks by priority per unit of resource-time:
// score / (Σ required units × estimated duration). Tasks with no
// resource cost sort ahead of equally urgent heavy ones.
func efficiency(task *types.Task) float64 {
	var units float64
	for _, req := range task.RequiredResources {
		units += req.Units
	}
	cost := units * task.EstimatedDuration.Seconds()
	if cost <= 0 {
		cost = 1
	}
	return effectivePriority(task) / cost
}

func effectivePriority(task *types.Task) float64 {
	if task.DynamicPriority > 0 {
		return task.DynamicPriority
	}
	return float64(task.Priority)
}

// urgency maps deadline pressure onto [0, 1]: no deadline scores 0, a
// deadline a full horizon away approaches 0, due or overdue scores 1.
func urgency(task *types.Task, now time.Time) float64 {
	if task.Deadline == nil {
		return 0
	}
	f := 1.0 - float64(task.Deadline.Sub(now))/float64(urgencyHorizon)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
