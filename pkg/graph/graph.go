package graph

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gantrykit/gantry/pkg/metrics"
	"github.com/gantrykit/gantry/pkg/types"
)

// Graph is the dependency graph over all known tasks. Only blocks and
// enables edges participate in ordering (cycles, topological levels,
// critical path); conflicts and enhances edges are kept in side tables
// consulted during parallel grouping and sequencing.
//
// The graph guards itself with one RWMutex. Callers that need a
// consistent view across graph and queue state take the queue's
// coordination lock first; lock order is always queue → graph.
type Graph struct {
	mu sync.RWMutex

	tasks map[string]*types.Task
	edges map[string]*types.TaskDependency // keyed by pair, see pairKey

	// Ordering adjacency: dependsOn[t] = prerequisites of t,
	// dependents[t] = tasks waiting on t.
	dependsOn  map[string]map[string]struct{}
	dependents map[string]map[string]struct{}

	// Side tables for non-ordering edge types.
	conflicts map[string]map[string]struct{} // symmetric
	enhances  map[string]map[string]struct{} // directional affinity
}

// New creates an empty graph
func New() *Graph {
	return &Graph{
		tasks:      make(map[string]*types.Task),
		edges:      make(map[string]*types.TaskDependency),
		dependsOn:  make(map[string]map[string]struct{}),
		dependents: make(map[string]map[string]struct{}),
		conflicts:  make(map[string]map[string]struct{}),
		enhances:   make(map[string]map[string]struct{}),
	}
}

func pairKey(dependentID, dependsOnID string) string {
	return dependentID + "|" + dependsOnID
}

// AddTask registers a task node
func (g *Graph) AddTask(task *types.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[task.ID]; exists {
		return types.NewError(types.CodeDuplicateTask, "task %s already exists", task.ID)
	}
	g.tasks[task.ID] = task
	g.dependsOn[task.ID] = make(map[string]struct{})
	g.dependents[task.ID] = make(map[string]struct{})

	metrics.GraphTasks.Set(float64(len(g.tasks)))
	return nil
}

// RemoveTask removes a task and every edge incident to it
func (g *Graph) RemoveTask(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[id]; !exists {
		return types.ErrTaskNotFound(id)
	}

	for key, edge := range g.edges {
		if edge.DependentID == id || edge.DependsOnID == id {
			g.detachEdge(edge)
			delete(g.edges, key)
		}
	}

	delete(g.tasks, id)
	delete(g.dependsOn, id)
	delete(g.dependents, id)
	delete(g.conflicts, id)
	delete(g.enhances, id)

	metrics.GraphTasks.Set(float64(len(g.tasks)))
	metrics.GraphEdges.Set(float64(len(g.edges)))
	return nil
}

// Reset drops every task and edge. Used when a snapshot restore
// rebuilds the graph wholesale; the pointer identity of the graph is
// preserved so components holding a reference keep working.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tasks = make(map[string]*types.Task)
	g.edges = make(map[string]*types.TaskDependency)
	g.dependsOn = make(map[string]map[string]struct{})
	g.dependents = make(map[string]map[string]struct{})
	g.conflicts = make(map[string]map[string]struct{})
	g.enhances = make(map[string]map[string]struct{})

	metrics.GraphTasks.Set(0)
	metrics.GraphEdges.Set(0)
}

// Task returns the live task pointer for id
func (g *Graph) Task(id string) (*types.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	return t, ok
}

// Tasks returns all task pointers in unspecified order
func (g *Graph) Tasks() []*types.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*types.Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	return out
}

// Len returns the number of tasks in the graph
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// AddEdge registers a dependency edge. Ordering edges (blocks, enables)
// are rejected with CycleWouldForm when they would close a cycle; the
// error path names the exact chain.
func (g *Graph) AddEdge(dep *types.TaskDependency) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if dep.DependentID == dep.DependsOnID {
		return types.NewError(types.CodeInvalidDependency, "task %s cannot depend on itself", dep.DependentID)
	}
	if _, ok := g.tasks[dep.DependentID]; !ok {
		return types.ErrTaskNotFound(dep.DependentID)
	}
	if _, ok := g.tasks[dep.DependsOnID]; !ok {
		return types.ErrTaskNotFound(dep.DependsOnID)
	}
	key := pairKey(dep.DependentID, dep.DependsOnID)
	if _, exists := g.edges[key]; exists {
		return types.NewError(types.CodeDuplicateDependency,
			"dependency %s -> %s already exists", dep.DependentID, dep.DependsOnID)
	}

	if dep.Type.Ordering() {
		if path := g.pathBetween(dep.DependsOnID, dep.DependentID); path != nil {
			metrics.CyclesRejected.Inc()
			// Close the loop for the error message: dependent -> dependsOn
			// -> ... -> dependent.
			cycle := append([]string{dep.DependentID}, path...)
			return types.ErrCycleWouldForm(cycle)
		}
	}

	if dep.ID == "" {
		dep.ID = uuid.New().String()
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}

	g.edges[key] = dep
	switch {
	case dep.Type.Ordering():
		g.dependsOn[dep.DependentID][dep.DependsOnID] = struct{}{}
		g.dependents[dep.DependsOnID][dep.DependentID] = struct{}{}
		g.tasks[dep.DependsOnID].Dependents = sortedKeys(g.dependents[dep.DependsOnID])
	case dep.Type == types.DependencyConflicts:
		addSide(g.conflicts, dep.DependentID, dep.DependsOnID)
		addSide(g.conflicts, dep.DependsOnID, dep.DependentID)
	case dep.Type == types.DependencyEnhances:
		addSide(g.enhances, dep.DependentID, dep.DependsOnID)
	}

	metrics.GraphEdges.Set(float64(len(g.edges)))
	return nil
}

// RemoveEdge deletes the edge between a pair. Removal is always safe.
func (g *Graph) RemoveEdge(dependentID, dependsOnID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := pairKey(dependentID, dependsOnID)
	edge, exists := g.edges[key]
	if !exists {
		return types.ErrDependencyNotFound(dependentID + " -> " + dependsOnID)
	}

	g.detachEdge(edge)
	delete(g.edges, key)
	metrics.GraphEdges.Set(float64(len(g.edges)))
	return nil
}

// detachEdge removes adjacency and side-table entries; caller holds the
// write lock and owns deletion from g.edges
func (g *Graph) detachEdge(edge *types.TaskDependency) {
	switch {
	case edge.Type.Ordering():
		delete(g.dependsOn[edge.DependentID], edge.DependsOnID)
		delete(g.dependents[edge.DependsOnID], edge.DependentID)
		if t, ok := g.tasks[edge.DependsOnID]; ok {
			t.Dependents = sortedKeys(g.dependents[edge.DependsOnID])
		}
	case edge.Type == types.DependencyConflicts:
		removeSide(g.conflicts, edge.DependentID, edge.DependsOnID)
		removeSide(g.conflicts, edge.DependsOnID, edge.DependentID)
	case edge.Type == types.DependencyEnhances:
		removeSide(g.enhances, edge.DependentID, edge.DependsOnID)
	}
}

// EdgeBetween returns the edge from dependent to dependsOn, if any
func (g *Graph) EdgeBetween(dependentID, dependsOnID string) (*types.TaskDependency, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edge, ok := g.edges[pairKey(dependentID, dependsOnID)]
	return edge, ok
}

// Edges returns all edges keyed by edge id, for snapshot serialization
func (g *Graph) Edges() map[string]*types.TaskDependency {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]*types.TaskDependency, len(g.edges))
	for _, edge := range g.edges {
		out[edge.ID] = edge
	}
	return out
}

// Prerequisites returns the ids this task depends on (ordering edges)
func (g *Graph) Prerequisites(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.dependsOn[id])
}

// Dependents returns the ids of tasks directly waiting on this one
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.dependents[id])
}

// ConflictsWith reports whether a and b carry a conflicts edge
func (g *Graph) ConflictsWith(a, b string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conflicts[a][b]
	return ok
}

// Enhances returns the ids task id declares an affinity toward
func (g *Graph) Enhances(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.enhances[id])
}

// WouldCycle reports whether adding an ordering edge dependent→dependsOn
// would create a cycle, returning the would-be cycle path when it would
func (g *Graph) WouldCycle(dependentID, dependsOnID string) ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	path := g.pathBetween(dependsOnID, dependentID)
	if path == nil {
		return nil, false
	}
	return append([]string{dependentID}, path...), true
}

// pathBetween returns a dependency path from -> ... -> to along ordering
// edges, or nil if unreachable. Caller holds at least the read lock.
func (g *Graph) pathBetween(from, to string) []string {
	if from == to {
		return []string{from}
	}

	visited := map[string]struct{}{from: {}}
	var dfs func(cur string, path []string) []string
	dfs = func(cur string, path []string) []string {
		for _, next := range sortedKeys(g.dependsOn[cur]) {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}

			np := make([]string, len(path)+1)
			copy(np, path)
			np[len(path)] = next

			if next == to {
				return np
			}
			if found := dfs(next, np); found != nil {
				return found
			}
		}
		return nil
	}
	return dfs(from, []string{from})
}

// DetectCycles finds all cycles in the ordering subgraph using tri-color
// depth-first search. Each cycle is reported as the on-stack chain with
// the revisited node appended. An empty result means the graph is a DAG.
func (g *Graph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		white = iota // unvisited
		gray         // on stack
		black        // done
	)
	colors := make(map[string]int, len(g.tasks))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		colors[id] = gray
		stack = append(stack, id)

		for _, next := range sortedKeys(g.dependsOn[id]) {
			switch colors[next] {
			case gray:
				// Found a back edge: slice the stack from the revisited
				// node and close the loop.
				for i, on := range stack {
					if on == next {
						cycle := make([]string, len(stack)-i, len(stack)-i+1)
						copy(cycle, stack[i:])
						cycles = append(cycles, append(cycle, next))
						break
					}
				}
			case white:
				visit(next)
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
	}

	for _, id := range g.sortedTaskIDs() {
		if colors[id] == white {
			visit(id)
		}
	}
	return cycles
}

// TopologicalOrder returns task ids with every prerequisite before its
// dependents, or an error if the graph is cyclic
func (g *Graph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order, _, err := g.topoSort()
	return order, err
}

// Levels assigns each task its dependency stratum: 1 + the maximum level
// among its prerequisites. Tasks sharing a level are candidates for the
// same parallel group.
func (g *Graph) Levels() (map[string]int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, levels, err := g.topoSort()
	return levels, err
}

// topoSort is Kahn's algorithm processed in level waves. Caller holds at
// least the read lock.
func (g *Graph) topoSort() ([]string, map[string]int, error) {
	indegree := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		indegree[id] = len(g.dependsOn[id])
	}

	var wave []string
	for _, id := range g.sortedTaskIDs() {
		if indegree[id] == 0 {
			wave = append(wave, id)
		}
	}

	order := make([]string, 0, len(g.tasks))
	levels := make(map[string]int, len(g.tasks))
	level := 0

	for len(wave) > 0 {
		level++
		var next []string
		for _, id := range wave {
			levels[id] = level
			order = append(order, id)
			for dep := range g.dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		wave = next
	}

	if len(order) != len(g.tasks) {
		return nil, nil, types.NewError(types.CodeCycleWouldForm, "dependency graph contains a cycle")
	}
	return order, levels, nil
}

// CriticalPath runs the critical path method over estimated durations:
// a forward pass for earliest start/finish, a backward pass for latest
// start, and zero-slack selection. Returns the path in execution order
// and the total projected duration.
func (g *Graph) CriticalPath() ([]string, time.Duration, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.criticalPath()
}

func (g *Graph) criticalPath() ([]string, time.Duration, error) {
	order, _, err := g.topoSort()
	if err != nil {
		return nil, 0, err
	}
	if len(order) == 0 {
		return nil, 0, nil
	}

	earliestStart := make(map[string]time.Duration, len(order))
	earliestFinish := make(map[string]time.Duration, len(order))
	var total time.Duration

	for _, id := range order {
		var start time.Duration
		for pre := range g.dependsOn[id] {
			if earliestFinish[pre] > start {
				start = earliestFinish[pre]
			}
		}
		earliestStart[id] = start
		earliestFinish[id] = start + g.tasks[id].EstimatedDuration
		if earliestFinish[id] > total {
			total = earliestFinish[id]
		}
	}

	latestStart := make(map[string]time.Duration, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		finish := total
		for dep := range g.dependents[id] {
			if latestStart[dep] < finish {
				finish = latestStart[dep]
			}
		}
		latestStart[id] = finish - g.tasks[id].EstimatedDuration
	}

	var critical []string
	for _, id := range order {
		if latestStart[id] == earliestStart[id] {
			critical = append(critical, id)
		}
	}

	sort.SliceStable(critical, func(i, j int) bool {
		a, b := critical[i], critical[j]
		if earliestStart[a] != earliestStart[b] {
			return earliestStart[a] < earliestStart[b]
		}
		ta, tb := g.tasks[a], g.tasks[b]
		if ta.Priority != tb.Priority {
			return ta.Priority > tb.Priority
		}
		if !ta.CreatedAt.Equal(tb.CreatedAt) {
			return ta.CreatedAt.Before(tb.CreatedAt)
		}
		return a < b
	})

	return critical, total, nil
}

// ParallelGroups partitions each dependency level into sets that can run
// simultaneously: members pairwise share no required-resource key and
// carry no conflicts edge
func (g *Graph) ParallelGroups() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, levels, err := g.topoSort()
	if err != nil {
		return nil, err
	}

	byLevel := make(map[int][]string)
	maxLevel := 0
	for id, level := range levels {
		byLevel[level] = append(byLevel[level], id)
		if level > maxLevel {
			maxLevel = level
		}
	}

	var groups [][]string
	for level := 1; level <= maxLevel; level++ {
		members := byLevel[level]
		sort.Slice(members, func(i, j int) bool {
			ta, tb := g.tasks[members[i]], g.tasks[members[j]]
			if ta.Priority != tb.Priority {
				return ta.Priority > tb.Priority
			}
			if !ta.CreatedAt.Equal(tb.CreatedAt) {
				return ta.CreatedAt.Before(tb.CreatedAt)
			}
			return members[i] < members[j]
		})

		var levelGroups [][]string
	placing:
		for _, id := range members {
			for gi, group := range levelGroups {
				if g.compatibleWithAll(id, group) {
					levelGroups[gi] = append(group, id)
					continue placing
				}
			}
			levelGroups = append(levelGroups, []string{id})
		}
		groups = append(groups, levelGroups...)
	}
	return groups, nil
}

// compatibleWithAll reports whether id can share a parallel group with
// every member. Caller holds at least the read lock.
func (g *Graph) compatibleWithAll(id string, group []string) bool {
	for _, member := range group {
		if _, conflict := g.conflicts[id][member]; conflict {
			return false
		}
		if g.sharesResourceKey(id, member) {
			return false
		}
	}
	return true
}

func (g *Graph) sharesResourceKey(a, b string) bool {
	ta, tb := g.tasks[a], g.tasks[b]
	if ta == nil || tb == nil {
		return false
	}
	for _, ra := range ta.RequiredResources {
		for _, rb := range tb.RequiredResources {
			if ra.Type == rb.Type {
				return true
			}
		}
	}
	return false
}

// Impact analyzes what depends on a task, directly and transitively
func (g *Graph) Impact(id string) (*types.ImpactAnalysis, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.tasks[id]; !ok {
		return nil, types.ErrTaskNotFound(id)
	}

	direct := sortedKeys(g.dependents[id])

	seen := make(map[string]struct{}, len(direct))
	for _, d := range direct {
		seen[d] = struct{}{}
	}
	var indirect []string
	queue := append([]string(nil), direct...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range g.dependents[cur] {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			indirect = append(indirect, next)
			queue = append(queue, next)
		}
	}
	sort.Strings(indirect)

	onCritical := false
	if critical, _, err := g.criticalPath(); err == nil {
		for _, cid := range critical {
			if cid == id {
				onCritical = true
				break
			}
		}
	}

	return &types.ImpactAnalysis{
		TaskID:             id,
		DirectDependents:   direct,
		IndirectDependents: indirect,
		OnCriticalPath:     onCritical,
		TotalImpact:        len(direct) + len(indirect),
	}, nil
}

// UnmetPrerequisites returns the ordering prerequisites of id that have
// not completed. Optional edges whose prerequisite ended in a terminal
// failure are treated as met; required ones are not, which is what keeps
// the dependent blocked.
func (g *Graph) UnmetPrerequisites(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var unmet []string
	for _, pre := range sortedKeys(g.dependsOn[id]) {
		task, ok := g.tasks[pre]
		if !ok {
			continue
		}
		if task.Status == types.TaskStatusCompleted {
			continue
		}
		if task.Status.IsTerminal() {
			if edge, ok := g.edges[pairKey(id, pre)]; ok && edge.Optional {
				continue
			}
		}
		unmet = append(unmet, pre)
	}
	return unmet
}

// HoldUntil returns the earliest time MinDelay edges allow id to start,
// considering only prerequisites that have already completed. The zero
// time means no delay constraint applies.
func (g *Graph) HoldUntil(id string) time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var hold time.Time
	for pre := range g.dependsOn[id] {
		edge, ok := g.edges[pairKey(id, pre)]
		if !ok || edge.MinDelay <= 0 {
			continue
		}
		task, ok := g.tasks[pre]
		if !ok || task.Status != types.TaskStatusCompleted {
			continue
		}
		if at := task.CompletedAt.Add(edge.MinDelay); at.After(hold) {
			hold = at
		}
	}
	return hold
}

func (g *Graph) sortedTaskIDs() []string {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func addSide(table map[string]map[string]struct{}, from, to string) {
	if table[from] == nil {
		table[from] = make(map[string]struct{})
	}
	table[from][to] = struct{}{}
}

func removeSide(table map[string]map[string]struct{}, from, to string) {
	delete(table[from], to)
	if len(table[from]) == 0 {
		delete(table, from)
	}
}
