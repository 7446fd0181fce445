package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrykit/gantry/pkg/types"
)

var testEpoch = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func mkTask(id string, priority types.PriorityBucket, duration time.Duration, createdOffset time.Duration) *types.Task {
	return &types.Task{
		ID:                id,
		Title:             "task " + id,
		Category:          types.CategoryFeature,
		Priority:          priority,
		Status:            types.TaskStatusPending,
		CreatedAt:         testEpoch.Add(createdOffset),
		EstimatedDuration: duration,
	}
}

func mkEdge(dependent, dependsOn string, typ types.DependencyType) *types.TaskDependency {
	return &types.TaskDependency{
		DependentID: dependent,
		DependsOnID: dependsOn,
		Type:        typ,
	}
}

// diamond builds:
//
//	A ◄── B ◄── D
//	▲           │
//	└──── C ◄───┘
//
// B and C depend on A; D depends on B and C.
func diamond(t *testing.T) *Graph {
	t.Helper()
	g := New()

	require.NoError(t, g.AddTask(mkTask("A", types.PriorityHigh, 2*time.Minute, 0)))
	require.NoError(t, g.AddTask(mkTask("B", types.PriorityHigh, 3*time.Minute, time.Second)))
	require.NoError(t, g.AddTask(mkTask("C", types.PriorityMedium, 1*time.Minute, 2*time.Second)))
	require.NoError(t, g.AddTask(mkTask("D", types.PriorityLow, 2*time.Minute, 3*time.Second)))

	require.NoError(t, g.AddEdge(mkEdge("B", "A", types.DependencyBlocks)))
	require.NoError(t, g.AddEdge(mkEdge("C", "A", types.DependencyEnables)))
	require.NoError(t, g.AddEdge(mkEdge("D", "B", types.DependencyBlocks)))
	require.NoError(t, g.AddEdge(mkEdge("D", "C", types.DependencyBlocks)))

	return g
}

func TestAddTaskDuplicate(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(mkTask("A", types.PriorityHigh, time.Minute, 0)))

	err := g.AddTask(mkTask("A", types.PriorityLow, time.Minute, 0))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeDuplicateTask))
}

func TestAddEdgeValidation(t *testing.T) {
	g := diamond(t)

	tests := []struct {
		name string
		edge *types.TaskDependency
		code types.ErrorCode
	}{
		{name: "self dependency", edge: mkEdge("A", "A", types.DependencyBlocks), code: types.CodeInvalidDependency},
		{name: "unknown dependent", edge: mkEdge("X", "A", types.DependencyBlocks), code: types.CodeTaskNotFound},
		{name: "unknown prerequisite", edge: mkEdge("A", "X", types.DependencyBlocks), code: types.CodeTaskNotFound},
		{name: "duplicate pair", edge: mkEdge("B", "A", types.DependencyBlocks), code: types.CodeDuplicateDependency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.AddEdge(tt.edge)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, tt.code), "want %s, got %v", tt.code, err)
		})
	}
}

func TestAddEdgeAssignsIdentity(t *testing.T) {
	g := diamond(t)

	edge, ok := g.EdgeBetween("B", "A")
	require.True(t, ok)
	assert.NotEmpty(t, edge.ID)
	assert.False(t, edge.CreatedAt.IsZero())
}

func TestCycleRejectionNamesPath(t *testing.T) {
	g := diamond(t)

	// A depending on D closes the loop A -> D -> B -> A.
	err := g.AddEdge(mkEdge("A", "D", types.DependencyBlocks))
	require.Error(t, err)
	require.True(t, types.IsCode(err, types.CodeCycleWouldForm))

	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, []string{"A", "D", "B", "A"}, typed.Path)

	// The graph is untouched by the rejected edge.
	_, exists := g.EdgeBetween("A", "D")
	assert.False(t, exists)
}

func TestNonOrderingEdgesNeverCycle(t *testing.T) {
	g := diamond(t)

	// conflicts and enhances edges do not participate in ordering, so a
	// "back edge" of either type is fine.
	require.NoError(t, g.AddEdge(mkEdge("A", "D", types.DependencyConflicts)))

	assert.True(t, g.ConflictsWith("A", "D"))
	assert.True(t, g.ConflictsWith("D", "A"), "conflicts are symmetric")
	assert.Empty(t, g.DetectCycles())
}

func TestWouldCycle(t *testing.T) {
	g := diamond(t)

	path, would := g.WouldCycle("A", "D")
	assert.True(t, would)
	assert.Equal(t, []string{"A", "D", "B", "A"}, path)

	_, would = g.WouldCycle("D", "A")
	assert.False(t, would, "Edge already implied by transitivity is not a cycle")
}

func TestTopologicalOrder(t *testing.T) {
	g := diamond(t)

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["A"], pos["B"])
	assert.Less(t, pos["A"], pos["C"])
	assert.Less(t, pos["B"], pos["D"])
	assert.Less(t, pos["C"], pos["D"])
}

func TestLevels(t *testing.T) {
	g := diamond(t)

	levels, err := g.Levels()
	require.NoError(t, err)

	assert.Equal(t, 1, levels["A"])
	assert.Equal(t, 2, levels["B"])
	assert.Equal(t, 2, levels["C"])
	assert.Equal(t, 3, levels["D"])
}

func TestTopologicalOrderCyclicFails(t *testing.T) {
	g := diamond(t)

	// Inject a cycle behind AddEdge's back to exercise the defensive path.
	g.dependsOn["A"]["D"] = struct{}{}
	g.dependents["D"]["A"] = struct{}{}

	_, err := g.TopologicalOrder()
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeCycleWouldForm))

	cycles := g.DetectCycles()
	require.NotEmpty(t, cycles)
	// Every reported cycle starts and ends on the same node.
	for _, cycle := range cycles {
		assert.Equal(t, cycle[0], cycle[len(cycle)-1])
		assert.GreaterOrEqual(t, len(cycle), 3)
	}
}

func TestCriticalPath(t *testing.T) {
	g := diamond(t)

	// A(2m) then B(3m) then D(2m) is the longest chain; C has 2m of slack.
	path, total, err := g.CriticalPath()
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "D"}, path)
	assert.Equal(t, 7*time.Minute, total)
}

func TestCriticalPathEmptyGraph(t *testing.T) {
	g := New()

	path, total, err := g.CriticalPath()
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Zero(t, total)
}

func TestParallelGroups(t *testing.T) {
	g := diamond(t)

	groups, err := g.ParallelGroups()
	require.NoError(t, err)

	// Level 1: {A}; level 2: B and C are compatible; level 3: {D}.
	require.Len(t, groups, 3)
	assert.Equal(t, []string{"A"}, groups[0])
	assert.Equal(t, []string{"B", "C"}, groups[1], "Higher priority first within a group")
	assert.Equal(t, []string{"D"}, groups[2])
}

func TestParallelGroupsSplitOnConflict(t *testing.T) {
	g := diamond(t)
	require.NoError(t, g.AddEdge(mkEdge("B", "C", types.DependencyConflicts)))

	groups, err := g.ParallelGroups()
	require.NoError(t, err)

	require.Len(t, groups, 4)
	assert.Equal(t, []string{"B"}, groups[1])
	assert.Equal(t, []string{"C"}, groups[2])
}

func TestParallelGroupsSplitOnSharedResource(t *testing.T) {
	g := diamond(t)
	b, _ := g.Task("B")
	c, _ := g.Task("C")
	b.RequiredResources = []types.ResourceRequirement{{Type: types.ResourceCPU, Units: 2}}
	c.RequiredResources = []types.ResourceRequirement{{Type: types.ResourceCPU, Units: 1}}

	groups, err := g.ParallelGroups()
	require.NoError(t, err)

	require.Len(t, groups, 4, "Tasks sharing a resource key cannot share a group")
}

func TestImpact(t *testing.T) {
	g := diamond(t)

	impact, err := g.Impact("A")
	require.NoError(t, err)

	assert.Equal(t, []string{"B", "C"}, impact.DirectDependents)
	assert.Equal(t, []string{"D"}, impact.IndirectDependents)
	assert.Equal(t, 3, impact.TotalImpact)
	assert.True(t, impact.OnCriticalPath)

	impact, err = g.Impact("C")
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, impact.DirectDependents)
	assert.Empty(t, impact.IndirectDependents)
	assert.False(t, impact.OnCriticalPath, "C has slack")

	_, err = g.Impact("missing")
	assert.True(t, types.IsCode(err, types.CodeTaskNotFound))
}

func TestDependentsMaintainedOnTask(t *testing.T) {
	g := diamond(t)

	a, _ := g.Task("A")
	assert.Equal(t, []string{"B", "C"}, a.Dependents)

	require.NoError(t, g.RemoveEdge("B", "A"))
	assert.Equal(t, []string{"C"}, a.Dependents)
}

func TestRemoveTaskDetachesEdges(t *testing.T) {
	g := diamond(t)

	require.NoError(t, g.RemoveTask("B"))

	assert.Equal(t, 3, g.Len())
	_, exists := g.EdgeBetween("B", "A")
	assert.False(t, exists)
	_, exists = g.EdgeBetween("D", "B")
	assert.False(t, exists)

	a, _ := g.Task("A")
	assert.Equal(t, []string{"C"}, a.Dependents)

	// D now only waits on C.
	assert.Equal(t, []string{"C"}, g.Prerequisites("D"))
}

func TestRemoveEdgeUnknown(t *testing.T) {
	g := diamond(t)

	err := g.RemoveEdge("A", "D")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeDependencyNotFound))
}

func TestUnmetPrerequisites(t *testing.T) {
	g := diamond(t)

	assert.Equal(t, []string{"B", "C"}, g.UnmetPrerequisites("D"))

	b, _ := g.Task("B")
	b.Status = types.TaskStatusCompleted
	assert.Equal(t, []string{"C"}, g.UnmetPrerequisites("D"))

	c, _ := g.Task("C")
	c.Status = types.TaskStatusCompleted
	assert.Empty(t, g.UnmetPrerequisites("D"))
}

func TestUnmetPrerequisitesOptionalEdge(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(mkTask("P", types.PriorityHigh, time.Minute, 0)))
	require.NoError(t, g.AddTask(mkTask("Q", types.PriorityHigh, time.Minute, time.Second)))
	require.NoError(t, g.AddTask(mkTask("R", types.PriorityHigh, time.Minute, 2*time.Second)))

	optional := mkEdge("R", "P", types.DependencyBlocks)
	optional.Optional = true
	require.NoError(t, g.AddEdge(optional))
	require.NoError(t, g.AddEdge(mkEdge("R", "Q", types.DependencyBlocks)))

	p, _ := g.Task("P")
	q, _ := g.Task("Q")
	p.Status = types.TaskStatusFailed
	q.Status = types.TaskStatusFailed

	// The optional edge forgives P's failure; the required one on Q does not.
	assert.Equal(t, []string{"Q"}, g.UnmetPrerequisites("R"))
}

func TestHoldUntil(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(mkTask("P", types.PriorityHigh, time.Minute, 0)))
	require.NoError(t, g.AddTask(mkTask("R", types.PriorityHigh, time.Minute, time.Second)))

	edge := mkEdge("R", "P", types.DependencyBlocks)
	edge.MinDelay = 10 * time.Second
	require.NoError(t, g.AddEdge(edge))

	assert.True(t, g.HoldUntil("R").IsZero(), "No constraint until the prerequisite completes")

	p, _ := g.Task("P")
	p.Status = types.TaskStatusCompleted
	p.CompletedAt = testEpoch

	assert.Equal(t, testEpoch.Add(10*time.Second), g.HoldUntil("R"))
}

func TestEnhancesSideTable(t *testing.T) {
	g := diamond(t)
	require.NoError(t, g.AddEdge(mkEdge("B", "C", types.DependencyEnhances)))

	assert.Equal(t, []string{"C"}, g.Enhances("B"))
	assert.Empty(t, g.Enhances("C"), "enhances is directional")
	assert.Empty(t, g.DetectCycles())

	require.NoError(t, g.RemoveEdge("B", "C"))
	assert.Empty(t, g.Enhances("B"))
}

func TestEdgesSerializationView(t *testing.T) {
	g := diamond(t)

	edges := g.Edges()
	assert.Len(t, edges, 4)
	for id, edge := range edges {
		assert.Equal(t, id, edge.ID)
	}
}
