package sequencer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrykit/gantry/pkg/graph"
	"github.com/gantrykit/gantry/pkg/history"
	"github.com/gantrykit/gantry/pkg/resource"
	"github.com/gantrykit/gantry/pkg/types"
)

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func newTask(id string, bucket types.PriorityBucket) *types.Task {
	return &types.Task{
		ID:        id,
		Title:     id,
		Category:  types.CategoryFeature,
		Priority:  bucket,
		Status:    types.TaskStatusPending,
		CreatedAt: testNow,
	}
}

func addAll(t *testing.T, g *graph.Graph, tasks ...*types.Task) {
	t.Helper()
	for _, task := range tasks {
		require.NoError(t, g.AddTask(task))
	}
}

func blocks(t *testing.T, g *graph.Graph, dependent, dependsOn string) {
	t.Helper()
	require.NoError(t, g.AddEdge(&types.TaskDependency{
		DependentID: dependent,
		DependsOnID: dependsOn,
		Type:        types.DependencyBlocks,
	}))
}

func conflicts(t *testing.T, g *graph.Graph, a, b string) {
	t.Helper()
	require.NoError(t, g.AddEdge(&types.TaskDependency{
		DependentID: a,
		DependsOnID: b,
		Type:        types.DependencyConflicts,
	}))
}

func fixedSequencer(g *graph.Graph, pools *resource.Manager, archive *history.History) *Sequencer {
	s := New(g, pools, archive)
	s.now = func() time.Time { return testNow }
	return s
}

// diamond is A -> (B, C) -> D with durations 2m/3m/1m/2m, so the
// critical path is A, B, D at seven minutes.
func diamond(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	a := newTask("A", types.PriorityHigh)
	a.EstimatedDuration = 2 * time.Minute
	b := newTask("B", types.PriorityHigh)
	b.EstimatedDuration = 3 * time.Minute
	c := newTask("C", types.PriorityMedium)
	c.EstimatedDuration = time.Minute
	d := newTask("D", types.PriorityLow)
	d.EstimatedDuration = 2 * time.Minute
	addAll(t, g, a, b, c, d)
	blocks(t, g, "B", "A")
	blocks(t, g, "C", "A")
	blocks(t, g, "D", "B")
	blocks(t, g, "D", "C")
	return g
}

func TestPrioritySequenceRespectsDependencies(t *testing.T) {
	g := graph.New()
	a := newTask("A", types.PriorityLow)
	b := newTask("B", types.PriorityCritical)
	c := newTask("C", types.PriorityHigh)
	addAll(t, g, a, b, c)
	blocks(t, g, "B", "A")

	seq, err := fixedSequencer(g, nil, nil).Sequence(types.AlgorithmPriority)
	require.NoError(t, err)

	// B outranks everything but must wait for A; C slots in first.
	assert.Equal(t, []string{"C", "A", "B"}, seq.Order)
	assert.Equal(t, types.AlgorithmPriority, seq.Algorithm)
}

func TestDependencyAwareOrdersWithinLevels(t *testing.T) {
	g := diamond(t)
	c, _ := g.Task("C")
	c.DynamicPriority = 950
	b, _ := g.Task("B")
	b.DynamicPriority = 900

	seq, err := fixedSequencer(g, nil, nil).Sequence(types.AlgorithmDependencyAware)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "C", "B", "D"}, seq.Order)
}

func TestDependencyAwareShorterDurationBreaksTies(t *testing.T) {
	g := graph.New()
	slow := newTask("slow", types.PriorityMedium)
	slow.EstimatedDuration = 2 * time.Minute
	fast := newTask("fast", types.PriorityMedium)
	fast.EstimatedDuration = time.Minute
	addAll(t, g, slow, fast)

	seq, err := fixedSequencer(g, nil, nil).Sequence(types.AlgorithmDependencyAware)
	require.NoError(t, err)

	assert.Equal(t, []string{"fast", "slow"}, seq.Order)
}

func TestResourceOptimalPacksByCapacity(t *testing.T) {
	g := graph.New()
	heavy := newTask("heavy", types.PriorityHigh)
	heavy.EstimatedDuration = time.Minute
	heavy.RequiredResources = []types.ResourceRequirement{{Type: types.ResourceCPU, Units: 6}}
	medium := newTask("medium", types.PriorityMedium)
	medium.EstimatedDuration = time.Minute
	medium.RequiredResources = []types.ResourceRequirement{{Type: types.ResourceCPU, Units: 4}}
	light := newTask("light", types.PriorityLow)
	light.EstimatedDuration = time.Minute
	light.RequiredResources = []types.ResourceRequirement{{Type: types.ResourceCPU, Units: 2}}
	addAll(t, g, heavy, medium, light)

	pools := resource.NewManager(map[types.ResourceType]float64{types.ResourceCPU: 8})
	seq, err := fixedSequencer(g, pools, nil).Sequence(types.AlgorithmResourceOptimal)
	require.NoError(t, err)

	assert.Equal(t, []string{"heavy", "medium", "light"}, seq.Order)
	assert.Equal(t, [][]string{{"heavy"}, {"medium", "light"}}, seq.ParallelGroups,
		"medium+light fit one eight-unit group, heavy overflows it")
}

func TestResourceOptimalSeparatesConflicts(t *testing.T) {
	g := graph.New()
	heavy := newTask("heavy", types.PriorityHigh)
	heavy.RequiredResources = []types.ResourceRequirement{{Type: types.ResourceCPU, Units: 6}}
	medium := newTask("medium", types.PriorityMedium)
	medium.RequiredResources = []types.ResourceRequirement{{Type: types.ResourceCPU, Units: 4}}
	light := newTask("light", types.PriorityLow)
	light.RequiredResources = []types.ResourceRequirement{{Type: types.ResourceCPU, Units: 2}}
	addAll(t, g, heavy, medium, light)
	conflicts(t, g, "medium", "light")

	pools := resource.NewManager(map[types.ResourceType]float64{types.ResourceCPU: 8})
	seq, err := fixedSequencer(g, pools, nil).Sequence(types.AlgorithmResourceOptimal)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"heavy"}, {"medium"}, {"light"}}, seq.ParallelGroups)
}

func TestHybridRanksByScore(t *testing.T) {
	g := graph.New()
	x := newTask("X", types.PriorityCritical)
	y := newTask("Y", types.PriorityMedium)
	deadline := testNow
	y.Deadline = &deadline
	d1 := newTask("D1", types.PriorityMedium)
	d2 := newTask("D2", types.PriorityMedium)
	addAll(t, g, x, y, d1, d2)
	blocks(t, g, "D1", "Y")
	blocks(t, g, "D2", "Y")

	seq, err := fixedSequencer(g, nil, nil).Sequence(types.AlgorithmHybrid)
	require.NoError(t, err)

	// Y's urgency, impact, and waiting dependents outweigh X's bucket.
	assert.Equal(t, []string{"Y", "X", "D1", "D2"}, seq.Order)
}

func TestHybridHistoricalSuccessWeight(t *testing.T) {
	archive, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer archive.Close()

	record := func(id string, category types.TaskCategory, status types.TaskStatus) {
		task := newTask(id, types.PriorityMedium)
		task.Category = category
		require.NoError(t, archive.RecordExecution(task, &types.ExecutionRecord{
			TaskID:      id,
			ExecutionID: id + "-exec",
			Status:      status,
			StartedAt:   testNow,
			EndedAt:     testNow.Add(time.Second),
		}))
	}
	record("old-1", types.CategoryFeature, types.TaskStatusCompleted)
	record("old-2", types.CategoryFeature, types.TaskStatusCompleted)
	record("old-3", types.CategoryBug, types.TaskStatusFailed)
	record("old-4", types.CategoryBug, types.TaskStatusFailed)

	g := graph.New()
	feat := newTask("feat", types.PriorityMedium)
	bug := newTask("bug", types.PriorityMedium)
	bug.Category = types.CategoryBug
	addAll(t, g, feat, bug)

	s := fixedSequencer(g, nil, archive)
	w := DefaultWeights()
	w.HistoricalSuccess = 0.3
	s.SetWeights(w)

	seq, err := s.Sequence(types.AlgorithmHybrid)
	require.NoError(t, err)

	assert.Equal(t, []string{"feat", "bug"}, seq.Order,
		"the category that keeps completing goes first")
}

func TestEveryAlgorithmEmitsLinearExtension(t *testing.T) {
	g := diamond(t)
	e := newTask("E", types.PriorityMedium)
	e.EstimatedDuration = time.Minute
	f := newTask("F", types.PriorityCritical)
	f.EstimatedDuration = time.Minute
	addAll(t, g, e, f)
	blocks(t, g, "F", "E")
	conflicts(t, g, "C", "E")

	orderingEdges := [][2]string{
		{"B", "A"}, {"C", "A"}, {"D", "B"}, {"D", "C"}, {"F", "E"},
	}
	algorithms := []types.SequenceAlgorithm{
		types.AlgorithmPriority,
		types.AlgorithmDependencyAware,
		types.AlgorithmResourceOptimal,
		types.AlgorithmHybrid,
	}

	pools := resource.NewManager(resource.DefaultCapacities())
	s := fixedSequencer(g, pools, nil)

	for _, algorithm := range algorithms {
		t.Run(string(algorithm), func(t *testing.T) {
			seq, err := s.Sequence(algorithm)
			require.NoError(t, err)
			require.Len(t, seq.Order, 6)

			index := make(map[string]int, len(seq.Order))
			for i, id := range seq.Order {
				_, dup := index[id]
				require.False(t, dup, "task %s appears twice", id)
				index[id] = i
			}
			for _, edge := range orderingEdges {
				dependent, dependsOn := edge[0], edge[1]
				assert.Less(t, index[dependsOn], index[dependent],
					"%s must precede %s", dependsOn, dependent)
			}
		})
	}
}

func TestCompletedAndRunningTasksExcluded(t *testing.T) {
	g := diamond(t)
	a, _ := g.Task("A")
	a.Status = types.TaskStatusCompleted
	c, _ := g.Task("C")
	c.Status = types.TaskStatusRunning

	seq, err := fixedSequencer(g, nil, nil).Sequence(types.AlgorithmDependencyAware)
	require.NoError(t, err)

	assert.Equal(t, []string{"B", "D"}, seq.Order)
	assert.Equal(t, []string{"B", "D"}, seq.CriticalPath,
		"finished critical-path members drop out of the plan")
	assert.Equal(t, 2, seq.TaskCount)
}

func TestSequenceMetadata(t *testing.T) {
	g := diamond(t)

	seq, err := fixedSequencer(g, nil, nil).Sequence(types.AlgorithmDependencyAware)
	require.NoError(t, err)

	assert.Equal(t, 4, seq.TaskCount)
	assert.Equal(t, []string{"A", "B", "D"}, seq.CriticalPath)
	assert.Equal(t, 7*time.Minute, seq.EstimatedDuration)
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, seq.ParallelGroups)
	assert.Equal(t, testNow, seq.GeneratedAt)
	assert.Equal(t, "pending,queued,blocked", seq.Constraints["candidateStatuses"])
}

func TestHybridRecordsWeightsInConstraints(t *testing.T) {
	g := graph.New()
	addAll(t, g, newTask("A", types.PriorityMedium))

	seq, err := fixedSequencer(g, nil, nil).Sequence(types.AlgorithmHybrid)
	require.NoError(t, err)

	assert.Equal(t, "0.30,0.15,0.20,0.15,0.10,0.10,0.00", seq.Constraints["weights"])
}

func TestEmptyGraphSequences(t *testing.T) {
	seq, err := fixedSequencer(graph.New(), nil, nil).Sequence(types.AlgorithmHybrid)
	require.NoError(t, err)

	assert.Empty(t, seq.Order)
	assert.Zero(t, seq.TaskCount)
	assert.Zero(t, seq.EstimatedDuration)
}

func TestUnknownAlgorithmFails(t *testing.T) {
	_, err := fixedSequencer(graph.New(), nil, nil).Sequence("fifo")

	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

func TestDefaultAlgorithmIsHybrid(t *testing.T) {
	g := graph.New()
	addAll(t, g, newTask("A", types.PriorityMedium))

	seq, err := fixedSequencer(g, nil, nil).Sequence("")
	require.NoError(t, err)

	assert.Equal(t, types.AlgorithmHybrid, seq.Algorithm)
}

func TestSetWeightsZeroRestoresDefaults(t *testing.T) {
	s := New(graph.New(), nil, nil)
	s.SetWeights(Weights{Priority: 1})
	s.SetWeights(Weights{})

	assert.Equal(t, DefaultWeights(), s.weights)
}
