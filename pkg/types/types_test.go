package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		allowed bool
	}{
		{"pending to queued", TaskStatusPending, TaskStatusQueued, true},
		{"pending to blocked", TaskStatusPending, TaskStatusBlocked, true},
		{"pending to cancelled", TaskStatusPending, TaskStatusCancelled, true},
		{"pending to running skips queue", TaskStatusPending, TaskStatusRunning, false},
		{"queued to running", TaskStatusQueued, TaskStatusRunning, true},
		{"queued to blocked", TaskStatusQueued, TaskStatusBlocked, true},
		{"blocked back to pending", TaskStatusBlocked, TaskStatusPending, true},
		{"blocked to running", TaskStatusBlocked, TaskStatusRunning, false},
		{"running to completed", TaskStatusRunning, TaskStatusCompleted, true},
		{"running to failed", TaskStatusRunning, TaskStatusFailed, true},
		{"running retry to pending", TaskStatusRunning, TaskStatusPending, true},
		{"running to cancelled", TaskStatusRunning, TaskStatusCancelled, true},
		{"completed is absorbing", TaskStatusCompleted, TaskStatusPending, false},
		{"failed is absorbing", TaskStatusFailed, TaskStatusPending, false},
		{"cancelled is absorbing", TaskStatusCancelled, TaskStatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	live := []TaskStatus{TaskStatusPending, TaskStatusQueued, TaskStatusRunning, TaskStatusBlocked}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestDependencyTypeOrdering(t *testing.T) {
	assert.True(t, DependencyBlocks.Ordering())
	assert.True(t, DependencyEnables.Ordering())
	assert.False(t, DependencyConflicts.Ordering())
	assert.False(t, DependencyEnhances.Ordering())
}

func TestTaskClone(t *testing.T) {
	deadline := time.Now().Add(time.Hour)
	orig := &Task{
		ID:       "task-1",
		Title:    "original",
		Deadline: &deadline,
		RequiredResources: []ResourceRequirement{
			{Type: ResourceCPU, Units: 2},
		},
		Params:     map[string]interface{}{"key": "value"},
		Dependents: []string{"task-2"},
		Factors:    &PriorityFactors{Age: 1.5},
	}

	cp := orig.Clone()
	require.NotNil(t, cp)

	// Mutating the copy must not leak into the original.
	cp.Title = "changed"
	cp.RequiredResources[0].Units = 99
	cp.Params["key"] = "other"
	cp.Dependents[0] = "task-9"
	cp.Factors.Age = 7
	*cp.Deadline = cp.Deadline.Add(time.Hour)

	assert.Equal(t, "original", orig.Title)
	assert.Equal(t, float64(2), orig.RequiredResources[0].Units)
	assert.Equal(t, "value", orig.Params["key"])
	assert.Equal(t, "task-2", orig.Dependents[0])
	assert.Equal(t, 1.5, orig.Factors.Age)
	assert.Equal(t, deadline, *orig.Deadline)
}

func TestTaskCloneNil(t *testing.T) {
	var task *Task
	assert.Nil(t, task.Clone())
}

func TestErrorCodes(t *testing.T) {
	err := ErrCycleWouldForm([]string{"b", "a", "b"})
	assert.True(t, IsCode(err, CodeCycleWouldForm))
	assert.False(t, IsCode(err, CodeTaskNotFound))
	assert.Equal(t, CodeCycleWouldForm, CodeOf(err))
	assert.Contains(t, err.Error(), "b -> a -> b")

	wrapped := WrapError(CodeIntegrityFailed, errors.New("short read"), "loading snapshot %s", "snap-1")
	assert.True(t, IsCode(wrapped, CodeIntegrityFailed))
	assert.ErrorContains(t, wrapped, "snap-1")
	assert.ErrorContains(t, errors.Unwrap(wrapped), "short read")
}

func TestCodeOfForeignError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.False(t, IsCode(nil, CodeTaskNotFound))
}
