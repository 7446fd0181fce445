package resource

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gantrykit/gantry/pkg/metrics"
	"github.com/gantrykit/gantry/pkg/types"
)

// PoolUsage is a point-in-time view of one pool
type PoolUsage struct {
	Type      types.ResourceType `json:"type"`
	Capacity  float64            `json:"capacity"`
	Allocated float64            `json:"allocated"`
}

// Available returns the unallocated units
func (u PoolUsage) Available() float64 {
	return u.Capacity - u.Allocated
}

// Allocation is the handle returned by Allocate. Every allocation must
// be released exactly once on every exit path; Release is idempotent so
// defensive double-release in cleanup paths is harmless.
type Allocation struct {
	ID         string                          `json:"id"`
	TaskID     string                          `json:"taskId"`
	SessionID  string                          `json:"sessionId"`
	Units      map[types.ResourceType]float64 `json:"units"`
	AcquiredAt time.Time                       `json:"acquiredAt"`
}

// Manager tracks typed resource pools. Allocation is all-or-nothing:
// either every requirement fits and the whole set commits, or nothing
// changes and the caller gets InsufficientResources naming the first
// pool that could not satisfy its share.
type Manager struct {
	mu          sync.Mutex
	pools       map[types.ResourceType]*PoolUsage
	allocations map[string]*Allocation
}

// DefaultCapacities returns the built-in pool sizes used when the
// configuration does not override them
func DefaultCapacities() map[types.ResourceType]float64 {
	return map[types.ResourceType]float64{
		types.ResourceCPU:     8,
		types.ResourceMemory:  16,
		types.ResourceNetwork: 10,
		types.ResourceDisk:    100,
	}
}

// NewManager creates pools with the given capacities. Arbitrary resource
// keys are allowed; tasks may only request registered pools.
func NewManager(capacities map[types.ResourceType]float64) *Manager {
	m := &Manager{
		pools:       make(map[types.ResourceType]*PoolUsage, len(capacities)),
		allocations: make(map[string]*Allocation),
	}
	for rt, capacity := range capacities {
		m.pools[rt] = &PoolUsage{Type: rt, Capacity: capacity}
		metrics.ResourceUtilization.WithLabelValues(string(rt)).Set(0)
	}
	return m
}

// AddPool registers (or resizes) a pool
func (m *Manager) AddPool(rt types.ResourceType, capacity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pool, ok := m.pools[rt]; ok {
		pool.Capacity = capacity
	} else {
		m.pools[rt] = &PoolUsage{Type: rt, Capacity: capacity}
	}
	m.publish(rt)
}

// CanAdmit reports whether every requirement of the task fits the
// remaining capacity right now
func (m *Manager) CanAdmit(task *types.Task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fits(task.RequiredResources) == nil
}

// Allocate reserves the task's requirements as one unit. On any
// shortfall nothing is reserved.
func (m *Manager) Allocate(task *types.Task, sessionID string) (*Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fits(task.RequiredResources); err != nil {
		return nil, err
	}

	alloc := &Allocation{
		ID:         uuid.New().String(),
		TaskID:     task.ID,
		SessionID:  sessionID,
		Units:      make(map[types.ResourceType]float64, len(task.RequiredResources)),
		AcquiredAt: time.Now().UTC(),
	}
	for _, req := range task.RequiredResources {
		if req.Units <= 0 {
			continue
		}
		m.pools[req.Type].Allocated += req.Units
		alloc.Units[req.Type] += req.Units
		m.publish(req.Type)
	}

	m.allocations[alloc.ID] = alloc
	return alloc, nil
}

// Release returns an allocation's units to their pools. Releasing an
// already-released or nil handle is a no-op.
func (m *Manager) Release(alloc *Allocation) {
	if alloc == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, live := m.allocations[alloc.ID]; !live {
		return
	}
	delete(m.allocations, alloc.ID)

	for rt, units := range alloc.Units {
		pool, ok := m.pools[rt]
		if !ok {
			continue
		}
		pool.Allocated -= units
		if pool.Allocated < 0 {
			pool.Allocated = 0
		}
		m.publish(rt)
	}
}

// ReleaseTask force-releases every live allocation held by a task,
// returning how many were reclaimed. Used by the harness when a
// capability ignores its cancellation grace window.
func (m *Manager) ReleaseTask(taskID string) int {
	m.mu.Lock()
	var stale []*Allocation
	for _, alloc := range m.allocations {
		if alloc.TaskID == taskID {
			stale = append(stale, alloc)
		}
	}
	m.mu.Unlock()

	for _, alloc := range stale {
		m.Release(alloc)
	}
	return len(stale)
}

// Usage returns a copy of every pool's state
func (m *Manager) Usage() map[types.ResourceType]PoolUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[types.ResourceType]PoolUsage, len(m.pools))
	for rt, pool := range m.pools {
		out[rt] = *pool
	}
	return out
}

// Availability returns the product over the given requirements of
// available/capacity per pool, the resourceAvailability priority factor.
// Tasks with no requirements score 1. Unknown pools score 0.
func (m *Manager) Availability(reqs []types.ResourceRequirement) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	factor := 1.0
	for _, req := range reqs {
		pool, ok := m.pools[req.Type]
		if !ok || pool.Capacity <= 0 {
			return 0
		}
		factor *= pool.Available() / pool.Capacity
	}
	return factor
}

// LiveAllocations returns the number of outstanding handles
func (m *Manager) LiveAllocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allocations)
}

// fits validates requirements against remaining capacity; caller holds
// the lock
func (m *Manager) fits(reqs []types.ResourceRequirement) error {
	// Requirements may repeat a pool; sum them before checking.
	needed := make(map[types.ResourceType]float64, len(reqs))
	for _, req := range reqs {
		if req.Units <= 0 {
			continue
		}
		needed[req.Type] += req.Units
	}

	for rt, units := range needed {
		pool, ok := m.pools[rt]
		if !ok {
			return types.NewError(types.CodeUnknownResource, "no resource pool registered for %q", rt)
		}
		if pool.Allocated+units > pool.Capacity {
			return types.ErrInsufficientResources(rt, units, pool.Available())
		}
	}
	return nil
}

// publish updates the utilization gauge; caller holds the lock
func (m *Manager) publish(rt types.ResourceType) {
	pool := m.pools[rt]
	if pool.Capacity <= 0 {
		return
	}
	metrics.ResourceUtilization.WithLabelValues(string(rt)).Set(pool.Allocated / pool.Capacity)
}
