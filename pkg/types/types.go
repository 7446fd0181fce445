package types

import (
	"time"
)

// TaskCategory classifies the kind of work a task performs
type TaskCategory string

const (
	CategoryFeature  TaskCategory = "feature"
	CategoryBug      TaskCategory = "bug"
	CategoryTest     TaskCategory = "test"
	CategoryDoc      TaskCategory = "doc"
	CategoryRefactor TaskCategory = "refactor"
	CategorySecurity TaskCategory = "security"
	CategoryPerf     TaskCategory = "perf"
	CategoryInfra    TaskCategory = "infra"
)

// PriorityBucket is the client-assigned base priority of a task.
// The priority engine multiplies this base by dynamic factors.
type PriorityBucket int

const (
	PriorityCritical   PriorityBucket = 1000
	PriorityHigh       PriorityBucket = 800
	PriorityMedium     PriorityBucket = 500
	PriorityLow        PriorityBucket = 200
	PriorityBackground PriorityBucket = 50
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusBlocked   TaskStatus = "blocked"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
// Terminal tasks ignore cancellation and never re-enter the queue.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// validTransitions encodes the task state machine. Re-entry into
// pending is only allowed from a retriable running failure.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusQueued, TaskStatusBlocked, TaskStatusCancelled},
	TaskStatusQueued:  {TaskStatusRunning, TaskStatusBlocked, TaskStatusCancelled},
	TaskStatusBlocked: {TaskStatusPending, TaskStatusCancelled},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed, TaskStatusPending, TaskStatusCancelled},
}

// CanTransition reports whether the state machine allows moving a task
// from one status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ResourceType identifies a resource pool. The four built-in pools are
// listed below; arbitrary user keys are also valid.
type ResourceType string

const (
	ResourceCPU     ResourceType = "cpu"
	ResourceMemory  ResourceType = "memory"
	ResourceNetwork ResourceType = "network"
	ResourceDisk    ResourceType = "disk"
)

// ResourceRequirement declares how many units of a typed pool a task
// needs for the duration of its execution.
type ResourceRequirement struct {
	Type  ResourceType `json:"type"`
	Units float64      `json:"units"`
}

// Task is the unit of schedulable work. Tasks are opaque to the engine:
// execution happens through the capability registered under ExecutorKey.
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Category    TaskCategory   `json:"category"`
	Priority    PriorityBucket `json:"priority"`
	Status      TaskStatus     `json:"status"`

	CreatedAt   time.Time  `json:"createdAt"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt time.Time  `json:"completedAt"`
	Deadline    *time.Time `json:"deadline,omitempty"`

	EstimatedDuration time.Duration `json:"estimatedDuration"`
	ActualDuration    time.Duration `json:"actualDuration"`

	// Timeout bounds a single execution attempt. Zero means the harness
	// default. TimeoutFatal turns a timed-out attempt into a fatal
	// failure instead of a retriable one.
	Timeout      time.Duration `json:"timeout,omitempty"`
	TimeoutFatal bool          `json:"timeoutFatal,omitempty"`

	RetryCount int `json:"retryCount"`
	MaxRetries int `json:"maxRetries"`

	RequiredResources []ResourceRequirement `json:"requiredResources,omitempty"`

	// Pre/post-condition predicates are referenced by name and resolved
	// through the executor registry at admission and completion time.
	Preconditions  []string `json:"preconditions,omitempty"`
	Postconditions []string `json:"postconditions,omitempty"`

	BatchCompatible bool   `json:"batchCompatible,omitempty"`
	BatchGroup      string `json:"batchGroup,omitempty"`

	// ExecutorKey names the capability that runs this task. The key is
	// persisted; the code behind it is re-resolved after restart.
	ExecutorKey string                 `json:"executorKey"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`

	DynamicPriority float64          `json:"dynamicPriority"`
	Factors         *PriorityFactors `json:"factors,omitempty"`

	// Dependents is the reverse reference: ids of tasks that declare a
	// dependency on this one. Maintained by the dependency graph.
	Dependents []string `json:"dependents,omitempty"`

	// Version is the ownership fingerprint used for optimistic locking
	// and version-based conflict resolution. Monotonic per task.
	Version int64 `json:"version"`

	LastError string `json:"lastError,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// Clone returns a deep copy of the task. Snapshots and API responses
// operate on copies so callers never alias queue-owned state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Deadline != nil {
		d := *t.Deadline
		cp.Deadline = &d
	}
	if t.RequiredResources != nil {
		cp.RequiredResources = append([]ResourceRequirement(nil), t.RequiredResources...)
	}
	cp.Preconditions = append([]string(nil), t.Preconditions...)
	cp.Postconditions = append([]string(nil), t.Postconditions...)
	cp.Dependents = append([]string(nil), t.Dependents...)
	if t.Params != nil {
		cp.Params = make(map[string]interface{}, len(t.Params))
		for k, v := range t.Params {
			cp.Params[k] = v
		}
	}
	if t.Outputs != nil {
		cp.Outputs = make(map[string]interface{}, len(t.Outputs))
		for k, v := range t.Outputs {
			cp.Outputs[k] = v
		}
	}
	if t.Factors != nil {
		f := *t.Factors
		cp.Factors = &f
	}
	return &cp
}

// DependencyType describes the semantics of an edge between two tasks
type DependencyType string

const (
	// DependencyBlocks orders execution: the dependent may not start
	// until the dependency completes.
	DependencyBlocks DependencyType = "blocks"

	// DependencyEnables also orders execution but is non-fatal if an
	// external actor violates it.
	DependencyEnables DependencyType = "enables"

	// DependencyConflicts forbids simultaneous execution of both tasks.
	DependencyConflicts DependencyType = "conflicts"

	// DependencyEnhances is an affinity hint only; it never constrains
	// ordering or admission.
	DependencyEnhances DependencyType = "enhances"
)

// Ordering reports whether the edge type contributes to the ordering
// subgraph used for cycle detection and topological sorting.
func (d DependencyType) Ordering() bool {
	return d == DependencyBlocks || d == DependencyEnables
}

// TaskDependency is a typed edge between two tasks.
type TaskDependency struct {
	ID          string         `json:"id"`
	DependentID string         `json:"dependentId"`
	DependsOnID string         `json:"dependsOnId"`
	Type        DependencyType `json:"type"`
	Optional    bool           `json:"optional,omitempty"`

	// MinDelay is the minimum time that must elapse between the
	// dependency completing and the dependent starting.
	MinDelay time.Duration `json:"minDelay,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// SessionStatus represents the liveness of a session
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusInactive   SessionStatus = "inactive"
	SessionStatusCrashed    SessionStatus = "crashed"
	SessionStatusTerminated SessionStatus = "terminated"

	// SessionStatusUnrecoverable marks a crashed session whose recovery
	// attempt failed and was rolled back. Operators intervene manually.
	SessionStatusUnrecoverable SessionStatus = "unrecoverable"
)

// Session is a process-level owner of mutations, kept alive by heartbeat.
type Session struct {
	ID            string        `json:"id"`
	AgentID       string        `json:"agentId"`
	StartedAt     time.Time     `json:"startedAt"`
	LastHeartbeat time.Time     `json:"lastHeartbeat"`
	Status        SessionStatus `json:"status"`

	// TerminatedAt is the graceful shutdown record. A session without
	// one whose heartbeat goes stale is declared crashed.
	TerminatedAt *time.Time `json:"terminatedAt,omitempty"`

	TasksProcessed int64 `json:"tasksProcessed"`
	Errors         int64 `json:"errors"`
	Operations     int64 `json:"operations"`
}

// Clone returns a deep copy of the session record.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.TerminatedAt != nil {
		t := *s.TerminatedAt
		cp.TerminatedAt = &t
	}
	return &cp
}

// OwnershipMode controls how many sessions may hold a task at once
type OwnershipMode string

const (
	OwnershipExclusive OwnershipMode = "exclusive"
	OwnershipShared    OwnershipMode = "shared"
	OwnershipReadOnly  OwnershipMode = "read-only"
)

// TaskOwnership binds a task to a session for the duration of an
// operation. At most one exclusive holder exists per task.
type TaskOwnership struct {
	TaskID     string        `json:"taskId"`
	SessionID  string        `json:"sessionId"`
	AgentID    string        `json:"agentId"`
	AcquiredAt time.Time     `json:"acquiredAt"`
	ExpiresAt  time.Time     `json:"expiresAt"`
	Mode       OwnershipMode `json:"mode"`
	ParentLock string        `json:"parentLock,omitempty"`
}

// SnapshotKind distinguishes why a snapshot was taken
type SnapshotKind string

const (
	SnapshotAutomatic     SnapshotKind = "automatic"
	SnapshotManual        SnapshotKind = "manual"
	SnapshotCrashRecovery SnapshotKind = "crash_recovery"
)

// SnapshotMetadata carries everything about a snapshot except its body.
// The integrity hash covers the body only, never this block.
type SnapshotMetadata struct {
	ID                 string       `json:"id"`
	Timestamp          time.Time    `json:"timestamp"`
	Version            string       `json:"version"`
	SessionID          string       `json:"sessionId"`
	TaskCount          int          `json:"taskCount"`
	QueueState         string       `json:"queueState"`
	ActiveTransactions []string     `json:"activeTransactions,omitempty"`
	IntegrityHash      string       `json:"integrityHash"`
	Size               int64        `json:"size"`
	Compression        string       `json:"compression,omitempty"`
	Kind               SnapshotKind `json:"kind"`
}

// Snapshot is a consistent, integrity-hashed serialization of the full
// queue state. Snapshots are shared by value; restoring one yields an
// observationally equivalent queue.
type Snapshot struct {
	Metadata         SnapshotMetadata              `json:"metadata"`
	Tasks            map[string]*Task              `json:"tasks"`
	Dependencies     map[string]*TaskDependency    `json:"dependencies"`
	ExecutionRecords map[string][]*ExecutionRecord `json:"executionRecords"`
	Metrics          QueueMetrics                  `json:"metrics"`
	CustomData       map[string]interface{}        `json:"customData,omitempty"`
}

// TxnOperation is the kind of mutation a log entry records
type TxnOperation string

const (
	TxnCreate     TxnOperation = "create"
	TxnUpdate     TxnOperation = "update"
	TxnDelete     TxnOperation = "delete"
	TxnTransition TxnOperation = "transition"
)

// EntityKind names the structure a log entry mutated
type EntityKind string

const (
	EntityTask       EntityKind = "task"
	EntityDependency EntityKind = "dependency"
	EntitySession    EntityKind = "session"
	EntityResource   EntityKind = "resource"
	EntitySnapshot   EntityKind = "snapshot"
)

// TransactionLogEntry records a single state mutation. Entries are
// append-only; a checksum mismatch marks the entry unverifiable but
// never halts replay of the rest of the log.
type TransactionLogEntry struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	SessionID string       `json:"sessionId"`
	Op        TxnOperation `json:"op"`
	Kind      EntityKind   `json:"kind"`
	EntityID  string       `json:"entityId"`
	Before    interface{}  `json:"before,omitempty"`
	After     interface{}  `json:"after,omitempty"`
	Checksum  string       `json:"checksum"`

	// Unverifiable is set at load time when the stored checksum does
	// not match the recomputed one. Never persisted as true by a writer.
	Unverifiable bool `json:"unverifiable,omitempty"`
}

// ExecutionRecord captures one execution attempt of a task.
type ExecutionRecord struct {
	TaskID      string                `json:"taskId"`
	ExecutionID string                `json:"executionId"`
	StartedAt   time.Time             `json:"startedAt"`
	EndedAt     time.Time             `json:"endedAt"`
	Duration    time.Duration         `json:"duration"`
	Status      TaskStatus            `json:"status"`
	Error       string                `json:"error,omitempty"`
	Attempt     int                   `json:"attempt"`
	Resources   []ResourceRequirement `json:"resources,omitempty"`
	SessionID   string                `json:"sessionId,omitempty"`
}

// PriorityFactors itemizes the multiplicative inputs that produced a
// task's dynamic priority. Returned alongside Recompute for audit.
type PriorityFactors struct {
	Age                    float64 `json:"age"`
	UserImportance         float64 `json:"userImportance"`
	SystemCriticality      float64 `json:"systemCriticality"`
	DependencyWeight       float64 `json:"dependencyWeight"`
	ResourceAvailability   float64 `json:"resourceAvailability"`
	ExecutionHistory       float64 `json:"executionHistory"`
	CriticalPathMultiplier float64 `json:"criticalPathMultiplier"`
}

// SequenceAlgorithm selects how the sequencer orders work
type SequenceAlgorithm string

const (
	AlgorithmPriority        SequenceAlgorithm = "priority"
	AlgorithmDependencyAware SequenceAlgorithm = "dependency-aware"
	AlgorithmResourceOptimal SequenceAlgorithm = "resource-optimal"
	AlgorithmHybrid          SequenceAlgorithm = "hybrid"
)

// ExecutionSequence is the sequencer's output: a linear extension of
// the ordering subgraph plus the parallel structure discovered in it.
type ExecutionSequence struct {
	Order             []string          `json:"order"`
	ParallelGroups    [][]string        `json:"parallelGroups,omitempty"`
	CriticalPath      []string          `json:"criticalPath,omitempty"`
	EstimatedDuration time.Duration     `json:"estimatedDuration"`
	Algorithm         SequenceAlgorithm `json:"algorithm"`
	Constraints       map[string]string `json:"constraints,omitempty"`
	GeneratedAt       time.Time         `json:"generatedAt"`
	TaskCount         int               `json:"taskCount"`
}

// ImpactAnalysis describes what depends on a task.
type ImpactAnalysis struct {
	TaskID             string   `json:"taskId"`
	DirectDependents   []string `json:"directDependents"`
	IndirectDependents []string `json:"indirectDependents"`
	OnCriticalPath     bool     `json:"onCriticalPath"`
	TotalImpact        int      `json:"totalImpact"`
}

// ResolutionStrategy selects how a sync conflict is resolved
type ResolutionStrategy string

const (
	ResolveLastWriteWins  ResolutionStrategy = "last-write-wins"
	ResolveFirstWriteWins ResolutionStrategy = "first-write-wins"
	ResolveVersionBased   ResolutionStrategy = "version-based"
	ResolveMerge          ResolutionStrategy = "merge"
	ResolveManual         ResolutionStrategy = "manual"
)

// DataChange is one session's recorded mutation of an entity, as seen
// by the conflict detector scanning the transaction log.
type DataChange struct {
	ID           string                 `json:"id"`
	SessionID    string                 `json:"sessionId"`
	Kind         EntityKind             `json:"kind"`
	EntityID     string                 `json:"entityId"`
	Timestamp    time.Time              `json:"timestamp"`
	Version      int64                  `json:"version"`
	Payload      interface{}            `json:"payload,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Synchronized bool                   `json:"synchronized"`
}

// SyncConflict records concurrent mutations of one entity by multiple
// sessions inside the detection window.
type SyncConflict struct {
	ID         string             `json:"id"`
	Kind       EntityKind         `json:"kind"`
	EntityID   string             `json:"entityId"`
	DetectedAt time.Time          `json:"detectedAt"`
	Changes    []DataChange       `json:"changes"`
	Strategy   ResolutionStrategy `json:"strategy,omitempty"`
	WinnerID   string             `json:"winnerId,omitempty"`
	Resolved   bool               `json:"resolved"`
	ResolvedAt time.Time          `json:"resolvedAt"`
}

// QueueMetrics is a point-in-time summary of queue activity. It is
// embedded in snapshots and exported through prometheus.
type QueueMetrics struct {
	Pending   int `json:"pending"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Blocked   int `json:"blocked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	TotalSubmitted int64 `json:"totalSubmitted"`
	TotalCompleted int64 `json:"totalCompleted"`
	TotalFailed    int64 `json:"totalFailed"`
	TotalRetries   int64 `json:"totalRetries"`
	TotalConflicts int64 `json:"totalConflicts"`
	LeakedReleases int64 `json:"leakedReleases"`

	AvgWait time.Duration `json:"avgWait"`
	AvgRun  time.Duration `json:"avgRun"`
}

// Recommendation is advisory output from the optimizer. It never
// mutates engine state.
type Recommendation struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Severity  string            `json:"severity"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}
