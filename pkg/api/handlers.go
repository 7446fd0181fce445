package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gantrykit/gantry/pkg/engine"
	"github.com/gantrykit/gantry/pkg/probe"
	"github.com/gantrykit/gantry/pkg/resource"
	"github.com/gantrykit/gantry/pkg/types"
)

// APIError is the JSON error envelope. Code is the stable
// machine-readable code when the failure carries one; Path holds the
// offending task chain for cycle rejections.
type APIError struct {
	Code    types.ErrorCode `json:"code,omitempty"`
	Message string          `json:"message"`
	Path    []string        `json:"path,omitempty"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

// fail writes the error envelope with the HTTP status mapped from the
// error's stable code.
func fail(c *gin.Context, err error) {
	body := APIError{Code: types.CodeOf(err), Message: err.Error()}
	var typed *types.Error
	if errors.As(err, &typed) {
		body.Path = typed.Path
	}
	c.JSON(httpStatus(err), errorResponse{Error: body})
}

// badRequest reports a malformed request body or parameter.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: APIError{
		Code:    types.CodeInvalidArgument,
		Message: err.Error(),
	}})
}

// httpStatus maps stable error codes onto HTTP statuses. Codes the
// switch does not know are internal failures.
func httpStatus(err error) int {
	switch types.CodeOf(err) {
	case types.CodeTaskNotFound, types.CodeDependencyNotFound,
		types.CodeSnapshotNotFound, types.CodeSessionNotFound:
		return http.StatusNotFound
	case types.CodeInvalidArgument, types.CodeInvalidDependency,
		types.CodeUnknownResource, types.CodeUnknownExecutor:
		return http.StatusBadRequest
	case types.CodeDuplicateTask, types.CodeDuplicateDependency,
		types.CodeCycleWouldForm, types.CodeInvalidTransition,
		types.CodeOwnershipHeld, types.CodeManualResolutionRequired:
		return http.StatusConflict
	case types.CodePreconditionFailed:
		return http.StatusPreconditionFailed
	case types.CodeIntegrityFailed:
		return http.StatusUnprocessableEntity
	case types.CodeQueueClosed, types.CodeReadOnly:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseDuration reads an optional Go duration string ("30s", "5m").
func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

// SubmitRequest is the POST /v1/tasks body. Durations are Go duration
// strings; priority is a bucket value (800 high, 500 medium, 200 low).
type SubmitRequest struct {
	Title             string                      `json:"title"`
	Description       string                      `json:"description"`
	Category          types.TaskCategory          `json:"category"`
	Priority          types.PriorityBucket        `json:"priority"`
	DependsOn         []string                    `json:"dependsOn"`
	Resources         []types.ResourceRequirement `json:"resources"`
	EstimatedDuration string                      `json:"estimatedDuration"`
	Deadline          *time.Time                  `json:"deadline"`
	Timeout           string                      `json:"timeout"`
	TimeoutFatal      bool                        `json:"timeoutFatal"`
	MaxRetries        int                         `json:"maxRetries"`
	Executor          string                      `json:"executor"`
	Params            map[string]interface{}      `json:"params"`
	Preconditions     []string                    `json:"preconditions"`
	Postconditions    []string                    `json:"postconditions"`
	BatchGroup        string                      `json:"batchGroup"`
	BatchCompatible   bool                        `json:"batchCompatible"`
}

// SubmitResponse returns the id of the accepted task.
type SubmitResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	estimated, err := parseDuration(req.EstimatedDuration)
	if err != nil {
		badRequest(c, fmt.Errorf("estimatedDuration: %w", err))
		return
	}
	timeout, err := parseDuration(req.Timeout)
	if err != nil {
		badRequest(c, fmt.Errorf("timeout: %w", err))
		return
	}

	id, err := s.engine.Submit(req.Title, engine.SubmitOptions{
		Description:       req.Description,
		Category:          req.Category,
		Priority:          req.Priority,
		DependsOn:         req.DependsOn,
		Resources:         req.Resources,
		EstimatedDuration: estimated,
		Deadline:          req.Deadline,
		Timeout:           timeout,
		TimeoutFatal:      req.TimeoutFatal,
		MaxRetries:        req.MaxRetries,
		Executor:          req.Executor,
		Params:            req.Params,
		Preconditions:     req.Preconditions,
		Postconditions:    req.Postconditions,
		BatchGroup:        req.BatchGroup,
		BatchCompatible:   req.BatchCompatible,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, SubmitResponse{ID: id})
}

// TaskListResponse wraps the task list with its length.
type TaskListResponse struct {
	Tasks []*types.Task `json:"tasks"`
	Count int           `json:"count"`
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks := s.engine.Tasks()

	if raw := c.Query("status"); raw != "" {
		want := types.TaskStatus(raw)
		filtered := make([]*types.Task, 0, len(tasks))
		for _, t := range tasks {
			if t.Status == want {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	c.JSON(http.StatusOK, TaskListResponse{Tasks: tasks, Count: len(tasks)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.engine.Status(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	reason := c.Query("reason")
	if reason == "" {
		reason = "cancelled via api"
	}
	if err := s.engine.Cancel(c.Param("id"), reason); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RecordsResponse carries execution attempts for a task, oldest first.
type RecordsResponse struct {
	Records []*types.ExecutionRecord `json:"records"`
	Count   int                      `json:"count"`
}

func (s *Server) handleTaskRecords(c *gin.Context) {
	id := c.Param("id")
	// Records alone cannot distinguish "no attempts yet" from an
	// unknown task, so resolve the task first.
	if _, err := s.engine.Status(id); err != nil {
		fail(c, err)
		return
	}
	recs := s.engine.Records(id)
	c.JSON(http.StatusOK, RecordsResponse{Records: recs, Count: len(recs)})
}

func (s *Server) handleTaskHistory(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(c, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	recs, err := s.engine.History(c.Param("id"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, RecordsResponse{Records: recs, Count: len(recs)})
}

// DependencyRequest is the POST and DELETE /v1/dependencies body. Type
// defaults to blocks; DELETE ignores Type and Optional.
type DependencyRequest struct {
	DependentID string               `json:"dependentId"`
	DependsOnID string               `json:"dependsOnId"`
	Type        types.DependencyType `json:"type"`
	Optional    bool                 `json:"optional"`
}

// DependencyResponse returns the id of the created edge.
type DependencyResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleAddDependency(c *gin.Context) {
	var req DependencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	id, err := s.engine.AddDependency(req.DependentID, req.DependsOnID, req.Type, req.Optional)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, DependencyResponse{ID: id})
}

func (s *Server) handleRemoveDependency(c *gin.Context) {
	var req DependencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := s.engine.RemoveDependency(req.DependentID, req.DependsOnID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSequence(c *gin.Context) {
	seq, err := s.engine.Sequence(types.SequenceAlgorithm(c.Query("algorithm")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, seq)
}

func (s *Server) handleCreateSnapshot(c *gin.Context) {
	meta, err := s.engine.CreateSnapshot()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, meta)
}

// SnapshotListResponse wraps snapshot metadata, newest first.
type SnapshotListResponse struct {
	Snapshots []types.SnapshotMetadata `json:"snapshots"`
	Count     int                      `json:"count"`
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	metas, err := s.engine.Snapshots()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SnapshotListResponse{Snapshots: metas, Count: len(metas)})
}

func (s *Server) handleRestoreSnapshot(c *gin.Context) {
	meta, err := s.engine.RestoreSnapshot(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) handleVerifySnapshot(c *gin.Context) {
	if err := s.engine.VerifySnapshot(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleBackupSnapshot(c *gin.Context) {
	if err := s.engine.BackupSnapshot(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ConflictListResponse lists sync conflicts. With ?pending=true only
// unresolved ones are returned.
type ConflictListResponse struct {
	Conflicts []*types.SyncConflict `json:"conflicts"`
	Count     int                   `json:"count"`
}

func (s *Server) handleListConflicts(c *gin.Context) {
	var conflicts []*types.SyncConflict
	if pending, _ := strconv.ParseBool(c.DefaultQuery("pending", "false")); pending {
		conflicts = s.engine.PendingConflicts()
	} else {
		conflicts = s.engine.Conflicts()
	}
	c.JSON(http.StatusOK, ConflictListResponse{Conflicts: conflicts, Count: len(conflicts)})
}

// ResolveConflictRequest names the change that should win.
type ResolveConflictRequest struct {
	WinnerID string `json:"winnerId"`
}

func (s *Server) handleResolveConflict(c *gin.Context) {
	var req ResolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resolved, err := s.engine.ResolveConflict(c.Param("id"), req.WinnerID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved)
}

// SessionListResponse lists every session record on disk, including
// terminated and crashed ones.
type SessionListResponse struct {
	Sessions []*types.Session `json:"sessions"`
	Current  string           `json:"current"`
	Count    int              `json:"count"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.engine.Sessions()
	c.JSON(http.StatusOK, SessionListResponse{
		Sessions: sessions,
		Current:  s.engine.SessionID(),
		Count:    len(sessions),
	})
}

// RecommendationsResponse carries the optimizer's advisory output.
type RecommendationsResponse struct {
	Recommendations []types.Recommendation `json:"recommendations"`
	Count           int                    `json:"count"`
}

func (s *Server) handleRecommendations(c *gin.Context) {
	recs := s.engine.Recommendations()
	c.JSON(http.StatusOK, RecommendationsResponse{Recommendations: recs, Count: len(recs)})
}

// handleAnalyze runs an analysis pass immediately instead of waiting
// for the next scheduled one. Advisory only; nothing mutates.
func (s *Server) handleAnalyze(c *gin.Context) {
	recs := s.engine.Analyze()
	c.JSON(http.StatusOK, RecommendationsResponse{Recommendations: recs, Count: len(recs)})
}

// CapabilitiesResponse lists the registered executor keys.
type CapabilitiesResponse struct {
	Capabilities []string `json:"capabilities"`
	Count        int      `json:"count"`
}

func (s *Server) handleCapabilities(c *gin.Context) {
	caps := s.engine.Capabilities()
	c.JSON(http.StatusOK, CapabilitiesResponse{Capabilities: caps, Count: len(caps)})
}

// ProbesResponse carries the cached verdicts keyed by probe name.
type ProbesResponse struct {
	Probes map[string]probe.Status `json:"probes"`
	Count  int                     `json:"count"`
}

func (s *Server) handleListProbes(c *gin.Context) {
	statuses := s.engine.Probes()
	c.JSON(http.StatusOK, ProbesResponse{Probes: statuses, Count: len(statuses)})
}

// StatsResponse is the operator dashboard payload: queue counters plus
// per-pool resource usage.
type StatsResponse struct {
	SessionID string                                    `json:"sessionId"`
	Queue     types.QueueMetrics                        `json:"queue"`
	Resources map[types.ResourceType]resource.PoolUsage `json:"resources"`
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, StatsResponse{
		SessionID: s.engine.SessionID(),
		Queue:     s.engine.Metrics(),
		Resources: s.engine.Usage(),
	})
}
