package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gantrykit/gantry/pkg/api"
	"github.com/gantrykit/gantry/pkg/probe"
	"github.com/gantrykit/gantry/pkg/types"
)

// Client wraps the HTTP API for CLI and programmatic use. Methods
// mirror the server's routes one to one and surface the server's
// stable error codes as typed errors, so types.CodeOf works across
// the wire.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the given base URL, for example
// "http://127.0.0.1:8080". A bare host:port is accepted and assumed
// to be http.
func NewClient(base string) *Client {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// do runs one request and decodes the response into out when given.
// Non-2xx responses are decoded from the error envelope back into a
// typed error carrying the server's stable code.
func (c *Client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var envelope struct {
		Error api.APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Message == "" {
		return fmt.Errorf("client: server returned %s", resp.Status)
	}
	if envelope.Error.Code == "" {
		return fmt.Errorf("client: %s", envelope.Error.Message)
	}
	typed := types.NewError(envelope.Error.Code, "%s", envelope.Error.Message)
	typed.Path = envelope.Error.Path
	return typed
}

// Health returns the daemon's liveness payload.
func (c *Client) Health() (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.do(http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit registers a task and returns its id.
func (c *Client) Submit(req api.SubmitRequest) (string, error) {
	var out api.SubmitResponse
	if err := c.do(http.MethodPost, "/v1/tasks", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Task returns the current state of one task.
func (c *Client) Task(id string) (*types.Task, error) {
	var out types.Task
	if err := c.do(http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tasks lists tasks, optionally filtered by status.
func (c *Client) Tasks(status string) ([]*types.Task, error) {
	path := "/v1/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out api.TaskListResponse
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Cancel cancels a task.
func (c *Client) Cancel(id, reason string) error {
	path := "/v1/tasks/" + url.PathEscape(id)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	return c.do(http.MethodDelete, path, nil, nil)
}

// Records returns the retained execution attempts for a task.
func (c *Client) Records(id string) ([]*types.ExecutionRecord, error) {
	var out api.RecordsResponse
	if err := c.do(http.MethodGet, "/v1/tasks/"+url.PathEscape(id)+"/records", nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// AddDependency creates a typed edge and returns its id.
func (c *Client) AddDependency(dependentID, dependsOnID string, depType types.DependencyType, optional bool) (string, error) {
	var out api.DependencyResponse
	err := c.do(http.MethodPost, "/v1/dependencies", api.DependencyRequest{
		DependentID: dependentID,
		DependsOnID: dependsOnID,
		Type:        depType,
		Optional:    optional,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// RemoveDependency deletes the edge between two tasks.
func (c *Client) RemoveDependency(dependentID, dependsOnID string) error {
	return c.do(http.MethodDelete, "/v1/dependencies", api.DependencyRequest{
		DependentID: dependentID,
		DependsOnID: dependsOnID,
	}, nil)
}

// Sequence plans an execution sequence with the given algorithm, or
// the server default when empty.
func (c *Client) Sequence(algorithm string) (*types.ExecutionSequence, error) {
	path := "/v1/sequence"
	if algorithm != "" {
		path += "?algorithm=" + url.QueryEscape(algorithm)
	}
	var out types.ExecutionSequence
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSnapshot takes a manual snapshot.
func (c *Client) CreateSnapshot() (*types.SnapshotMetadata, error) {
	var out types.SnapshotMetadata
	if err := c.do(http.MethodPost, "/v1/snapshots", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Snapshots lists snapshot metadata, newest first.
func (c *Client) Snapshots() ([]types.SnapshotMetadata, error) {
	var out api.SnapshotListResponse
	if err := c.do(http.MethodGet, "/v1/snapshots", nil, &out); err != nil {
		return nil, err
	}
	return out.Snapshots, nil
}

// RestoreSnapshot restores the queue to a snapshot's state.
func (c *Client) RestoreSnapshot(id string) (*types.SnapshotMetadata, error) {
	var out types.SnapshotMetadata
	if err := c.do(http.MethodPost, "/v1/snapshots/"+url.PathEscape(id)+"/restore", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifySnapshot checks a snapshot's integrity hash.
func (c *Client) VerifySnapshot(id string) error {
	return c.do(http.MethodGet, "/v1/snapshots/"+url.PathEscape(id)+"/verify", nil, nil)
}

// Sessions lists session records along with the daemon's current
// session id.
func (c *Client) Sessions() (*api.SessionListResponse, error) {
	var out api.SessionListResponse
	if err := c.do(http.MethodGet, "/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Recommendations returns the optimizer's current advisory output.
func (c *Client) Recommendations() ([]types.Recommendation, error) {
	var out api.RecommendationsResponse
	if err := c.do(http.MethodGet, "/v1/recommendations", nil, &out); err != nil {
		return nil, err
	}
	return out.Recommendations, nil
}

// Analyze runs an optimizer pass now and returns its findings.
func (c *Client) Analyze() ([]types.Recommendation, error) {
	var out api.RecommendationsResponse
	if err := c.do(http.MethodPost, "/v1/analyze", nil, &out); err != nil {
		return nil, err
	}
	return out.Recommendations, nil
}

// Conflicts lists cross-session conflicts, optionally only the ones
// still awaiting manual resolution.
func (c *Client) Conflicts(pendingOnly bool) ([]*types.SyncConflict, error) {
	path := "/v1/conflicts"
	if pendingOnly {
		path += "?pending=true"
	}
	var out api.ConflictListResponse
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conflicts, nil
}

// ResolveConflict picks the winning side of a pending conflict.
func (c *Client) ResolveConflict(conflictID, winnerID string) (*types.SyncConflict, error) {
	var out types.SyncConflict
	err := c.do(http.MethodPost, "/v1/conflicts/"+url.PathEscape(conflictID)+"/resolve",
		api.ResolveConflictRequest{WinnerID: winnerID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Capabilities lists the executor keys registered on the daemon.
func (c *Client) Capabilities() ([]string, error) {
	var out api.CapabilitiesResponse
	if err := c.do(http.MethodGet, "/v1/capabilities", nil, &out); err != nil {
		return nil, err
	}
	return out.Capabilities, nil
}

// Probes returns the cached verdicts of the daemon's configured probes.
func (c *Client) Probes() (map[string]probe.Status, error) {
	var out api.ProbesResponse
	if err := c.do(http.MethodGet, "/v1/probes", nil, &out); err != nil {
		return nil, err
	}
	return out.Probes, nil
}

// Stats returns queue counters and resource pool usage.
func (c *Client) Stats() (*api.StatsResponse, error) {
	var out api.StatsResponse
	if err := c.do(http.MethodGet, "/v1/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
