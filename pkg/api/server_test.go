package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrykit/gantry/pkg/config"
	"github.com/gantrykit/gantry/pkg/engine"
	"github.com/gantrykit/gantry/pkg/events"
	"github.com/gantrykit/gantry/pkg/executor"
	"github.com/gantrykit/gantry/pkg/types"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.AgentID = "api-test"
	cfg.Queue.TickInterval = config.Duration(10 * time.Millisecond)

	eng, err := engine.New(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.RegisterCapability("noop", executor.Func(
		func(ctx context.Context, task *types.Task) (*executor.Result, error) {
			return &executor.Result{}, nil
		})))
	require.NoError(t, eng.RegisterCondition("hold", func(*types.Task) bool { return false }))
	require.NoError(t, eng.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx, true)
	})
	return eng
}

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	eng := newTestEngine(t)
	return NewServer(eng, Config{Version: "test"}), eng
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func submitTask(t *testing.T, s *Server, body SubmitRequest) string {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/v1/tasks", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func waitTaskStatus(t *testing.T, s *Server, id string, want types.TaskStatus) types.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		w := doJSON(t, s, http.MethodGet, "/v1/tasks/"+id, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var task types.Task
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
	return types.Task{}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealthz(t *testing.T) {
	s, eng := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, eng.SessionID(), resp.SessionID)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gantry_")
}

func TestSubmitAndTrackTask(t *testing.T) {
	s, _ := newTestServer(t)

	id := submitTask(t, s, SubmitRequest{
		Title:             "build artifacts",
		Description:       "compile and package",
		Priority:          types.PriorityHigh,
		EstimatedDuration: "2s",
		Executor:          "noop",
	})

	task := waitTaskStatus(t, s, id, types.TaskStatusCompleted)
	assert.Equal(t, "build artifacts", task.Title)
	assert.Equal(t, types.PriorityHigh, task.Priority)

	w := doJSON(t, s, http.MethodGet, "/v1/tasks/"+id+"/records", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var recs RecordsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Equal(t, 1, recs.Count)
	assert.Equal(t, types.TaskStatusCompleted, recs.Records[0].Status)

	w = doJSON(t, s, http.MethodGet, "/v1/tasks/"+id+"/history?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist RecordsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Equal(t, 1, hist.Count)
}

func TestListTasksStatusFilter(t *testing.T) {
	s, _ := newTestServer(t)

	held := submitTask(t, s, SubmitRequest{
		Title: "waiting", Executor: "noop", Preconditions: []string{"hold"},
	})
	done := submitTask(t, s, SubmitRequest{Title: "done", Executor: "noop"})
	waitTaskStatus(t, s, done, types.TaskStatusCompleted)

	w := doJSON(t, s, http.MethodGet, "/v1/tasks?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp TaskListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, held, resp.Tasks[0].ID)

	w = doJSON(t, s, http.MethodGet, "/v1/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestSubmitValidation(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/tasks", SubmitRequest{Title: "no executor"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, types.CodeInvalidArgument, decodeError(t, w).Code)

	w = doJSON(t, s, http.MethodPost, "/v1/tasks", SubmitRequest{
		Title: "bad duration", Executor: "noop", Timeout: "soonish",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Message, "timeout")

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/v1/tasks/ghost", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, types.CodeTaskNotFound, decodeError(t, w).Code)

	w = doJSON(t, s, http.MethodDelete, "/v1/tasks/ghost", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/tasks/ghost/records", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelHeldTask(t *testing.T) {
	s, _ := newTestServer(t)

	id := submitTask(t, s, SubmitRequest{
		Title: "parked", Executor: "noop", Preconditions: []string{"hold"},
	})

	w := doJSON(t, s, http.MethodDelete, "/v1/tasks/"+id+"?reason=operator", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	task := waitTaskStatus(t, s, id, types.TaskStatusCancelled)
	assert.Equal(t, types.TaskStatusCancelled, task.Status)
}

func TestDependencyEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	a := submitTask(t, s, SubmitRequest{
		Title: "a", Executor: "noop", Preconditions: []string{"hold"},
	})
	b := submitTask(t, s, SubmitRequest{
		Title: "b", Executor: "noop", Preconditions: []string{"hold"},
	})

	w := doJSON(t, s, http.MethodPost, "/v1/dependencies", DependencyRequest{
		DependentID: b, DependsOnID: a,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created DependencyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)

	// The reverse edge closes a cycle; the envelope carries the path.
	w = doJSON(t, s, http.MethodPost, "/v1/dependencies", DependencyRequest{
		DependentID: a, DependsOnID: b,
	})
	require.Equal(t, http.StatusConflict, w.Code)
	apiErr := decodeError(t, w)
	assert.Equal(t, types.CodeCycleWouldForm, apiErr.Code)
	assert.NotEmpty(t, apiErr.Path)

	w = doJSON(t, s, http.MethodDelete, "/v1/dependencies", DependencyRequest{
		DependentID: b, DependsOnID: a,
	})
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestSequenceEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	a := submitTask(t, s, SubmitRequest{
		Title: "first", Executor: "noop", Preconditions: []string{"hold"},
	})
	b := submitTask(t, s, SubmitRequest{
		Title: "second", Executor: "noop", Preconditions: []string{"hold"},
	})
	w := doJSON(t, s, http.MethodPost, "/v1/dependencies", DependencyRequest{
		DependentID: b, DependsOnID: a,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/sequence", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var seq types.ExecutionSequence
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &seq))
	require.Equal(t, []string{a, b}, seq.Order)
	assert.Equal(t, 2, seq.TaskCount)

	w = doJSON(t, s, http.MethodGet, "/v1/sequence?algorithm=bogus", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, types.CodeInvalidArgument, decodeError(t, w).Code)
}

func TestSnapshotEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	submitTask(t, s, SubmitRequest{
		Title: "state", Executor: "noop", Preconditions: []string{"hold"},
	})

	w := doJSON(t, s, http.MethodPost, "/v1/snapshots", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var meta types.SnapshotMetadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	require.NotEmpty(t, meta.ID)
	assert.Equal(t, types.SnapshotManual, meta.Kind)
	assert.Equal(t, 1, meta.TaskCount)

	w = doJSON(t, s, http.MethodGet, "/v1/snapshots", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list SnapshotListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.GreaterOrEqual(t, list.Count, 1)

	w = doJSON(t, s, http.MethodGet, "/v1/snapshots/"+meta.ID+"/verify", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/snapshots/"+meta.ID+"/restore", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var restored types.SnapshotMetadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &restored))
	assert.Equal(t, meta.ID, restored.ID)

	w = doJSON(t, s, http.MethodPost, "/v1/snapshots/ghost/restore", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, types.CodeSnapshotNotFound, decodeError(t, w).Code)
}

func TestSessionsEndpoint(t *testing.T) {
	s, eng := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp SessionListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, eng.SessionID(), resp.Current)
	require.GreaterOrEqual(t, resp.Count, 1)

	found := false
	for _, sess := range resp.Sessions {
		if sess.ID == resp.Current {
			found = true
			assert.Equal(t, "api-test", sess.AgentID)
		}
	}
	assert.True(t, found, "current session missing from list")
}

func TestConflictsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/v1/conflicts?pending=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp ConflictListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)

	w = doJSON(t, s, http.MethodPost, "/v1/conflicts/ghost/resolve", ResolveConflictRequest{
		WinnerID: "whatever",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, types.CodeInvalidArgument, decodeError(t, w).Code)
}

func TestCapabilitiesAndStats(t *testing.T) {
	s, _ := newTestServer(t)

	done := submitTask(t, s, SubmitRequest{Title: "work", Executor: "noop"})
	waitTaskStatus(t, s, done, types.TaskStatusCompleted)

	w := doJSON(t, s, http.MethodGet, "/v1/capabilities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var caps CapabilitiesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &caps))
	assert.Contains(t, caps.Capabilities, "noop")

	w = doJSON(t, s, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.GreaterOrEqual(t, stats.Queue.TotalSubmitted, int64(1))
	assert.Contains(t, stats.Resources, types.ResourceCPU)
	assert.NotEmpty(t, stats.SessionID)
}

func TestProbesEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.AgentID = "api-test"
	cfg.Queue.TickInterval = config.Duration(10 * time.Millisecond)
	cfg.Probes = map[string]config.ProbeConfig{
		"upstream-live": {
			Kind:     "http",
			Target:   upstream.URL,
			Interval: config.Duration(10 * time.Millisecond),
		},
	}

	eng, err := engine.New(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx, true)
	})
	s := NewServer(eng, Config{Version: "test"})

	require.Eventually(t, func() bool {
		w := doJSON(t, s, http.MethodGet, "/v1/probes", nil)
		if w.Code != http.StatusOK {
			return false
		}
		var resp ProbesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		st, ok := resp.Probes["upstream-live"]
		return ok && resp.Count == 1 && st.Healthy && !st.LastCheck.IsZero()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRecommendationsAndAnalyze(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/v1/recommendations", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/analyze", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp RecommendationsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, len(resp.Recommendations), resp.Count)
}

func TestReadOnlyMode(t *testing.T) {
	eng := newTestEngine(t)
	s := NewServer(eng, Config{ReadOnly: true})

	w := doJSON(t, s, http.MethodPost, "/v1/tasks", SubmitRequest{
		Title: "nope", Executor: "noop",
	})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, types.CodeReadOnly, decodeError(t, w).Code)

	w = doJSON(t, s, http.MethodGet, "/v1/tasks", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Analyze mutates nothing and stays available.
	w = doJSON(t, s, http.MethodPost, "/v1/analyze", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEventStreamDeliversTaskEvents(t *testing.T) {
	s, eng := newTestServer(t)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/ws?types=task-completed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// Give the stream goroutine a beat to register its subscription.
	time.Sleep(50 * time.Millisecond)

	id, err := eng.Submit("ws-task", engine.SubmitOptions{Executor: "noop"})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.EventTaskCompleted, ev.Type)
	assert.Equal(t, id, ev.TaskID)
}

func TestEventStreamFilters(t *testing.T) {
	s, eng := newTestServer(t)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/ws?types=snapshot-created"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	time.Sleep(50 * time.Millisecond)

	// Task lifecycle noise must not reach a snapshot-only subscriber.
	id, err := eng.Submit("noise", engine.SubmitOptions{Executor: "noop"})
	require.NoError(t, err)
	waitTaskStatus(t, s, id, types.TaskStatusCompleted)

	_, err = eng.CreateSnapshot()
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.EventSnapshotCreated, ev.Type)
	assert.NotEmpty(t, ev.SnapshotID)
}

func TestStopDisconnectsStreams(t *testing.T) {
	s, _ := newTestServer(t)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway),
		"expected going-away close, got %v", err)
}
