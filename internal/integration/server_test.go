// Package integration provides end-to-end tests for the Taskplane broker:
// the full stack wired in-process and driven over real HTTP, SSE and
// WebSocket connections.
package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/taskplane/taskplane/internal/common/config"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events"
	"github.com/taskplane/taskplane/internal/events/bus"
	"github.com/taskplane/taskplane/internal/gateway"
	"github.com/taskplane/taskplane/internal/queue"
	"github.com/taskplane/taskplane/internal/task/api"
	"github.com/taskplane/taskplane/internal/task/repository"
	"github.com/taskplane/taskplane/internal/task/service"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

const internalToken = "integration-token"

// BrokerConfig tunes the timing-sensitive parts of the stack. Zero fields
// fall back to values safe for functional tests.
type BrokerConfig struct {
	LeaseTTL     time.Duration
	ReapInterval time.Duration
	ClaimBlock   time.Duration
}

// TestServer wires the full broker in-process: memory repository and queue,
// in-memory event bus, lease reaper, HTTP API and the WebSocket gateway.
type TestServer struct {
	Server   *httptest.Server
	Service  *service.Service
	Queue    queue.Queue
	EventBus bus.EventBus
	Reaper   *queue.Reaper
	Hub      *gateway.Hub
	Logger   *logger.Logger
	cancel   context.CancelFunc
}

// NewTestServer creates a broker with default timings.
func NewTestServer(t *testing.T) *TestServer {
	return NewTestServerWithConfig(t, BrokerConfig{})
}

// NewTestServerWithConfig creates a broker with the given timings.
func NewTestServerWithConfig(t *testing.T, cfg BrokerConfig) *TestServer {
	t.Helper()

	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = 50 * time.Millisecond
	}
	if cfg.ClaimBlock == 0 {
		cfg.ClaimBlock = 200 * time.Millisecond
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	eventBus := bus.NewMemoryEventBus(log)
	broadcaster := events.NewBroadcaster(eventBus, log)

	repo := repository.NewMemoryRepository(1000)
	q := queue.NewMemoryQueue(cfg.LeaseTTL, cfg.LeaseTTL/2, cfg.LeaseTTL*10)

	reaper := queue.NewReaper(q, cfg.ReapInterval, log)
	reaper.Start(ctx)

	svc := service.NewService(repo, q, broadcaster, service.Config{
		ClaimBlock:     cfg.ClaimBlock,
		TailBlock:      100 * time.Millisecond,
		LeaseTTL:       cfg.LeaseTTL,
		TaskTailLimit:  100,
		IndexTailLimit: 100,
	}, log)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	api.SetupRoutes(router, svc, eventBus, config.AuthConfig{
		InternalToken:     internalToken,
		SessionCookieName: "taskplane_session",
	}, log)

	hub := gateway.NewHub(eventBus, log)
	require.NoError(t, hub.Start(ctx))
	router.GET("/ws/tasks", gateway.NewHandler(hub, log).HandleConnection)

	server := httptest.NewServer(router)

	return &TestServer{
		Server:   server,
		Service:  svc,
		Queue:    q,
		EventBus: eventBus,
		Reaper:   reaper,
		Hub:      hub,
		Logger:   log,
		cancel:   cancel,
	}
}

// Close shuts down the broker.
func (ts *TestServer) Close() {
	ts.cancel()
	ts.Reaper.Stop()
	ts.Server.Close()
	ts.EventBus.Close()
}

// do issues a request against the public API.
func (ts *TestServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return ts.request(t, method, path, body, "")
}

// doInternal issues a request against the internal API with the worker token.
func (ts *TestServer) doInternal(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return ts.request(t, method, path, body, internalToken)
}

func (ts *TestServer) request(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.Server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.Server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

// decodeJSON decodes a response body and closes it.
func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// CreateTask creates a task through the public API.
func (ts *TestServer) CreateTask(t *testing.T, title, description string) *v1.Task {
	t.Helper()

	resp := ts.do(t, http.MethodPost, "/tasks", map[string]any{
		"title":       title,
		"description": description,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeJSON[api.TaskResponse](t, resp)
	require.NotNil(t, created.Task)
	return created.Task
}

// ClaimTask claims the next queued task for workerID. It returns nil when
// the queue stayed empty for the claim block.
func (ts *TestServer) ClaimTask(t *testing.T, workerID string) *v1.ClaimTaskResponse {
	t.Helper()

	resp := ts.doInternal(t, http.MethodPost, "/internal/worker/tasks", v1.ClaimTaskRequest{WorkerID: workerID})
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil
	}
	require.Equal(t, http.StatusOK, resp.StatusCode)

	claim := decodeJSON[v1.ClaimTaskResponse](t, resp)
	return &claim
}

// AckTask settles a claimed task, optionally requeueing it.
func (ts *TestServer) AckTask(t *testing.T, taskID string, requeue bool) {
	t.Helper()

	resp := ts.doInternal(t, http.MethodPost, "/internal/worker/tasks/"+taskID+"/ack", v1.AckTaskRequest{Requeue: requeue})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// AppendEvent appends an event to a task's log through the internal API.
func (ts *TestServer) AppendEvent(t *testing.T, taskID string, eventType v1.EventType, payload map[string]any) *v1.TaskEvent {
	t.Helper()

	resp := ts.doInternal(t, http.MethodPost, "/internal/tasks/"+taskID+"/events", v1.AppendEventRequest{
		Type:    eventType,
		Payload: payload,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	appended := decodeJSON[v1.AppendEventResponse](t, resp)
	require.NotNil(t, appended.Event)
	return appended.Event
}

// GetSnapshot fetches a task snapshot and requires success.
func (ts *TestServer) GetSnapshot(t *testing.T, taskID string) *api.SnapshotResponse {
	t.Helper()

	resp := ts.do(t, http.MethodGet, "/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap := decodeJSON[api.SnapshotResponse](t, resp)
	return &snap
}

// QueueStats fetches queue depth and lease count.
func (ts *TestServer) QueueStats(t *testing.T) *v1.QueueStats {
	t.Helper()

	resp := ts.doInternal(t, http.MethodGet, "/internal/queue/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats := decodeJSON[v1.QueueStats](t, resp)
	return &stats
}

// WaitForStatus polls the snapshot until the task reaches the wanted status.
func (ts *TestServer) WaitForStatus(t *testing.T, taskID string, status v1.TaskStatus, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap := ts.GetSnapshot(t, taskID)
		if snap.Task.Status == status {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s within %v", taskID, status, timeout)
}

// WaitForDrainedQueue polls queue stats until nothing is queued or leased.
func (ts *TestServer) WaitForDrainedQueue(t *testing.T, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	var stats *v1.QueueStats
	for time.Now().Before(deadline) {
		stats = ts.QueueStats(t)
		if stats.Queued == 0 && stats.Leased == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("queue never drained: queued=%d leased=%d", stats.Queued, stats.Leased)
}

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	Event string
	Data  json.RawMessage
}

// TailEvents reads SSE frames from path until the stop event shows up,
// either live or already embedded in the snapshot frame. It returns
// everything read including the stopping frame.
func (ts *TestServer) TailEvents(t *testing.T, path string, stop v1.EventType, timeout time.Duration) []sseFrame {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.Server.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := ts.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var frames []sseFrame
	var current sseFrame
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Event != "" {
				frames = append(frames, current)
				if frameCarries(t, current, stop) {
					return frames
				}
			}
			current = sseFrame{}
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		}
	}
	t.Fatalf("stream ended before %s arrived, read %d frames", stop, len(frames))
	return nil
}

// frameCarries reports whether the frame is the stop event itself or a
// snapshot frame that already contains it.
func frameCarries(t *testing.T, f sseFrame, stop v1.EventType) bool {
	t.Helper()

	if f.Event == string(stop) {
		return true
	}
	if f.Event != "snapshot" {
		return false
	}
	var snap api.SnapshotResponse
	require.NoError(t, json.Unmarshal(f.Data, &snap))
	for _, e := range snap.Events {
		if e.Type == stop {
			return true
		}
	}
	return false
}
