package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

func TestTaskLifecycle(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	var taskID string

	t.Run("Create", func(t *testing.T) {
		task := ts.CreateTask(t, "Fix flaky login test", "The login suite fails on retry")
		taskID = task.ID

		assert.NotEmpty(t, task.ID)
		assert.Equal(t, v1.TaskStatusQueued, task.Status)

		stats := ts.QueueStats(t)
		assert.Equal(t, int64(1), stats.Queued)
		assert.Equal(t, int64(0), stats.Leased)
	})

	t.Run("Claim", func(t *testing.T) {
		claim := ts.ClaimTask(t, "worker-1")
		require.NotNil(t, claim)

		assert.Equal(t, taskID, claim.Task.ID)
		assert.Equal(t, "Fix flaky login test", claim.Input["title"])

		stats := ts.QueueStats(t)
		assert.Equal(t, int64(0), stats.Queued)
		assert.Equal(t, int64(1), stats.Leased)
	})

	t.Run("Progress", func(t *testing.T) {
		ts.AppendEvent(t, taskID, v1.EventTaskUpdated, map[string]any{
			"status": string(v1.TaskStatusPlanning),
		})
		ts.AppendEvent(t, taskID, v1.EventLogEntry, map[string]any{
			"message": "reading the login suite",
		})

		snap := ts.GetSnapshot(t, taskID)
		assert.Equal(t, v1.TaskStatusPlanning, snap.Task.Status)
		assert.Len(t, snap.Events, 3)
	})

	t.Run("Complete", func(t *testing.T) {
		ts.AppendEvent(t, taskID, v1.EventTaskCompleted, map[string]any{
			"status": string(v1.TaskStatusCompleted),
		})
		ts.AckTask(t, taskID, false)

		snap := ts.GetSnapshot(t, taskID)
		assert.Equal(t, v1.TaskStatusCompleted, snap.Task.Status)

		require.Len(t, snap.Events, 4)
		types := make([]v1.EventType, len(snap.Events))
		for i, e := range snap.Events {
			types[i] = e.Type
		}
		assert.Equal(t, []v1.EventType{
			v1.EventTaskCreated,
			v1.EventTaskUpdated,
			v1.EventLogEntry,
			v1.EventTaskCompleted,
		}, types)

		stats := ts.QueueStats(t)
		assert.Equal(t, int64(0), stats.Queued)
		assert.Equal(t, int64(0), stats.Leased)
	})

	t.Run("EmptyQueue", func(t *testing.T) {
		assert.Nil(t, ts.ClaimTask(t, "worker-1"))
	})
}

func TestLeaseExpiryRequeuesTask(t *testing.T) {
	ts := NewTestServerWithConfig(t, BrokerConfig{
		LeaseTTL:     60 * time.Millisecond,
		ReapInterval: 20 * time.Millisecond,
		ClaimBlock:   100 * time.Millisecond,
	})
	defer ts.Close()

	task := ts.CreateTask(t, "Long migration", "")

	claim := ts.ClaimTask(t, "worker-1")
	require.NotNil(t, claim)
	require.Equal(t, task.ID, claim.Task.ID)

	// worker-1 never heartbeats; the reaper sweeps the lease back onto the
	// queue and worker-2 picks the task up.
	var reclaimed *v1.ClaimTaskResponse
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if reclaimed = ts.ClaimTask(t, "worker-2"); reclaimed != nil {
			break
		}
	}
	require.NotNil(t, reclaimed, "expired lease was never requeued")
	assert.Equal(t, task.ID, reclaimed.Task.ID)

	// The stale worker cannot renew a lease it no longer holds.
	resp := ts.doInternal(t, http.MethodPost, "/internal/worker/tasks/"+task.ID+"/lease", v1.ExtendLeaseRequest{
		WorkerID: "worker-1",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDeleteReleasesQueueState(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	task := ts.CreateTask(t, "Abandoned experiment", "")

	stats := ts.QueueStats(t)
	require.Equal(t, int64(1), stats.Queued)

	resp := ts.doInternal(t, http.MethodDelete, "/internal/tasks/"+task.ID, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	stats = ts.QueueStats(t)
	assert.Equal(t, int64(0), stats.Queued)
	assert.Equal(t, int64(0), stats.Leased)

	get := ts.do(t, http.MethodGet, "/tasks/"+task.ID, nil)
	get.Body.Close()
	assert.Equal(t, http.StatusNotFound, get.StatusCode)

	// The deleted id never reaches a worker.
	assert.Nil(t, ts.ClaimTask(t, "worker-1"))
}
