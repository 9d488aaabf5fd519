// Package api provides the broker's HTTP surface: the public task API, the
// SSE streams and the internal worker endpoints.
package api

import (
	"github.com/taskplane/taskplane/internal/task/models"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// CreateTaskRequest is the body of POST /tasks.
type CreateTaskRequest struct {
	Title       string   `json:"title" binding:"required"`
	Description string   `json:"description"`
	RepoURL     string   `json:"repoUrl"`
	Branch      string   `json:"branch"`
	BaseBranch  string   `json:"baseBranch"`
	Constraints []string `json:"constraints"`
}

func (r *CreateTaskRequest) toInput() *models.CreateTaskInput {
	return &models.CreateTaskInput{
		Title:       r.Title,
		Description: r.Description,
		RepoURL:     r.RepoURL,
		Branch:      r.Branch,
		BaseBranch:  r.BaseBranch,
		Constraints: r.Constraints,
	}
}

// Response types

// TaskResponse wraps a single task.
type TaskResponse struct {
	Task *v1.Task `json:"task"`
}

// TasksListResponse wraps the task listing.
type TasksListResponse struct {
	Tasks []*v1.Task `json:"tasks"`
	Total int        `json:"total"`
}

// SnapshotResponse carries a task together with the retained prefix of its
// event log and the cursor to tail from.
type SnapshotResponse struct {
	Task   *v1.Task        `json:"task"`
	Events []*v1.TaskEvent `json:"events"`
	Cursor string          `json:"cursor"`
}

// IndexSnapshotPayload is the first frame of the index SSE stream.
type IndexSnapshotPayload struct {
	Tasks []*v1.Task `json:"tasks"`
}

// HealthResponse reports broker component health.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Bus    string `json:"bus"`
}

func snapshotToResponse(snap *models.Snapshot) *SnapshotResponse {
	events := make([]*v1.TaskEvent, len(snap.Events))
	for i, e := range snap.Events {
		events[i] = e.ToAPI()
	}
	return &SnapshotResponse{
		Task:   snap.Task.ToAPI(),
		Events: events,
		Cursor: snap.Cursor,
	}
}

func tasksToAPI(tasks []*models.Task) []*v1.Task {
	out := make([]*v1.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.ToAPI()
	}
	return out
}
