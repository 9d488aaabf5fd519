package repository

import (
	"context"
	"time"

	"github.com/taskplane/taskplane/internal/task/models"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// Repository defines the interface for task storage operations. Tasks are
// event-sourced: every mutation flows through AppendEvent, which persists
// the event and the derived record as one atomic unit.
type Repository interface {
	// CreateTask validates the input, persists the new record and appends
	// the synthetic task.created event.
	CreateTask(ctx context.Context, input *models.CreateTaskInput) (*models.Task, error)

	// GetTask returns the task record.
	GetTask(ctx context.Context, id string) (*models.Task, error)

	// ListTasks returns all known tasks, newest first.
	ListTasks(ctx context.Context) ([]*models.Task, error)

	// AppendEvent normalizes the event, derives record mutations from it and
	// persists both. It returns the persisted event and the resulting task.
	AppendEvent(ctx context.Context, taskID string, event *models.TaskEvent) (*models.TaskEvent, *models.Task, error)

	// UpdateStatus synthesizes a task.updated event carrying the status and
	// any extra payload fields, then appends it.
	UpdateStatus(ctx context.Context, taskID string, status v1.TaskStatus, extra map[string]any) (*models.Task, error)

	// Snapshot returns the task, the retained prefix of its event log and a
	// cursor positioned at the last returned event.
	Snapshot(ctx context.Context, taskID string) (*models.Snapshot, error)

	// TailTask returns events appended strictly after the cursor, blocking
	// up to block when none are available yet.
	TailTask(ctx context.Context, taskID, cursor string, block time.Duration, maxCount int) (*models.TailBatch, error)

	// TailIndex returns task snapshots recorded on the global index stream
	// strictly after the cursor.
	TailIndex(ctx context.Context, cursor string, block time.Duration, maxCount int) (*models.IndexBatch, error)

	// IndexCursor returns the current end position of the global index
	// stream. Tailing from it yields only entries recorded afterwards.
	IndexCursor(ctx context.Context) (string, error)

	// DeleteTask removes the record, its log and its index membership.
	// Retention is operator-driven; the broker never calls this on its own.
	DeleteTask(ctx context.Context, id string) error

	// Ping checks that the underlying store is reachable.
	Ping(ctx context.Context) error

	// Close closes the repository (for store connections).
	Close() error
}
