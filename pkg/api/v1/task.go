// Package v1 defines the wire types shared by the broker API and its
// worker clients.
package v1

import "time"

// TaskStatus represents the lifecycle state of a task. Status is always
// derived from the task's event log, never set directly.
type TaskStatus string

const (
	// TaskStatusQueued is the initial state: waiting for a worker.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusPlanning means a worker is drafting an execution plan.
	TaskStatusPlanning TaskStatus = "planning"
	// TaskStatusExecuting means the plan is being carried out.
	TaskStatusExecuting TaskStatus = "executing"
	// TaskStatusAwaitingApproval means the task is blocked on a human decision.
	TaskStatusAwaitingApproval TaskStatus = "awaiting_approval"
	// TaskStatusPaused means the task was suspended while executing.
	TaskStatusPaused TaskStatus = "paused"
	// TaskStatusCompleted is terminal success.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed is terminal failure.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusPlanning, TaskStatusExecuting,
		TaskStatusAwaitingApproval, TaskStatusPaused,
		TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// StepStatus represents the state of a single plan step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// EventType identifies a kind of task event. The set is closed: appends
// with any other type are rejected.
type EventType string

const (
	EventTaskCreated           EventType = "task.created"
	EventTaskUpdated           EventType = "task.updated"
	EventTaskCompleted         EventType = "task.completed"
	EventTaskFailed            EventType = "task.failed"
	EventTaskAwaitingApproval  EventType = "task.awaiting_approval"
	EventTaskApprovalResolved  EventType = "task.approval_resolved"
	EventTaskArtifactGenerated EventType = "task.artifact_generated"
	EventTaskFileUpdated       EventType = "task.file_updated"
	EventPlanUpdated           EventType = "plan.updated"
	EventPlanStepStarted       EventType = "plan.step_started"
	EventPlanStepCompleted     EventType = "plan.step_completed"
	EventLogEntry              EventType = "log.entry"
)

var eventTypes = map[EventType]struct{}{
	EventTaskCreated:           {},
	EventTaskUpdated:           {},
	EventTaskCompleted:         {},
	EventTaskFailed:            {},
	EventTaskAwaitingApproval:  {},
	EventTaskApprovalResolved:  {},
	EventTaskArtifactGenerated: {},
	EventTaskFileUpdated:       {},
	EventPlanUpdated:           {},
	EventPlanStepStarted:       {},
	EventPlanStepCompleted:     {},
	EventLogEntry:              {},
}

// Valid reports whether t belongs to the closed event taxonomy.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// Task is the client-visible task record.
type Task struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	RepoURL       string     `json:"repoUrl,omitempty"`
	Branch        string     `json:"branch,omitempty"`
	BaseBranch    string     `json:"baseBranch,omitempty"`
	Constraints   []string   `json:"constraints,omitempty"`
	Status        TaskStatus `json:"status"`
	Plan          []PlanStep `json:"plan"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	Assignee      string     `json:"assignee,omitempty"`
	LatestEventID string     `json:"latestEventId,omitempty"`
	RiskScore     float64    `json:"riskScore"`
}

// PlanStep is one step of a task's execution plan.
type PlanStep struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Status      StepStatus `json:"status"`
	Summary     string     `json:"summary,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TaskEvent is one entry of a task's append-only event log. Timestamp is
// milliseconds since the Unix epoch.
type TaskEvent struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"taskId"`
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Lease records a worker's exclusive hold on a task. All times are
// milliseconds since the Unix epoch.
type Lease struct {
	TaskID    string `json:"taskId"`
	WorkerID  string `json:"workerId"`
	LeasedAt  int64  `json:"leasedAt"`
	Renewals  int    `json:"renewals"`
	RenewedAt int64  `json:"renewedAt,omitempty"`
	ExpiresAt int64  `json:"expiresAt"`
}

// ClaimTaskRequest asks the broker for the next queued task.
type ClaimTaskRequest struct {
	WorkerID string `json:"workerId" binding:"required"`
}

// ClaimTaskResponse carries a claimed task together with the original
// create payload the submitter provided.
type ClaimTaskResponse struct {
	Task  *Task          `json:"task"`
	Input map[string]any `json:"input,omitempty"`
}

// AckTaskRequest finishes (or returns) a claimed task.
type AckTaskRequest struct {
	Requeue bool `json:"requeue,omitempty"`
}

// ExtendLeaseRequest renews a worker's lease on a task.
type ExtendLeaseRequest struct {
	WorkerID string `json:"workerId" binding:"required"`
	TTLMS    int64  `json:"ttlMs,omitempty"`
}

// ExtendLeaseResponse returns the renewed lease.
type ExtendLeaseResponse struct {
	Lease *Lease `json:"lease"`
}

// AppendEventRequest appends an event to a task's log. ID and Timestamp
// are assigned by the broker when omitted.
type AppendEventRequest struct {
	ID        string         `json:"id,omitempty"`
	Type      EventType      `json:"type" binding:"required"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// AppendEventResponse returns the persisted event.
type AppendEventResponse struct {
	Event *TaskEvent `json:"event"`
}

// QueueStats reports queue depth and live lease count.
type QueueStats struct {
	Queued int64 `json:"queued"`
	Leased int64 `json:"leased"`
}
