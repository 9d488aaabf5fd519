// Package models defines the broker's stored entities and the event
// derivation rules that keep task records consistent with their logs.
package models

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/taskplane/taskplane/internal/common/errors"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

const (
	// DefaultRiskScore is assigned to tasks created without one.
	DefaultRiskScore = 0.2

	minTitleLen = 3
	maxTitleLen = 120
)

// Task is the stored task record. Input and LatestStreamID are persisted
// with the blob but never leave the broker through the public API.
type Task struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	RepoURL        string         `json:"repoUrl,omitempty"`
	Branch         string         `json:"branch,omitempty"`
	BaseBranch     string         `json:"baseBranch,omitempty"`
	Constraints    []string       `json:"constraints,omitempty"`
	Status         v1.TaskStatus  `json:"status"`
	Plan           []PlanStep     `json:"plan"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	Assignee       string         `json:"assignee,omitempty"`
	LatestEventID  string         `json:"latestEventId,omitempty"`
	RiskScore      float64        `json:"riskScore"`
	Input          map[string]any `json:"input,omitempty"`
	LatestStreamID string         `json:"latestStreamId,omitempty"`
}

// PlanStep is one step of a task's execution plan.
type PlanStep struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Status      v1.StepStatus `json:"status"`
	Summary     string        `json:"summary,omitempty"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// TaskEvent is one entry of a task's append-only log.
type TaskEvent struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"taskId"`
	Type      v1.EventType   `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Lease records a worker's exclusive hold on a task.
type Lease struct {
	TaskID    string `json:"taskId"`
	WorkerID  string `json:"workerId"`
	LeasedAt  int64  `json:"leasedAt"`
	Renewals  int    `json:"renewals"`
	RenewedAt int64  `json:"renewedAt,omitempty"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Snapshot is a task record plus the retained prefix of its event log.
// Tailing from Cursor yields only events appended after the snapshot.
type Snapshot struct {
	Task   *Task
	Events []*TaskEvent
	Cursor string
}

// TailBatch is one page of a per-task tail read.
type TailBatch struct {
	Events []*TaskEvent
	Cursor string
}

// IndexBatch is one page of the global task-index tail.
type IndexBatch struct {
	Tasks  []*Task
	Cursor string
}

// CreateTaskInput carries the fields a caller may set at creation time.
type CreateTaskInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	RepoURL     string   `json:"repoUrl,omitempty"`
	Branch      string   `json:"branch,omitempty"`
	BaseBranch  string   `json:"baseBranch,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	RiskScore   *float64 `json:"riskScore,omitempty"`
}

// Validate checks the input against the creation rules. It returns an
// AppError so callers can surface the HTTP status directly.
func (in *CreateTaskInput) Validate() error {
	title := strings.TrimSpace(in.Title)
	if utf8.RuneCountInString(title) < minTitleLen {
		return errors.ValidationError("title", "must be at least 3 characters")
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		return errors.ValidationError("title", "must be at most 120 characters")
	}
	if in.RepoURL != "" {
		u, err := url.Parse(in.RepoURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.ValidationError("repoUrl", "must be a valid URL")
		}
	}
	if in.RiskScore != nil && (*in.RiskScore < 0 || *in.RiskScore > 1) {
		return errors.ValidationError("riskScore", "must be between 0 and 1")
	}
	return nil
}

// ToMap returns the input as a payload map, omitting empty fields. The map
// doubles as the stored input blob and the task.created event payload.
func (in *CreateTaskInput) ToMap() map[string]any {
	m := map[string]any{"title": strings.TrimSpace(in.Title)}
	if in.Description != "" {
		m["description"] = in.Description
	}
	if in.RepoURL != "" {
		m["repoUrl"] = in.RepoURL
	}
	if in.Branch != "" {
		m["branch"] = in.Branch
	}
	if in.BaseBranch != "" {
		m["baseBranch"] = in.BaseBranch
	}
	if len(in.Constraints) > 0 {
		m["constraints"] = in.Constraints
	}
	if in.Assignee != "" {
		m["assignee"] = in.Assignee
	}
	if in.RiskScore != nil {
		m["riskScore"] = *in.RiskScore
	}
	return m
}

// NewTask builds a task record from validated input. The caller supplies
// the creation time so stored and derived timestamps share one clock read.
func NewTask(in *CreateTaskInput, now time.Time) *Task {
	risk := DefaultRiskScore
	if in.RiskScore != nil {
		risk = *in.RiskScore
	}
	return &Task{
		ID:          uuid.New().String(),
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		RepoURL:     in.RepoURL,
		Branch:      in.Branch,
		BaseBranch:  in.BaseBranch,
		Constraints: append([]string(nil), in.Constraints...),
		Status:      v1.TaskStatusQueued,
		Plan:        []PlanStep{},
		CreatedAt:   now,
		UpdatedAt:   now,
		Assignee:    in.Assignee,
		RiskScore:   risk,
		Input:       in.ToMap(),
	}
}

// NewTaskEvent builds a broker-synthesized event.
func NewTaskEvent(taskID string, eventType v1.EventType, payload map[string]any) *TaskEvent {
	return &TaskEvent{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Type:      eventType,
		Timestamp: EpochMS(time.Now().UTC()),
		Payload:   payload,
	}
}

// Normalize fills in broker-assigned fields of an incoming event: id,
// timestamp and owning task. Fails when the type is outside the taxonomy.
func (e *TaskEvent) Normalize(taskID string, now time.Time) error {
	if !e.Type.Valid() {
		return errors.ValidationError("type", "unknown event type '"+string(e.Type)+"'")
	}
	e.TaskID = taskID
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp == 0 {
		e.Timestamp = EpochMS(now)
	}
	return nil
}

// ApplyEvent derives record mutations from a persisted event: a plan
// payload overwrites the plan before a status payload is considered, so an
// event carrying both leaves the task with the new plan and the new status.
// UpdatedAt always moves to now and LatestEventID to the event's id.
func (t *Task) ApplyEvent(e *TaskEvent, now time.Time) error {
	if rawPlan, ok := e.Payload["plan"]; ok {
		if _, isList := rawPlan.([]any); isList {
			plan, err := DecodePlan(rawPlan)
			if err != nil {
				return err
			}
			t.Plan = plan
		}
	}
	if rawStatus, ok := e.Payload["status"].(string); ok {
		if status := v1.TaskStatus(rawStatus); status.Valid() {
			t.Status = status
		}
	}
	if assignee, ok := e.Payload["assignee"].(string); ok && assignee != "" {
		t.Assignee = assignee
	}
	t.UpdatedAt = now
	t.LatestEventID = e.ID
	return nil
}

// DecodePlan converts a raw payload value into a plan. Values that are not
// lists of plan steps are rejected.
func DecodePlan(raw any) ([]PlanStep, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.ValidationError("plan", "must be a list of plan steps")
	}
	var plan []PlanStep
	if err := json.Unmarshal(b, &plan); err != nil {
		return nil, errors.ValidationError("plan", "must be a list of plan steps")
	}
	if plan == nil {
		plan = []PlanStep{}
	}
	return plan, nil
}

// Clone returns a copy safe to hand across goroutine boundaries.
func (t *Task) Clone() *Task {
	clone := *t
	clone.Plan = append([]PlanStep(nil), t.Plan...)
	clone.Constraints = append([]string(nil), t.Constraints...)
	if t.Input != nil {
		clone.Input = make(map[string]any, len(t.Input))
		for k, v := range t.Input {
			clone.Input[k] = v
		}
	}
	return &clone
}

// ToAPI converts the stored record to its client-visible form. Input and
// LatestStreamID do not cross this boundary.
func (t *Task) ToAPI() *v1.Task {
	plan := make([]v1.PlanStep, len(t.Plan))
	for i, step := range t.Plan {
		plan[i] = v1.PlanStep{
			ID:          step.ID,
			Title:       step.Title,
			Status:      step.Status,
			Summary:     step.Summary,
			StartedAt:   step.StartedAt,
			CompletedAt: step.CompletedAt,
		}
	}
	return &v1.Task{
		ID:            t.ID,
		Title:         t.Title,
		Description:   t.Description,
		RepoURL:       t.RepoURL,
		Branch:        t.Branch,
		BaseBranch:    t.BaseBranch,
		Constraints:   append([]string(nil), t.Constraints...),
		Status:        t.Status,
		Plan:          plan,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		Assignee:      t.Assignee,
		LatestEventID: t.LatestEventID,
		RiskScore:     t.RiskScore,
	}
}

// ToAPI converts the stored event to its wire form.
func (e *TaskEvent) ToAPI() *v1.TaskEvent {
	return &v1.TaskEvent{
		ID:        e.ID,
		TaskID:    e.TaskID,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	}
}

// ToAPI converts the stored lease to its wire form.
func (l *Lease) ToAPI() *v1.Lease {
	return &v1.Lease{
		TaskID:    l.TaskID,
		WorkerID:  l.WorkerID,
		LeasedAt:  l.LeasedAt,
		Renewals:  l.Renewals,
		RenewedAt: l.RenewedAt,
		ExpiresAt: l.ExpiresAt,
	}
}

// EpochMS converts a time to milliseconds since the Unix epoch.
func EpochMS(t time.Time) int64 {
	return t.UnixMilli()
}
