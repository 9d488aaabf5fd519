package repository

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/task/models"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

type streamEntry struct {
	seq   int64
	event *models.TaskEvent
}

type indexEntry struct {
	seq  int64
	task *models.Task
}

// MemoryRepository is an in-memory Repository for development and tests.
// It mirrors the store contract: atomic appends, bounded logs, monotonic
// cursors and blocking tails.
type MemoryRepository struct {
	mu     sync.RWMutex
	tasks  map[string]*models.Task
	events map[string][]streamEntry
	index  []indexEntry
	seq    int64
	notify chan struct{}
	trim   int
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(trimThreshold int) *MemoryRepository {
	return &MemoryRepository{
		tasks:  make(map[string]*models.Task),
		events: make(map[string][]streamEntry),
		notify: make(chan struct{}),
		trim:   trimThreshold,
	}
}

// CreateTask validates the input, stores the record and appends the
// synthetic task.created event.
func (m *MemoryRepository) CreateTask(ctx context.Context, input *models.CreateTaskInput) (*models.Task, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := models.NewTask(input, now)
	event := models.NewTaskEvent(task.ID, v1.EventTaskCreated, input.ToMap())
	if err := task.ApplyEvent(event, now); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.commit(task, event)
	m.mu.Unlock()

	return task.Clone(), nil
}

// GetTask returns a copy of the task record.
func (m *MemoryRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	return task.Clone(), nil
}

// ListTasks returns all tasks, newest first.
func (m *MemoryRepository) ListTasks(ctx context.Context) ([]*models.Task, error) {
	m.mu.RLock()
	tasks := make([]*models.Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task.Clone())
	}
	m.mu.RUnlock()

	sortTasks(tasks)
	return tasks, nil
}

// AppendEvent normalizes, derives and stores the event with the updated
// record under one lock acquisition.
func (m *MemoryRepository) AppendEvent(ctx context.Context, taskID string, event *models.TaskEvent) (*models.TaskEvent, *models.Task, error) {
	now := time.Now().UTC()
	if err := event.Normalize(taskID, now); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	stored, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, nil, errors.NotFound("task", taskID)
	}

	task := stored.Clone()
	if err := task.ApplyEvent(event, now); err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}

	m.commit(task, event)
	m.mu.Unlock()

	return cloneEvent(event), task.Clone(), nil
}

// UpdateStatus appends a synthesized task.updated event carrying the status
// plus any extra payload fields.
func (m *MemoryRepository) UpdateStatus(ctx context.Context, taskID string, status v1.TaskStatus, extra map[string]any) (*models.Task, error) {
	payload := map[string]any{"status": string(status)}
	for k, v := range extra {
		payload[k] = v
	}
	event := models.NewTaskEvent(taskID, v1.EventTaskUpdated, payload)
	_, task, err := m.AppendEvent(ctx, taskID, event)
	return task, err
}

// Snapshot returns the record, its retained events and a cursor at the last
// retained event.
func (m *MemoryRepository) Snapshot(ctx context.Context, taskID string) (*models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}

	entries := m.events[taskID]
	events := make([]*models.TaskEvent, 0, len(entries))
	for _, entry := range entries {
		events = append(events, cloneEvent(entry.event))
	}

	cursor := task.LatestStreamID
	if cursor == "" {
		cursor = StreamStart
	}
	return &models.Snapshot{Task: task.Clone(), Events: events, Cursor: cursor}, nil
}

// TailTask returns events appended strictly after cursor, waiting up to
// block for new ones.
func (m *MemoryRepository) TailTask(ctx context.Context, taskID, cursor string, block time.Duration, maxCount int) (*models.TailBatch, error) {
	after := parseCursor(cursor)
	deadline := time.Now().Add(block)

	for {
		m.mu.RLock()
		_, ok := m.tasks[taskID]
		if !ok {
			m.mu.RUnlock()
			return nil, errors.NotFound("task", taskID)
		}

		batch := &models.TailBatch{Events: []*models.TaskEvent{}, Cursor: cursorString(after)}
		for _, entry := range m.events[taskID] {
			if entry.seq <= after {
				continue
			}
			batch.Events = append(batch.Events, cloneEvent(entry.event))
			batch.Cursor = cursorString(entry.seq)
			if maxCount > 0 && len(batch.Events) >= maxCount {
				break
			}
		}
		notify := m.notify
		m.mu.RUnlock()

		if len(batch.Events) > 0 {
			return batch, nil
		}

		remaining := time.Until(deadline)
		if block <= 0 || remaining <= 0 {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return batch, nil
		case <-notify:
		case <-time.After(remaining):
			return batch, nil
		}
	}
}

// TailIndex returns task snapshots recorded strictly after cursor on the
// global index stream.
func (m *MemoryRepository) TailIndex(ctx context.Context, cursor string, block time.Duration, maxCount int) (*models.IndexBatch, error) {
	after := parseCursor(cursor)
	deadline := time.Now().Add(block)

	for {
		m.mu.RLock()
		batch := &models.IndexBatch{Tasks: []*models.Task{}, Cursor: cursorString(after)}
		for _, entry := range m.index {
			if entry.seq <= after {
				continue
			}
			batch.Tasks = append(batch.Tasks, entry.task.Clone())
			batch.Cursor = cursorString(entry.seq)
			if maxCount > 0 && len(batch.Tasks) >= maxCount {
				break
			}
		}
		notify := m.notify
		m.mu.RUnlock()

		if len(batch.Tasks) > 0 {
			return batch, nil
		}

		remaining := time.Until(deadline)
		if block <= 0 || remaining <= 0 {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return batch, nil
		case <-notify:
		case <-time.After(remaining):
			return batch, nil
		}
	}
}

// IndexCursor returns the current end position of the index stream.
func (m *MemoryRepository) IndexCursor(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cursorString(m.seq), nil
}

// DeleteTask removes the record and its event log. Historical index stream
// entries are retained, matching the store-backed behavior.
func (m *MemoryRepository) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return errors.NotFound("task", id)
	}
	delete(m.tasks, id)
	delete(m.events, id)
	return nil
}

// Ping always succeeds for the in-memory repository.
func (m *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for in-memory repository
func (m *MemoryRepository) Close() error {
	return nil
}

// commit stores the applied record, appends the event and the sanitized
// index snapshot, trims both logs and wakes blocked tails. Callers hold mu.
func (m *MemoryRepository) commit(task *models.Task, event *models.TaskEvent) {
	m.seq++
	task.LatestStreamID = cursorString(m.seq)

	entries := append(m.events[task.ID], streamEntry{seq: m.seq, event: cloneEvent(event)})
	if len(entries) > m.trim {
		entries = entries[len(entries)-m.trim:]
	}
	m.events[task.ID] = entries
	m.tasks[task.ID] = task.Clone()

	m.seq++
	snapshot := task.Clone()
	snapshot.Input = nil
	snapshot.LatestStreamID = ""
	m.index = append(m.index, indexEntry{seq: m.seq, task: snapshot})
	if len(m.index) > m.trim {
		m.index = m.index[len(m.index)-m.trim:]
	}

	close(m.notify)
	m.notify = make(chan struct{})
}

func cloneEvent(e *models.TaskEvent) *models.TaskEvent {
	clone := *e
	if e.Payload != nil {
		clone.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			clone.Payload[k] = v
		}
	}
	return &clone
}

func cursorString(seq int64) string {
	return strconv.FormatInt(seq, 10) + "-0"
}

// parseCursor reads the sequence part of a cursor. Unparseable cursors read
// from the beginning.
func parseCursor(cursor string) int64 {
	seqPart, _, found := strings.Cut(cursor, "-")
	if !found {
		seqPart = cursor
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
