package service

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events"
	"github.com/taskplane/taskplane/internal/events/bus"
	"github.com/taskplane/taskplane/internal/queue"
	"github.com/taskplane/taskplane/internal/task/models"
	"github.com/taskplane/taskplane/internal/task/repository"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// recordingBus implements bus.EventBus and captures published envelopes.
type recordingBus struct {
	mu        sync.Mutex
	published []publishedEvent
}

type publishedEvent struct {
	subject string
	event   *bus.Event
}

func (m *recordingBus) Publish(ctx context.Context, subject string, event *bus.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedEvent{subject: subject, event: event})
	return nil
}

func (m *recordingBus) Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}

func (m *recordingBus) Close() {}

func (m *recordingBus) IsConnected() bool { return true }

func (m *recordingBus) events() []publishedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishedEvent(nil), m.published...)
}

func (m *recordingBus) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

func createTestService(t *testing.T) (*Service, *recordingBus, *repository.MemoryRepository, *queue.MemoryQueue) {
	t.Helper()
	repo := repository.NewMemoryRepository(100)
	q := queue.NewMemoryQueue(60*time.Second, 15*time.Second, 300*time.Second)
	eventBus := &recordingBus{}
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	cfg := Config{
		ClaimBlock:     100 * time.Millisecond,
		TailBlock:      50 * time.Millisecond,
		LeaseTTL:       60 * time.Second,
		TaskTailLimit:  50,
		IndexTailLimit: 100,
	}
	svc := NewService(repo, q, events.NewBroadcaster(eventBus, log), cfg, log)
	return svc, eventBus, repo, q
}

func validCreateInput() *models.CreateTaskInput {
	return &models.CreateTaskInput{
		Title:   "Implement retry logic",
		RepoURL: "https://github.com/acme/api",
	}
}

func TestServiceCreateTask(t *testing.T) {
	svc, eventBus, _, q := createTestService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, validCreateInput())
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.ID == "" {
		t.Error("expected task ID to be set")
	}
	if task.Status != v1.TaskStatusQueued {
		t.Errorf("expected status queued, got %s", task.Status)
	}

	stats, _ := q.Stats(ctx)
	if stats.Queued != 1 {
		t.Errorf("expected created task to be queued, got %+v", stats)
	}

	published := eventBus.events()
	if len(published) != 1 {
		t.Fatalf("expected 1 published envelope, got %d", len(published))
	}
	if published[0].subject != events.BuildTaskUpdatedSubject(task.ID) {
		t.Errorf("unexpected subject %q", published[0].subject)
	}
}

func TestServiceCreateTaskInvalidInput(t *testing.T) {
	svc, eventBus, _, q := createTestService(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, &models.CreateTaskInput{Title: "ab"})
	if !apperrors.IsBadRequest(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Queued != 0 {
		t.Errorf("expected nothing queued after rejected create, got %+v", stats)
	}
	if len(eventBus.events()) != 0 {
		t.Errorf("expected no envelopes after rejected create")
	}
}

func TestServiceClaimReturnsTaskAndInput(t *testing.T) {
	svc, _, _, _ := createTestService(t)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, validCreateInput())
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	resp, err := svc.Claim(ctx, "worker-1", 0)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if resp == nil || resp.Task == nil {
		t.Fatal("expected a claimed task")
	}
	if resp.Task.ID != created.ID {
		t.Errorf("expected task %s, got %s", created.ID, resp.Task.ID)
	}
	if resp.Input["title"] != "Implement retry logic" {
		t.Errorf("expected original input to be returned, got %+v", resp.Input)
	}
}

func TestServiceClaimEmptyQueue(t *testing.T) {
	svc, _, _, _ := createTestService(t)

	resp, err := svc.Claim(context.Background(), "worker-1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if resp != nil {
		t.Errorf("expected nil response on empty queue, got %+v", resp)
	}
}

func TestServiceClaimMissingWorkerID(t *testing.T) {
	svc, _, _, _ := createTestService(t)

	_, err := svc.Claim(context.Background(), "", 0)
	if !apperrors.IsBadRequest(err) {
		t.Errorf("expected bad request for empty workerId, got %v", err)
	}
}

func TestServiceClaimDropsVanishedTask(t *testing.T) {
	svc, _, repo, q := createTestService(t)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, validCreateInput())
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	// Remove the record underneath the queue entry.
	if err := repo.DeleteTask(ctx, created.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}

	resp, err := svc.Claim(ctx, "worker-1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if resp != nil {
		t.Errorf("expected nil response for vanished task, got %+v", resp)
	}

	stats, _ := q.Stats(ctx)
	if stats.Queued != 0 || stats.Leased != 0 {
		t.Errorf("expected vanished id to be drained from the queue, got %+v", stats)
	}
}

func TestServiceAppendEventBroadcasts(t *testing.T) {
	svc, eventBus, _, _ := createTestService(t)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, validCreateInput())
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	eventBus.clear()

	persisted, err := svc.AppendEvent(ctx, created.ID, &v1.AppendEventRequest{
		Type:    v1.EventTaskUpdated,
		Payload: map[string]any{"status": "executing"},
	})
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if persisted.ID == "" || persisted.Timestamp == 0 {
		t.Errorf("expected broker-assigned id and timestamp, got %+v", persisted)
	}

	task, err := svc.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != v1.TaskStatusExecuting {
		t.Errorf("expected derived status executing, got %s", task.Status)
	}

	published := eventBus.events()
	if len(published) != 2 {
		t.Fatalf("expected event + update envelopes, got %d", len(published))
	}
	if published[0].subject != events.BuildTaskEventsSubject(created.ID) {
		t.Errorf("expected event envelope first, got subject %q", published[0].subject)
	}
	if published[1].subject != events.BuildTaskUpdatedSubject(created.ID) {
		t.Errorf("expected update envelope second, got subject %q", published[1].subject)
	}
}

func TestServiceAppendEventUnknownType(t *testing.T) {
	svc, eventBus, _, _ := createTestService(t)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, validCreateInput())
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	eventBus.clear()

	_, err = svc.AppendEvent(ctx, created.ID, &v1.AppendEventRequest{Type: "task.exploded"})
	if !apperrors.IsBadRequest(err) {
		t.Fatalf("expected validation error for unknown type, got %v", err)
	}
	if len(eventBus.events()) != 0 {
		t.Error("expected no envelopes for rejected append")
	}
}

func TestServiceAckAndRequeue(t *testing.T) {
	svc, _, _, q := createTestService(t)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, validCreateInput())
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := svc.Claim(ctx, "worker-1", 0); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	if err := svc.Ack(ctx, created.ID, true); err != nil {
		t.Fatalf("Ack(requeue) failed: %v", err)
	}
	resp, err := svc.Claim(ctx, "worker-2", 0)
	if err != nil {
		t.Fatalf("second Claim failed: %v", err)
	}
	if resp == nil || resp.Task.ID != created.ID {
		t.Fatalf("expected requeued task to be claimable, got %+v", resp)
	}

	if err := svc.Ack(ctx, created.ID, false); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	stats, _ := q.Stats(ctx)
	if stats.Queued != 0 || stats.Leased != 0 {
		t.Errorf("expected empty queue after final ack, got %+v", stats)
	}
}

func TestServiceExtendLeaseDefaultTTL(t *testing.T) {
	svc, _, _, _ := createTestService(t)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, validCreateInput())
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := svc.Claim(ctx, "worker-1", 0); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	lease, err := svc.ExtendLease(ctx, created.ID, "worker-1", 0)
	if err != nil {
		t.Fatalf("ExtendLease failed: %v", err)
	}
	remaining := lease.ExpiresAt - models.EpochMS(time.Now())
	if remaining < 50_000 {
		t.Errorf("expected default lease ttl of ~60s, got %dms remaining", remaining)
	}

	if _, err := svc.ExtendLease(ctx, created.ID, "worker-2", 0); !apperrors.IsConflict(err) {
		t.Errorf("expected conflict for foreign renewal, got %v", err)
	}
}

func TestServiceDeleteTask(t *testing.T) {
	svc, eventBus, _, q := createTestService(t)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, validCreateInput())
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	eventBus.clear()

	if err := svc.DeleteTask(ctx, created.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}

	if _, err := svc.GetTask(ctx, created.ID); !apperrors.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	stats, _ := q.Stats(ctx)
	if stats.Queued != 0 || stats.Leased != 0 {
		t.Errorf("expected queue drained after delete, got %+v", stats)
	}

	published := eventBus.events()
	if len(published) != 1 || published[0].subject != events.BuildTaskDeletedSubject(created.ID) {
		t.Errorf("expected a single deletion envelope, got %+v", published)
	}
}

func TestServiceDeleteTaskNotFound(t *testing.T) {
	svc, _, _, _ := createTestService(t)

	err := svc.DeleteTask(context.Background(), "no-such-task")
	if !apperrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestServiceTailTaskUsesDefaultBlock(t *testing.T) {
	svc, _, _, _ := createTestService(t)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, validCreateInput())
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	snap, err := svc.Snapshot(ctx, created.ID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	start := time.Now()
	batch, err := svc.TailTask(ctx, created.ID, snap.Cursor, 0)
	if err != nil {
		t.Fatalf("TailTask failed: %v", err)
	}
	if len(batch.Events) != 0 {
		t.Errorf("expected empty batch past the snapshot, got %d events", len(batch.Events))
	}
	if batch.Cursor != snap.Cursor {
		t.Errorf("expected cursor to hold at %q, got %q", snap.Cursor, batch.Cursor)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected default 50ms block, waited %v", elapsed)
	}
}
