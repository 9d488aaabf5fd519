// Package service wires the broker's write and dispatch paths: validation,
// storage, queueing and bus fan-out.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events"
	"github.com/taskplane/taskplane/internal/queue"
	"github.com/taskplane/taskplane/internal/task/models"
	"github.com/taskplane/taskplane/internal/task/repository"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// Config bounds the service's blocking reads and lease renewals. Zero or
// negative request values fall back to these.
type Config struct {
	ClaimBlock     time.Duration // long-poll budget for worker claims
	TailBlock      time.Duration // blocking budget for tail reads
	LeaseTTL       time.Duration // lease duration granted on renewal
	TaskTailLimit  int           // max events per task tail batch
	IndexTailLimit int           // max entries per index tail batch
}

// Service provides task brokering on top of the repository and queue.
type Service struct {
	repo        repository.Repository
	queue       queue.Queue
	broadcaster *events.Broadcaster
	cfg         Config
	log         *logger.Logger
}

// NewService creates the task service.
func NewService(repo repository.Repository, q queue.Queue, broadcaster *events.Broadcaster, cfg Config, log *logger.Logger) *Service {
	return &Service{
		repo:        repo,
		queue:       q,
		broadcaster: broadcaster,
		cfg:         cfg,
		log:         log.WithComponent("task-service"),
	}
}

// CreateTask validates and persists a new task, queues it for dispatch and
// announces it on the bus.
func (s *Service) CreateTask(ctx context.Context, input *models.CreateTaskInput) (*models.Task, error) {
	task, err := s.repo.CreateTask(ctx, input)
	if err != nil {
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, task.ID); err != nil {
		s.log.Error("failed to enqueue created task",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return nil, err
	}

	s.broadcaster.PublishTaskUpdate(ctx, task.ToAPI())
	s.log.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("title", task.Title))
	return task, nil
}

// GetTask returns a task record.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.repo.GetTask(ctx, id)
}

// ListTasks returns all tasks, newest first.
func (s *Service) ListTasks(ctx context.Context) ([]*models.Task, error) {
	return s.repo.ListTasks(ctx)
}

// Snapshot returns a task with the retained prefix of its event log and a
// resume cursor.
func (s *Service) Snapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	return s.repo.Snapshot(ctx, id)
}

// TailTask returns events appended after the cursor, blocking up to block.
func (s *Service) TailTask(ctx context.Context, taskID, cursor string, block time.Duration) (*models.TailBatch, error) {
	if block <= 0 {
		block = s.cfg.TailBlock
	}
	return s.repo.TailTask(ctx, taskID, cursor, block, s.cfg.TaskTailLimit)
}

// TailIndex returns index entries recorded after the cursor, blocking up to
// block.
func (s *Service) TailIndex(ctx context.Context, cursor string, block time.Duration) (*models.IndexBatch, error) {
	if block <= 0 {
		block = s.cfg.TailBlock
	}
	return s.repo.TailIndex(ctx, cursor, block, s.cfg.IndexTailLimit)
}

// IndexCursor returns the current end position of the global index stream.
func (s *Service) IndexCursor(ctx context.Context) (string, error) {
	return s.repo.IndexCursor(ctx)
}

// AppendEvent appends an event to a task's log and fans the persisted event
// and the re-derived record out to subscribers.
func (s *Service) AppendEvent(ctx context.Context, taskID string, req *v1.AppendEventRequest) (*models.TaskEvent, error) {
	event := &models.TaskEvent{
		ID:        req.ID,
		Type:      req.Type,
		Timestamp: req.Timestamp,
		Payload:   req.Payload,
	}

	persisted, task, err := s.repo.AppendEvent(ctx, taskID, event)
	if err != nil {
		return nil, err
	}

	s.broadcaster.PublishTaskEvent(ctx, persisted.ToAPI())
	s.broadcaster.PublishTaskUpdate(ctx, task.ToAPI())
	s.log.Debug("event appended",
		zap.String("task_id", taskID),
		zap.String("event_id", persisted.ID),
		zap.String("event_type", string(persisted.Type)))
	return persisted, nil
}

// Claim hands the next queued task to a worker, together with the original
// create payload. It returns nil when no task became available within the
// block budget.
//
// A claimed id whose record has vanished (deleted while queued) is dropped
// and the claim keeps trying. A store error after the lease was taken leaves
// the lease in place: it expires and the sweep returns the task to the queue.
func (s *Service) Claim(ctx context.Context, workerID string, block time.Duration) (*v1.ClaimTaskResponse, error) {
	if workerID == "" {
		return nil, apperrors.BadRequest("workerId is required")
	}
	if block <= 0 {
		block = s.cfg.ClaimBlock
	}

	deadline := time.Now().Add(block)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		taskID, _, err := s.queue.Claim(ctx, workerID, remaining)
		if err != nil {
			return nil, err
		}
		if taskID == "" {
			return nil, nil
		}

		task, err := s.repo.GetTask(ctx, taskID)
		if apperrors.IsNotFound(err) {
			s.log.Warn("claimed task record no longer exists, dropping",
				zap.String("task_id", taskID),
				zap.String("worker_id", workerID))
			if ackErr := s.queue.Ack(ctx, taskID); ackErr != nil {
				return nil, ackErr
			}
			if time.Until(deadline) <= 0 {
				return nil, nil
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		s.log.Info("task claimed",
			zap.String("task_id", taskID),
			zap.String("worker_id", workerID))
		return &v1.ClaimTaskResponse{Task: task.ToAPI(), Input: task.Input}, nil
	}
}

// Ack finishes a claimed task, or returns it to the queue when requeue is
// set. Acking is idempotent; requeueing a task whose record was deleted
// falls back to a plain ack.
func (s *Service) Ack(ctx context.Context, taskID string, requeue bool) error {
	if !requeue {
		if err := s.queue.Ack(ctx, taskID); err != nil {
			return err
		}
		s.log.Info("task acked", zap.String("task_id", taskID))
		return nil
	}

	if _, err := s.repo.GetTask(ctx, taskID); err != nil {
		if apperrors.IsNotFound(err) {
			return s.queue.Ack(ctx, taskID)
		}
		return err
	}
	if err := s.queue.Requeue(ctx, taskID); err != nil {
		return err
	}
	s.log.Info("task requeued", zap.String("task_id", taskID))
	return nil
}

// ExtendLease renews a worker's lease. A zero ttl requests the configured
// default; the queue clamps whatever is asked.
func (s *Service) ExtendLease(ctx context.Context, taskID, workerID string, ttlMS int64) (*models.Lease, error) {
	ttl := time.Duration(ttlMS) * time.Millisecond
	if ttlMS <= 0 {
		ttl = s.cfg.LeaseTTL
	}
	return s.queue.ExtendLease(ctx, taskID, workerID, ttl)
}

// DeleteTask removes a task entirely: queue membership, lease, record, log
// and index entry. Deletion is announced on the bus.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.repo.GetTask(ctx, id); err != nil {
		return err
	}

	// Drop queue state first so no worker claims an id mid-deletion.
	if err := s.queue.Ack(ctx, id); err != nil {
		return err
	}
	if err := s.repo.DeleteTask(ctx, id); err != nil {
		return err
	}

	s.broadcaster.PublishTaskDeleted(ctx, id)
	s.log.Info("task deleted", zap.String("task_id", id))
	return nil
}

// QueueStats reports queue depth and live lease count.
func (s *Service) QueueStats(ctx context.Context) (*v1.QueueStats, error) {
	return s.queue.Stats(ctx)
}

// PingStore checks that the backing store is reachable.
func (s *Service) PingStore(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
