package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/task/models"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// MemoryQueue is an in-process Queue for tests and single-node runs. It
// mirrors the Redis layout: a FIFO list, a pending set for dedup, and a
// lease table swept by expiry.
type MemoryQueue struct {
	mu       sync.Mutex
	fifo     []string
	pending  map[string]struct{}
	leases   map[string]*models.Lease
	notify   chan struct{}
	leaseTTL time.Duration
	minTTL   time.Duration
	maxTTL   time.Duration
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(leaseTTL, minTTL, maxTTL time.Duration) *MemoryQueue {
	return &MemoryQueue{
		pending:  make(map[string]struct{}),
		leases:   make(map[string]*models.Lease),
		notify:   make(chan struct{}),
		leaseTTL: leaseTTL,
		minTTL:   minTTL,
		maxTTL:   maxTTL,
	}
}

var _ Queue = (*MemoryQueue)(nil)

// wake releases every blocked Claim. Callers must hold mu.
func (q *MemoryQueue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Enqueue adds taskID to the FIFO tail unless it is already waiting.
func (q *MemoryQueue) Enqueue(_ context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, waiting := q.pending[taskID]; waiting {
		return false, nil
	}
	q.pending[taskID] = struct{}{}
	q.fifo = append(q.fifo, taskID)
	q.wake()
	return true, nil
}

// Claim sweeps expired leases, then pops the next queued id and leases it to
// workerID, blocking up to block when the queue is empty.
func (q *MemoryQueue) Claim(ctx context.Context, workerID string, block time.Duration) (string, *models.Lease, error) {
	deadline := time.Now().Add(block)
	for {
		q.mu.Lock()
		q.sweepLocked(time.Now())
		taskID, lease := q.claimLocked(workerID)
		ch := q.notify
		q.mu.Unlock()

		if taskID != "" {
			return taskID, lease, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil, nil
		}
		select {
		case <-ctx.Done():
			return "", nil, nil
		case <-ch:
		case <-time.After(remaining):
			return "", nil, nil
		}
	}
}

// claimLocked pops until it finds a live pending id and leases it. Callers
// must hold mu.
func (q *MemoryQueue) claimLocked(workerID string) (string, *models.Lease) {
	for len(q.fifo) > 0 {
		taskID := q.fifo[0]
		q.fifo = q.fifo[1:]
		if _, waiting := q.pending[taskID]; !waiting {
			continue // acked while queued
		}
		delete(q.pending, taskID)
		if _, held := q.leases[taskID]; held {
			continue
		}
		now := time.Now()
		lease := &models.Lease{
			TaskID:    taskID,
			WorkerID:  workerID,
			LeasedAt:  models.EpochMS(now),
			ExpiresAt: models.EpochMS(now.Add(q.leaseTTL)),
		}
		q.leases[taskID] = lease
		copied := *lease
		return taskID, &copied
	}
	return "", nil
}

// Ack drops the lease and the pending membership for taskID.
func (q *MemoryQueue) Ack(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leases, taskID)
	delete(q.pending, taskID)
	return nil
}

// Requeue releases the task and returns it to the FIFO tail.
func (q *MemoryQueue) Requeue(ctx context.Context, taskID string) error {
	if err := q.Ack(ctx, taskID); err != nil {
		return err
	}
	_, err := q.Enqueue(ctx, taskID)
	return err
}

// ExtendLease renews the worker's lease by ttl from now.
func (q *MemoryQueue) ExtendLease(_ context.Context, taskID, workerID string, ttl time.Duration) (*models.Lease, error) {
	ttl = clampTTL(ttl, q.minTTL, q.maxTTL)
	q.mu.Lock()
	defer q.mu.Unlock()
	lease, held := q.leases[taskID]
	if !held || lease.WorkerID != workerID {
		return nil, apperrors.Conflict(fmt.Sprintf("no active lease on task %s for worker %s", taskID, workerID))
	}
	now := time.Now()
	lease.Renewals++
	lease.RenewedAt = models.EpochMS(now)
	lease.ExpiresAt = models.EpochMS(now.Add(ttl))
	copied := *lease
	return &copied, nil
}

// RequeueLeases sweeps every lease expired at or before now back onto the
// queue.
func (q *MemoryQueue) RequeueLeases(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sweepLocked(time.Now()), nil
}

// sweepLocked requeues expired leases in deterministic order. Callers must
// hold mu.
func (q *MemoryQueue) sweepLocked(now time.Time) int {
	nowMS := models.EpochMS(now)
	var due []string
	for taskID, lease := range q.leases {
		if lease.ExpiresAt <= nowMS {
			due = append(due, taskID)
		}
	}
	sort.Strings(due)
	for _, taskID := range due {
		delete(q.leases, taskID)
		if _, waiting := q.pending[taskID]; waiting {
			continue
		}
		q.pending[taskID] = struct{}{}
		q.fifo = append(q.fifo, taskID)
	}
	if len(due) > 0 {
		q.wake()
	}
	return len(due)
}

// Stats reports how many tasks are waiting and how many are leased.
func (q *MemoryQueue) Stats(_ context.Context) (*v1.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &v1.QueueStats{
		Queued: int64(len(q.pending)),
		Leased: int64(len(q.leases)),
	}, nil
}
