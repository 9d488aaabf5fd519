// Package queue dispatches queued tasks to workers under exclusive,
// time-bounded leases. Expired leases are swept back onto the queue so a
// crashed worker can never strand a task.
package queue

import (
	"context"
	"time"

	"github.com/taskplane/taskplane/internal/task/models"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// Queue is the work-dispatch contract. A task id is either on the queue or
// held by a lease, never both.
type Queue interface {
	// Enqueue adds the task id to the FIFO tail. Ids already waiting are
	// left alone; the return value reports whether an entry was added.
	Enqueue(ctx context.Context, taskID string) (bool, error)

	// Claim sweeps expired leases, then blocks up to block for the next
	// queued id and leases it to workerID. It returns empty values when
	// nothing could be claimed within the budget.
	Claim(ctx context.Context, workerID string, block time.Duration) (string, *models.Lease, error)

	// Ack releases every hold on the task: lease, expiration entry and
	// queue membership. Acking an unknown id is a no-op.
	Ack(ctx context.Context, taskID string) error

	// Requeue acks the task and puts it back on the FIFO tail.
	Requeue(ctx context.Context, taskID string) error

	// ExtendLease renews the worker's lease by ttl from now, bumping the
	// renewal count. It fails with a conflict when the lease is missing or
	// held by another worker. The ttl is clamped to the configured bounds.
	ExtendLease(ctx context.Context, taskID, workerID string, ttl time.Duration) (*models.Lease, error)

	// RequeueLeases returns every task whose lease expired at or before now
	// to the queue and reports how many were swept.
	RequeueLeases(ctx context.Context) (int, error)

	// Stats reports queue depth and live lease count.
	Stats(ctx context.Context) (*v1.QueueStats, error)
}

// clampTTL bounds a requested lease TTL to [minTTL, maxTTL].
func clampTTL(ttl, minTTL, maxTTL time.Duration) time.Duration {
	if ttl < minTTL {
		return minTTL
	}
	if ttl > maxTTL {
		return maxTTL
	}
	return ttl
}
