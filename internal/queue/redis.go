package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/task/models"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

const (
	keyQueue       = "tasks:queue"
	keyPending     = "tasks:queue:pending"
	keyLeases      = "tasks:leases"
	keyExpirations = "tasks:lease_expirations"
)

// enqueueScript adds a task id to the FIFO only when it is not already
// waiting. The pending set is the dedup source of truth.
//
// KEYS[1] = pending set
// KEYS[2] = queue list
// ARGV[1] = task id
var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
	redis.call('RPUSH', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// acquireScript creates the lease and its expiration entry atomically. It
// refuses when a lease already exists so two claimers can never both win.
//
// KEYS[1] = lease hash
// KEYS[2] = expiration zset
// ARGV[1] = task id
// ARGV[2] = lease JSON
// ARGV[3] = expiresAt epoch ms
var acquireScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 1 then
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
	return 1
end
return 0
`)

// extendScript renews a lease in place. It returns the updated lease JSON,
// or false when the lease is gone or owned by someone else.
//
// KEYS[1] = lease hash
// KEYS[2] = expiration zset
// ARGV[1] = task id
// ARGV[2] = worker id
// ARGV[3] = now epoch ms
// ARGV[4] = ttl ms
var extendScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
	return false
end
local lease = cjson.decode(raw)
if lease['workerId'] ~= ARGV[2] then
	return false
end
lease['renewals'] = lease['renewals'] + 1
lease['renewedAt'] = tonumber(ARGV[3])
lease['expiresAt'] = tonumber(ARGV[3]) + tonumber(ARGV[4])
local encoded = cjson.encode(lease)
redis.call('HSET', KEYS[1], ARGV[1], encoded)
redis.call('ZADD', KEYS[2], lease['expiresAt'], ARGV[1])
return encoded
`)

// sweepScript moves every task whose lease expired at or before now back to
// the queue tail and returns how many were moved.
//
// KEYS[1] = expiration zset
// KEYS[2] = lease hash
// KEYS[3] = pending set
// KEYS[4] = queue list
// ARGV[1] = now epoch ms
var sweepScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = 0
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('HDEL', KEYS[2], id)
	if redis.call('SADD', KEYS[3], id) == 1 then
		redis.call('RPUSH', KEYS[4], id)
	end
	count = count + 1
end
return count
`)

// RedisQueue implements Queue on a Redis list, set, hash and sorted set.
type RedisQueue struct {
	client   *redis.Client
	log      *logger.Logger
	leaseTTL time.Duration
	minTTL   time.Duration
	maxTTL   time.Duration
}

// NewRedisQueue creates a queue over an open Redis client. The client's
// lifecycle belongs to the caller.
func NewRedisQueue(client *redis.Client, leaseTTL, minTTL, maxTTL time.Duration, log *logger.Logger) *RedisQueue {
	return &RedisQueue{
		client:   client,
		log:      log.WithComponent("queue"),
		leaseTTL: leaseTTL,
		minTTL:   minTTL,
		maxTTL:   maxTTL,
	}
}

var _ Queue = (*RedisQueue)(nil)

func queueUnavailable(err error) error {
	appErr := apperrors.ServiceUnavailable("queue")
	appErr.Err = err
	return appErr
}

// Enqueue adds taskID to the FIFO tail unless it is already waiting.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID string) (bool, error) {
	added, err := enqueueScript.Run(ctx, q.client, []string{keyPending, keyQueue}, taskID).Int()
	if err != nil {
		return false, queueUnavailable(err)
	}
	return added == 1, nil
}

// Claim sweeps expired leases, then pops the next queued id and leases it to
// workerID. Stale queue entries, left behind by Ack, are skipped.
func (q *RedisQueue) Claim(ctx context.Context, workerID string, block time.Duration) (string, *models.Lease, error) {
	if _, err := q.RequeueLeases(ctx); err != nil {
		return "", nil, err
	}

	deadline := time.Now().Add(block)
	for {
		taskID, err := q.pop(ctx, time.Until(deadline))
		if err != nil {
			return "", nil, err
		}
		if taskID == "" {
			return "", nil, nil
		}

		// An id missing from the pending set was acked while queued.
		removed, err := q.client.SRem(ctx, keyPending, taskID).Result()
		if err != nil {
			return "", nil, queueUnavailable(err)
		}
		if removed == 0 {
			continue
		}

		lease, ok, err := q.acquire(ctx, taskID, workerID)
		if err != nil {
			return "", nil, err
		}
		if !ok {
			// Lost the lease race. The winner owns the task now.
			q.log.Warn("lease already held, skipping claimed id", zap.String("task_id", taskID))
			continue
		}
		return taskID, lease, nil
	}
}

// pop takes the next id off the queue head, blocking up to the remaining
// budget. It returns "" when the queue stayed empty. BLPOP has whole-second
// resolution and go-redis rounds smaller timeouts up to it, so a sub-second
// budget takes the non-blocking path instead of overshooting.
func (q *RedisQueue) pop(ctx context.Context, remaining time.Duration) (string, error) {
	if remaining >= time.Second {
		res, err := q.client.BLPop(ctx, remaining, keyQueue).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		if err != nil {
			return "", queueUnavailable(err)
		}
		return res[1], nil
	}
	res, err := q.client.LPop(ctx, keyQueue).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", queueUnavailable(err)
	}
	return res, nil
}

func (q *RedisQueue) acquire(ctx context.Context, taskID, workerID string) (*models.Lease, bool, error) {
	now := time.Now()
	lease := &models.Lease{
		TaskID:    taskID,
		WorkerID:  workerID,
		LeasedAt:  models.EpochMS(now),
		ExpiresAt: models.EpochMS(now.Add(q.leaseTTL)),
	}
	encoded, err := json.Marshal(lease)
	if err != nil {
		return nil, false, apperrors.InternalError("failed to marshal lease", err)
	}
	won, err := acquireScript.Run(ctx, q.client,
		[]string{keyLeases, keyExpirations},
		taskID, string(encoded), lease.ExpiresAt,
	).Int()
	if err != nil {
		return nil, false, queueUnavailable(err)
	}
	if won != 1 {
		return nil, false, nil
	}
	return lease, true, nil
}

// Ack drops the lease, its expiration entry and the pending membership. Any
// copy of the id still on the queue list becomes stale and is skipped by
// Claim.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, keyLeases, taskID)
	pipe.ZRem(ctx, keyExpirations, taskID)
	pipe.SRem(ctx, keyPending, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return queueUnavailable(err)
	}
	return nil
}

// Requeue releases the task and returns it to the FIFO tail.
func (q *RedisQueue) Requeue(ctx context.Context, taskID string) error {
	if err := q.Ack(ctx, taskID); err != nil {
		return err
	}
	if _, err := q.Enqueue(ctx, taskID); err != nil {
		return err
	}
	return nil
}

// ExtendLease renews the worker's lease by ttl from now.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID, workerID string, ttl time.Duration) (*models.Lease, error) {
	ttl = clampTTL(ttl, q.minTTL, q.maxTTL)
	raw, err := extendScript.Run(ctx, q.client,
		[]string{keyLeases, keyExpirations},
		taskID, workerID, models.EpochMS(time.Now()), ttl.Milliseconds(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.Conflict(fmt.Sprintf("no active lease on task %s for worker %s", taskID, workerID))
	}
	if err != nil {
		return nil, queueUnavailable(err)
	}
	var lease models.Lease
	if err := json.Unmarshal([]byte(raw), &lease); err != nil {
		return nil, apperrors.InternalError("failed to unmarshal lease", err)
	}
	return &lease, nil
}

// RequeueLeases sweeps every lease expired at or before now back onto the
// queue.
func (q *RedisQueue) RequeueLeases(ctx context.Context) (int, error) {
	swept, err := sweepScript.Run(ctx, q.client,
		[]string{keyExpirations, keyLeases, keyPending, keyQueue},
		models.EpochMS(time.Now()),
	).Int()
	if err != nil {
		return 0, queueUnavailable(err)
	}
	if swept > 0 {
		q.log.Info("requeued expired leases", zap.Int("count", swept))
	}
	return swept, nil
}

// Stats reports how many tasks are waiting and how many are leased.
func (q *RedisQueue) Stats(ctx context.Context) (*v1.QueueStats, error) {
	pipe := q.client.TxPipeline()
	queued := pipe.SCard(ctx, keyPending)
	leased := pipe.HLen(ctx, keyLeases)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, queueUnavailable(err)
	}
	return &v1.QueueStats{
		Queued: queued.Val(),
		Leased: leased.Val(),
	}, nil
}
