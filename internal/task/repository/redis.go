package repository

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/task/models"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// Store key layout. Per-task keys append the task id.
const (
	keyIndex             = "tasks:index"
	keyItemPrefix        = "tasks:item:"
	keyEventsPrefix      = "tasks:events:"
	keyEventStreamPrefix = "tasks:events_stream:"
	keyIndexStream       = "tasks:index:stream"
)

// StreamStart is the cursor addressing the beginning of any stream.
const StreamStart = "0-0"

// appendScript persists one event and the derived task record atomically:
// stream append, bounded list append, blob write and index-stream append
// either all happen or none do. The blob is spliced rather than re-encoded
// so empty JSON arrays survive the round trip. Returns the new stream id.
//
// KEYS: 1=event stream, 2=event list, 3=task blob, 4=index stream, 5=index set
// ARGV: 1=event json, 2=task json (without latestStreamId), 3=trim threshold,
//       4=sanitized task json, 5=add-to-index flag, 6=task id
var appendScript = redis.NewScript(`
local id = redis.call('XADD', KEYS[1], '*', 'event', ARGV[1])
redis.call('XTRIM', KEYS[1], 'MAXLEN', '~', ARGV[3])
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('LTRIM', KEYS[2], -tonumber(ARGV[3]), -1)
redis.call('SET', KEYS[3], string.sub(ARGV[2], 1, -2) .. ',"latestStreamId":"' .. id .. '"}')
redis.call('XADD', KEYS[4], '*', 'task', ARGV[4])
redis.call('XTRIM', KEYS[4], 'MAXLEN', '~', ARGV[3])
if ARGV[5] == '1' then
	redis.call('SADD', KEYS[5], ARGV[6])
end
return id
`)

// RedisRepository stores tasks and their event logs in Redis.
type RedisRepository struct {
	client *redis.Client
	log    *logger.Logger
	trim   int
}

var _ Repository = (*RedisRepository)(nil)

// NewRedisRepository creates a repository on an open client. trimThreshold
// bounds the retained event history per task and on the index stream.
func NewRedisRepository(client *redis.Client, trimThreshold int, log *logger.Logger) *RedisRepository {
	return &RedisRepository{
		client: client,
		log:    log.WithComponent("repository"),
		trim:   trimThreshold,
	}
}

func itemKey(id string) string        { return keyItemPrefix + id }
func eventsKey(id string) string      { return keyEventsPrefix + id }
func eventStreamKey(id string) string { return keyEventStreamPrefix + id }

func storeUnavailable(err error) *errors.AppError {
	appErr := errors.ServiceUnavailable("store")
	appErr.Err = err
	return appErr
}

// CreateTask validates the input, persists the record, adds it to the index
// and appends the synthetic task.created event in one atomic write.
func (r *RedisRepository) CreateTask(ctx context.Context, input *models.CreateTaskInput) (*models.Task, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := models.NewTask(input, now)
	event := models.NewTaskEvent(task.ID, v1.EventTaskCreated, input.ToMap())
	if err := task.ApplyEvent(event, now); err != nil {
		return nil, err
	}

	if err := r.runAppend(ctx, task, event, true); err != nil {
		return nil, err
	}

	r.log.Info("task created", zap.String("task_id", task.ID), zap.String("title", task.Title))
	return task, nil
}

// GetTask returns the task record.
func (r *RedisRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	raw, err := r.client.Get(ctx, itemKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.NotFound("task", id)
	}
	if err != nil {
		return nil, storeUnavailable(err)
	}
	return decodeTask(raw)
}

// ListTasks returns all tasks on the index, newest first.
func (r *RedisRepository) ListTasks(ctx context.Context) ([]*models.Task, error) {
	ids, err := r.client.SMembers(ctx, keyIndex).Result()
	if err != nil {
		return nil, storeUnavailable(err)
	}
	if len(ids) == 0 {
		return []*models.Task{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = itemKey(id)
	}
	blobs, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeUnavailable(err)
	}

	tasks := make([]*models.Task, 0, len(blobs))
	for i, blob := range blobs {
		raw, ok := blob.(string)
		if !ok {
			// Index membership without a blob: deleted mid-listing or a
			// partial write. Skip it.
			r.log.Warn("task on index has no record", zap.String("task_id", ids[i]))
			continue
		}
		task, err := decodeTask([]byte(raw))
		if err != nil {
			r.log.WithError(err).Warn("skipping undecodable task record", zap.String("task_id", ids[i]))
			continue
		}
		tasks = append(tasks, task)
	}

	sortTasks(tasks)
	return tasks, nil
}

// AppendEvent normalizes, derives and persists the event atomically with the
// updated record. Concurrent appends to one task serialize at the store;
// the last write wins for derived fields.
func (r *RedisRepository) AppendEvent(ctx context.Context, taskID string, event *models.TaskEvent) (*models.TaskEvent, *models.Task, error) {
	now := time.Now().UTC()
	if err := event.Normalize(taskID, now); err != nil {
		return nil, nil, err
	}

	task, err := r.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if err := task.ApplyEvent(event, now); err != nil {
		return nil, nil, err
	}

	if err := r.runAppend(ctx, task, event, false); err != nil {
		return nil, nil, err
	}
	return event, task, nil
}

// UpdateStatus appends a synthesized task.updated event carrying the status
// plus any extra payload fields.
func (r *RedisRepository) UpdateStatus(ctx context.Context, taskID string, status v1.TaskStatus, extra map[string]any) (*models.Task, error) {
	payload := map[string]any{"status": string(status)}
	for k, v := range extra {
		payload[k] = v
	}
	event := models.NewTaskEvent(taskID, v1.EventTaskUpdated, payload)
	_, task, err := r.AppendEvent(ctx, taskID, event)
	return task, err
}

// Snapshot reads the record and its retained event log atomically, so the
// returned cursor tails only events appended after this read.
func (r *RedisRepository) Snapshot(ctx context.Context, taskID string) (*models.Snapshot, error) {
	pipe := r.client.TxPipeline()
	getCmd := pipe.Get(ctx, itemKey(taskID))
	listCmd := pipe.LRange(ctx, eventsKey(taskID), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, storeUnavailable(err)
	}

	raw, err := getCmd.Bytes()
	if err == redis.Nil {
		return nil, errors.NotFound("task", taskID)
	}
	if err != nil {
		return nil, storeUnavailable(err)
	}
	task, err := decodeTask(raw)
	if err != nil {
		return nil, err
	}

	entries, err := listCmd.Result()
	if err != nil && err != redis.Nil {
		return nil, storeUnavailable(err)
	}
	events := make([]*models.TaskEvent, 0, len(entries))
	for _, entry := range entries {
		var ev models.TaskEvent
		if err := json.Unmarshal([]byte(entry), &ev); err != nil {
			r.log.WithError(err).Warn("skipping undecodable event", zap.String("task_id", taskID))
			continue
		}
		events = append(events, &ev)
	}

	cursor := task.LatestStreamID
	if cursor == "" {
		cursor = StreamStart
	}
	return &models.Snapshot{Task: task, Events: events, Cursor: cursor}, nil
}

// TailTask returns events appended strictly after cursor, blocking up to
// block when the stream has nothing newer.
func (r *RedisRepository) TailTask(ctx context.Context, taskID, cursor string, block time.Duration, maxCount int) (*models.TailBatch, error) {
	exists, err := r.client.Exists(ctx, itemKey(taskID)).Result()
	if err != nil {
		return nil, storeUnavailable(err)
	}
	if exists == 0 {
		return nil, errors.NotFound("task", taskID)
	}
	if cursor == "" {
		cursor = StreamStart
	}

	streams, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{eventStreamKey(taskID), cursor},
		Count:   int64(maxCount),
		Block:   blockArg(block),
	}).Result()
	if err == redis.Nil {
		return &models.TailBatch{Events: []*models.TaskEvent{}, Cursor: cursor}, nil
	}
	if err != nil {
		return nil, storeUnavailable(err)
	}

	batch := &models.TailBatch{Events: []*models.TaskEvent{}, Cursor: cursor}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["event"].(string)
			if !ok {
				continue
			}
			var ev models.TaskEvent
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				r.log.WithError(err).Warn("skipping undecodable stream event", zap.String("task_id", taskID))
				continue
			}
			batch.Events = append(batch.Events, &ev)
			batch.Cursor = msg.ID
		}
	}
	return batch, nil
}

// TailIndex returns sanitized task snapshots recorded strictly after cursor
// on the global index stream.
func (r *RedisRepository) TailIndex(ctx context.Context, cursor string, block time.Duration, maxCount int) (*models.IndexBatch, error) {
	if cursor == "" {
		cursor = StreamStart
	}

	streams, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{keyIndexStream, cursor},
		Count:   int64(maxCount),
		Block:   blockArg(block),
	}).Result()
	if err == redis.Nil {
		return &models.IndexBatch{Tasks: []*models.Task{}, Cursor: cursor}, nil
	}
	if err != nil {
		return nil, storeUnavailable(err)
	}

	batch := &models.IndexBatch{Tasks: []*models.Task{}, Cursor: cursor}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["task"].(string)
			if !ok {
				continue
			}
			task, err := decodeTask([]byte(raw))
			if err != nil {
				r.log.WithError(err).Warn("skipping undecodable index entry")
				continue
			}
			batch.Tasks = append(batch.Tasks, task)
			batch.Cursor = msg.ID
		}
	}
	return batch, nil
}

// IndexCursor returns the last generated id of the index stream, or the
// stream start when nothing was ever recorded.
func (r *RedisRepository) IndexCursor(ctx context.Context) (string, error) {
	exists, err := r.client.Exists(ctx, keyIndexStream).Result()
	if err != nil {
		return "", storeUnavailable(err)
	}
	if exists == 0 {
		return StreamStart, nil
	}
	info, err := r.client.XInfoStream(ctx, keyIndexStream).Result()
	if err != nil {
		return "", storeUnavailable(err)
	}
	return info.LastGeneratedID, nil
}

// DeleteTask removes the record, both event structures and the index
// membership. The index stream keeps its historical entries.
func (r *RedisRepository) DeleteTask(ctx context.Context, id string) error {
	exists, err := r.client.Exists(ctx, itemKey(id)).Result()
	if err != nil {
		return storeUnavailable(err)
	}
	if exists == 0 {
		return errors.NotFound("task", id)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, itemKey(id), eventsKey(id), eventStreamKey(id))
	pipe.SRem(ctx, keyIndex, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeUnavailable(err)
	}

	r.log.Info("task deleted", zap.String("task_id", id))
	return nil
}

// Ping checks store reachability.
func (r *RedisRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return storeUnavailable(err)
	}
	return nil
}

// Close releases the store connection.
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

// runAppend executes the atomic append script and stamps the resulting
// stream id onto the in-memory record.
func (r *RedisRepository) runAppend(ctx context.Context, task *models.Task, event *models.TaskEvent, addToIndex bool) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return errors.InternalError("failed to encode event", err)
	}

	// The script splices latestStreamId in, so it must be absent here.
	task.LatestStreamID = ""
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return errors.InternalError("failed to encode task", err)
	}
	sanitizedJSON, err := json.Marshal(task.ToAPI())
	if err != nil {
		return errors.InternalError("failed to encode task snapshot", err)
	}

	flag := "0"
	if addToIndex {
		flag = "1"
	}
	keys := []string{
		eventStreamKey(task.ID),
		eventsKey(task.ID),
		itemKey(task.ID),
		keyIndexStream,
		keyIndex,
	}
	id, err := appendScript.Run(ctx, r.client, keys,
		string(eventJSON), string(taskJSON), r.trim, string(sanitizedJSON), flag, task.ID).Text()
	if err != nil {
		return storeUnavailable(err)
	}

	task.LatestStreamID = id
	return nil
}

func decodeTask(raw []byte) (*models.Task, error) {
	var task models.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, errors.InternalError("failed to decode task record", err)
	}
	return &task, nil
}

func sortTasks(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

func blockArg(block time.Duration) time.Duration {
	if block <= 0 {
		// Negative means no BLOCK argument: return immediately.
		return -1
	}
	return block
}
