package repository

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/task/models"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// newRedisTestRepo connects to the Redis named by TASKPLANE_TEST_REDIS_ADDR
// and flushes its database 15 before each test. Tests are skipped when the
// variable is unset.
func newRedisTestRepo(t *testing.T, trim int) *RedisRepository {
	t.Helper()

	addr := os.Getenv("TASKPLANE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TASKPLANE_TEST_REDIS_ADDR not set, skipping store integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("failed to ping redis at %s: %v", addr, err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewRedisRepository(client, trim, log)
}

func TestRedisCreateAndSnapshot(t *testing.T) {
	repo := newRedisTestRepo(t, 2000)
	ctx := context.Background()

	task, err := repo.CreateTask(ctx, &models.CreateTaskInput{
		Title:   "Add readme",
		RepoURL: "https://github.com/acme/x",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if task.LatestStreamID == "" {
		t.Fatal("expected the append script to return a stream id")
	}

	// The stored blob round-trips, including the spliced stream position.
	stored, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.LatestStreamID != task.LatestStreamID {
		t.Errorf("blob stream id %q does not match returned %q", stored.LatestStreamID, task.LatestStreamID)
	}
	if stored.Input["title"] != "Add readme" {
		t.Errorf("blob should retain the original input, got %v", stored.Input)
	}
	if len(stored.Plan) != 0 || stored.Plan == nil {
		t.Errorf("empty plan should survive storage as a list, got %#v", stored.Plan)
	}

	snap, err := repo.Snapshot(ctx, task.ID)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snap.Events) != 1 || snap.Events[0].Type != v1.EventTaskCreated {
		t.Fatalf("expected exactly the task.created event, got %d events", len(snap.Events))
	}
	if snap.Cursor != stored.LatestStreamID {
		t.Errorf("snapshot cursor %q should equal the last stream id %q", snap.Cursor, stored.LatestStreamID)
	}
}

func TestRedisAppendAndTail(t *testing.T) {
	repo := newRedisTestRepo(t, 2000)
	ctx := context.Background()
	task := createTestTask(t, repo, "Add readme")

	snap, err := repo.Snapshot(ctx, task.ID)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	appendStatus(t, repo, task.ID, v1.TaskStatusPlanning)
	appendStatus(t, repo, task.ID, v1.TaskStatusExecuting)

	batch, err := repo.TailTask(ctx, task.ID, snap.Cursor, 0, 10)
	if err != nil {
		t.Fatalf("tail failed: %v", err)
	}
	if len(batch.Events) != 2 {
		t.Fatalf("expected the two appended events, got %d", len(batch.Events))
	}
	if batch.Events[0].Payload["status"] != "planning" || batch.Events[1].Payload["status"] != "executing" {
		t.Errorf("events out of order: %v, %v", batch.Events[0].Payload, batch.Events[1].Payload)
	}

	// Resuming from the new cursor returns nothing until the next append.
	next, err := repo.TailTask(ctx, task.ID, batch.Cursor, 0, 10)
	if err != nil {
		t.Fatalf("tail failed: %v", err)
	}
	if len(next.Events) != 0 {
		t.Errorf("expected empty batch, got %d events", len(next.Events))
	}

	updated, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if updated.Status != v1.TaskStatusExecuting {
		t.Errorf("expected derived status executing, got %s", updated.Status)
	}
}

func TestRedisEventLogIsTrimmed(t *testing.T) {
	repo := newRedisTestRepo(t, 5)
	ctx := context.Background()
	task := createTestTask(t, repo, "Add readme")

	for i := 0; i < 20; i++ {
		ev := &models.TaskEvent{Type: v1.EventLogEntry, Payload: map[string]any{"line": i}}
		if _, _, err := repo.AppendEvent(ctx, task.ID, ev); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	snap, err := repo.Snapshot(ctx, task.ID)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snap.Events) > 5 {
		t.Errorf("expected bounded snapshot, got %d events", len(snap.Events))
	}

	batch, err := repo.TailTask(ctx, task.ID, snap.Cursor, 0, 10)
	if err != nil {
		t.Fatalf("tail failed: %v", err)
	}
	if len(batch.Events) != 0 {
		t.Errorf("snapshot cursor should tail nothing until the next append, got %d", len(batch.Events))
	}
}

func TestRedisTailIndexSanitized(t *testing.T) {
	repo := newRedisTestRepo(t, 2000)
	ctx := context.Background()
	createTestTask(t, repo, "first task")
	createTestTask(t, repo, "second task")

	batch, err := repo.TailIndex(ctx, StreamStart, 0, 10)
	if err != nil {
		t.Fatalf("tail index failed: %v", err)
	}
	if len(batch.Tasks) != 2 {
		t.Fatalf("expected 2 index entries, got %d", len(batch.Tasks))
	}
	for _, task := range batch.Tasks {
		if task.Input != nil || task.LatestStreamID != "" {
			t.Error("index stream entries must be sanitized")
		}
	}
}

func TestRedisDeleteTask(t *testing.T) {
	repo := newRedisTestRepo(t, 2000)
	ctx := context.Background()
	task := createTestTask(t, repo, "Add readme")

	if err := repo.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := repo.GetTask(ctx, task.ID); err == nil {
		t.Error("expected not found after delete")
	}
	tasks, err := repo.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected empty index after delete, got %d", len(tasks))
	}
}
