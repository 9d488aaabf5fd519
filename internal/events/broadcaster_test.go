package events

import (
	"context"
	"testing"
	"time"

	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events/bus"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

func newTestBroadcaster(t *testing.T) (*Broadcaster, *bus.MemoryEventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	return NewBroadcaster(eventBus, log), eventBus
}

func TestBroadcasterPublishTaskUpdate(t *testing.T) {
	b, eventBus := newTestBroadcaster(t)

	received := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe(BuildTaskUpdatedWildcardSubject(), func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.PublishTaskUpdate(context.Background(), &v1.Task{ID: "t1", Status: v1.TaskStatusPlanning})

	select {
	case e := <-received:
		if e.Type != TaskUpdated {
			t.Errorf("expected envelope type %s, got %s", TaskUpdated, e.Type)
		}
		task, ok := e.Data.(*v1.Task)
		if !ok {
			t.Fatalf("expected *v1.Task payload, got %T", e.Data)
		}
		if task.ID != "t1" || task.Status != v1.TaskStatusPlanning {
			t.Errorf("unexpected task payload: %+v", task)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task update")
	}
}

func TestBroadcasterPublishTaskEvent(t *testing.T) {
	b, eventBus := newTestBroadcaster(t)

	received := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe(BuildTaskEventsSubject("t1"), func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.PublishTaskEvent(context.Background(), &v1.TaskEvent{
		ID:     "ev-1",
		TaskID: "t1",
		Type:   v1.EventLogEntry,
	})

	select {
	case e := <-received:
		// The envelope type mirrors the log event's own type.
		if e.Type != string(v1.EventLogEntry) {
			t.Errorf("expected envelope type %s, got %s", v1.EventLogEntry, e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}
}

func TestBroadcasterPublishTaskDeleted(t *testing.T) {
	b, eventBus := newTestBroadcaster(t)

	received := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe(BuildTaskDeletedSubject("t1"), func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.PublishTaskDeleted(context.Background(), "t1")

	select {
	case e := <-received:
		payload, ok := e.Data.(map[string]string)
		if !ok {
			t.Fatalf("expected map payload, got %T", e.Data)
		}
		if payload["taskId"] != "t1" {
			t.Errorf("expected taskId t1, got %q", payload["taskId"])
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for deletion")
	}
}
