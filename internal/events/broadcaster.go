package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events/bus"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// source identifies the broker on the bus envelope.
const source = "taskplane"

// Broadcaster fans task activity out over the event bus. Publishing is
// best-effort: failures are logged and never surface to the write path,
// because the durable record already lives in the store.
type Broadcaster struct {
	bus bus.EventBus
	log *logger.Logger
}

// NewBroadcaster creates a broadcaster over an open event bus.
func NewBroadcaster(eventBus bus.EventBus, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		bus: eventBus,
		log: log.WithComponent("broadcaster"),
	}
}

// PublishTaskUpdate announces a changed task record.
func (b *Broadcaster) PublishTaskUpdate(ctx context.Context, task *v1.Task) {
	subject := BuildTaskUpdatedSubject(task.ID)
	if err := b.bus.Publish(ctx, subject, bus.NewEvent(TaskUpdated, source, task)); err != nil {
		b.log.Warn("failed to publish task update",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// PublishTaskDeleted announces that a task record was removed.
func (b *Broadcaster) PublishTaskDeleted(ctx context.Context, taskID string) {
	subject := BuildTaskDeletedSubject(taskID)
	payload := map[string]string{"taskId": taskID}
	if err := b.bus.Publish(ctx, subject, bus.NewEvent(TaskDeleted, source, payload)); err != nil {
		b.log.Warn("failed to publish task deletion",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// PublishTaskEvent announces an event appended to a task's log. The bus
// envelope carries the event's own type so subscribers can filter without
// decoding the payload.
func (b *Broadcaster) PublishTaskEvent(ctx context.Context, event *v1.TaskEvent) {
	subject := BuildTaskEventsSubject(event.TaskID)
	if err := b.bus.Publish(ctx, subject, bus.NewEvent(string(event.Type), source, event)); err != nil {
		b.log.Warn("failed to publish task event",
			zap.String("task_id", event.TaskID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}
