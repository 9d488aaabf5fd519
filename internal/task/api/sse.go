package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
)

// streamRetryDelay spaces retries after a failed tail read so a store
// outage does not spin the handler.
const streamRetryDelay = time.Second

func setStreamHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// writeFrame writes one `event: <type>\ndata: <json>\n\n` frame and flushes.
func writeFrame(w gin.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// writeKeepAlive writes an SSE comment to hold the connection open through
// idle stretches.
func writeKeepAlive(w gin.ResponseWriter) error {
	if _, err := fmt.Fprintf(w, ": keep-alive\n\n"); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// streamTask serves one task's event log over SSE: the snapshot frame, then
// every event appended after the snapshot's cursor, in log order. The
// snapshot is fetched before any headers go out so a missing task is still
// a plain 404.
func (h *Handler) streamTask(c *gin.Context, taskID string) {
	ctx := c.Request.Context()

	snap, err := h.service.Snapshot(ctx, taskID)
	if err != nil {
		respondError(c, err)
		return
	}

	setStreamHeaders(c)
	w := c.Writer
	if err := writeFrame(w, "snapshot", snapshotToResponse(snap)); err != nil {
		return
	}

	log := h.logger.WithTaskID(taskID)
	cursor := snap.Cursor
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := h.service.TailTask(ctx, taskID, cursor, 0)
		if err != nil {
			// The task was deleted mid-stream: nothing more will come.
			if apperrors.IsNotFound(err) || ctx.Err() != nil {
				return
			}
			log.Warn("tail read failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(streamRetryDelay):
			}
			continue
		}

		if len(batch.Events) == 0 {
			if err := writeKeepAlive(w); err != nil {
				return
			}
			continue
		}

		for _, event := range batch.Events {
			if err := writeFrame(w, string(event.Type), event.ToAPI()); err != nil {
				return
			}
		}
		cursor = batch.Cursor
	}
}

// streamIndex serves the global task-index stream over SSE: a snapshot frame
// listing every task, then one `task` frame per recorded update.
func (h *Handler) streamIndex(c *gin.Context) {
	ctx := c.Request.Context()

	// Position before listing: an update landing in between shows up in both
	// the snapshot and the tail, and index frames are whole-task snapshots,
	// so the replay is harmless.
	cursor, err := h.service.IndexCursor(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	tasks, err := h.service.ListTasks(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	setStreamHeaders(c)
	w := c.Writer
	if err := writeFrame(w, "snapshot", IndexSnapshotPayload{Tasks: tasksToAPI(tasks)}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := h.service.TailIndex(ctx, cursor, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("index tail read failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(streamRetryDelay):
			}
			continue
		}

		if len(batch.Tasks) == 0 {
			if err := writeKeepAlive(w); err != nil {
				return
			}
			continue
		}

		for _, task := range batch.Tasks {
			if err := writeFrame(w, "task", task.ToAPI()); err != nil {
				return
			}
		}
		cursor = batch.Cursor
	}
}
