package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// Worker endpoints. All routes here sit behind the internal bearer check.

// ClaimTask long-polls for the next queued task and leases it to the
// calling worker. 204 when nothing became available within the budget.
// POST /internal/worker/tasks
func (h *Handler) ClaimTask(c *gin.Context) {
	var req v1.ClaimTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	resp, err := h.service.Claim(c.Request.Context(), req.WorkerID, 0)
	if err != nil {
		if !apperrors.IsBadRequest(err) {
			h.logger.Error("claim failed", zap.String("worker_id", req.WorkerID), zap.Error(err))
		}
		respondError(c, err)
		return
	}
	if resp == nil {
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// AckTask finishes a claimed task, or returns it to the queue when the body
// carries {"requeue": true}. An empty body acks.
// POST /internal/worker/tasks/:taskId/ack
func (h *Handler) AckTask(c *gin.Context) {
	taskID := c.Param("taskId")

	var req v1.AckTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperrors.BadRequest(err.Error()))
			return
		}
	}

	if err := h.service.Ack(c.Request.Context(), taskID, req.Requeue); err != nil {
		h.logger.Error("ack failed",
			zap.String("task_id", taskID),
			zap.Bool("requeue", req.Requeue),
			zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ExtendLease renews the calling worker's lease on a task. 409 when the
// lease is gone or held by another worker.
// POST /internal/worker/tasks/:taskId/lease
func (h *Handler) ExtendLease(c *gin.Context) {
	taskID := c.Param("taskId")

	var req v1.ExtendLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	lease, err := h.service.ExtendLease(c.Request.Context(), taskID, req.WorkerID, req.TTLMS)
	if err != nil {
		if !apperrors.IsConflict(err) {
			h.logger.Error("lease renewal failed",
				zap.String("task_id", taskID),
				zap.String("worker_id", req.WorkerID),
				zap.Error(err))
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, v1.ExtendLeaseResponse{Lease: lease.ToAPI()})
}

// AppendEvent appends one event to a task's log. The broker assigns id and
// timestamp when the body omits them.
// POST /internal/tasks/:taskId/events
func (h *Handler) AppendEvent(c *gin.Context) {
	taskID := c.Param("taskId")

	var req v1.AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	event, err := h.service.AppendEvent(c.Request.Context(), taskID, &req)
	if err != nil {
		if !apperrors.IsBadRequest(err) && !apperrors.IsNotFound(err) {
			h.logger.Error("append failed",
				zap.String("task_id", taskID),
				zap.String("event_type", string(req.Type)),
				zap.Error(err))
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, v1.AppendEventResponse{Event: event.ToAPI()})
}

// DeleteTask removes a task entirely: record, log, queue and index
// membership. Operator retention endpoint.
// DELETE /internal/tasks/:taskId
func (h *Handler) DeleteTask(c *gin.Context) {
	taskID := c.Param("taskId")

	if err := h.service.DeleteTask(c.Request.Context(), taskID); err != nil {
		if !apperrors.IsNotFound(err) {
			h.logger.Error("delete failed", zap.String("task_id", taskID), zap.Error(err))
		}
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// QueueStats reports queue depth and live lease count.
// GET /internal/queue/stats
func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.service.QueueStats(c.Request.Context())
	if err != nil {
		h.logger.Error("queue stats failed", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}
