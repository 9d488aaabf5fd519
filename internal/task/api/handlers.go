package api

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events/bus"
	"github.com/taskplane/taskplane/internal/task/service"
)

// Handler contains the HTTP handlers for the task API.
type Handler struct {
	service *service.Service
	bus     bus.EventBus
	logger  *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc *service.Service, eventBus bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		service: svc,
		bus:     eventBus,
		logger:  log.WithComponent("api"),
	}
}

// respondError maps an error to its HTTP status. AppErrors carry their own
// status and marshal to {code, message}; anything else becomes a 500.
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = apperrors.InternalError("unexpected error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// CreateTask creates a new task and enqueues it for dispatch.
// POST /tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	task, err := h.service.CreateTask(c.Request.Context(), req.toInput())
	if err != nil {
		if !apperrors.IsBadRequest(err) {
			h.logger.Error("failed to create task", zap.Error(err))
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, TaskResponse{Task: task.ToAPI()})
}

// ListTasks returns all tasks. With Accept: text/event-stream the response
// switches to the SSE index stream: a snapshot frame, then one frame per
// recorded task update.
// GET /tasks
func (h *Handler) ListTasks(c *gin.Context) {
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		h.streamIndex(c)
		return
	}

	tasks, err := h.service.ListTasks(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list tasks", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, TasksListResponse{Tasks: tasksToAPI(tasks), Total: len(tasks)})
}

// GetTask returns a task snapshot: the record, the retained prefix of its
// event log and the cursor to tail from.
// GET /tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	taskID := c.Param("taskId")

	snap, err := h.service.Snapshot(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshotToResponse(snap))
}

// StreamTaskEvents streams a task's event log over SSE: first the snapshot
// frame, then one frame per appended event.
// GET /tasks/:taskId/events
func (h *Handler) StreamTaskEvents(c *gin.Context) {
	h.streamTask(c, c.Param("taskId"))
}

// HealthCheck reports store reachability and bus connection state.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	resp := HealthResponse{Status: "ok", Store: "ok", Bus: "disconnected"}
	if h.bus != nil && h.bus.IsConnected() {
		resp.Bus = "connected"
	}

	if err := h.service.PingStore(c.Request.Context()); err != nil {
		h.logger.Warn("store ping failed", zap.Error(err))
		resp.Status = "degraded"
		resp.Store = "unavailable"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	c.JSON(http.StatusOK, resp)
}
