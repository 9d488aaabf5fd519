package api

import (
	"github.com/gin-gonic/gin"

	"github.com/taskplane/taskplane/internal/common/config"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events/bus"
	"github.com/taskplane/taskplane/internal/task/service"
)

// SetupRoutes mounts the public task API, the SSE streams and the internal
// worker endpoints on the engine.
func SetupRoutes(router *gin.Engine, svc *service.Service, eventBus bus.EventBus, authCfg config.AuthConfig, log *logger.Logger) {
	handler := NewHandler(svc, eventBus, log)

	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(CORS())

	router.GET("/health", handler.HealthCheck)

	tasks := router.Group("/tasks")
	tasks.Use(SessionCookie(authCfg.SessionCookieName))
	{
		tasks.POST("", handler.CreateTask)
		tasks.GET("", handler.ListTasks)
		tasks.GET("/:taskId", handler.GetTask)
		tasks.GET("/:taskId/events", handler.StreamTaskEvents)
	}

	if authCfg.InternalToken == "" {
		log.Warn("INTERNAL_TOKEN is not set, internal endpoints are unauthenticated")
	}
	internal := router.Group("/internal")
	internal.Use(InternalAuth(authCfg.InternalToken))
	{
		internal.POST("/worker/tasks", handler.ClaimTask)
		internal.POST("/worker/tasks/:taskId/ack", handler.AckTask)
		internal.POST("/worker/tasks/:taskId/lease", handler.ExtendLease)
		internal.POST("/tasks/:taskId/events", handler.AppendEvent)
		internal.DELETE("/tasks/:taskId", handler.DeleteTask)
		internal.GET("/queue/stats", handler.QueueStats)
	}
}
