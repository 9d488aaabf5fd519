package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/config"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events"
	"github.com/taskplane/taskplane/internal/events/bus"
	"github.com/taskplane/taskplane/internal/gateway"
	"github.com/taskplane/taskplane/internal/queue"
	"github.com/taskplane/taskplane/internal/store"
	"github.com/taskplane/taskplane/internal/task/api"
	"github.com/taskplane/taskplane/internal/task/repository"
	"github.com/taskplane/taskplane/internal/task/service"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Taskplane broker...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the durable store
	storeClient, err := store.Open(ctx, cfg.Store, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer storeClient.Close()

	// 5. Connect the event bus. An empty NATS URL selects the in-process bus,
	// which keeps single-node deployments free of a broker dependency.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 6. Initialize the broadcaster
	broadcaster := events.NewBroadcaster(eventBus, log)

	// 7. Initialize the task repository
	repo := repository.NewRedisRepository(storeClient, cfg.Streams.TrimThreshold, log)

	// 8. Initialize the work queue and the expired-lease reaper
	q := queue.NewRedisQueue(storeClient, cfg.Queue.LeaseDuration(), cfg.Queue.MinLeaseTTL(), cfg.Queue.MaxLeaseTTL(), log)
	reaper := queue.NewReaper(q, cfg.Queue.ReapInterval(), log)
	reaper.Start(ctx)

	// 9. Initialize the task service
	svc := service.NewService(repo, q, broadcaster, service.Config{
		ClaimBlock:     cfg.Queue.BlockDuration(),
		TailBlock:      cfg.Streams.TailBlockDuration(),
		LeaseTTL:       cfg.Queue.LeaseDuration(),
		TaskTailLimit:  cfg.Streams.TaskTailMaxCount,
		IndexTailLimit: cfg.Streams.IndexTailMaxCount,
	}, log)

	// 10. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// 11. Register API routes
	api.SetupRoutes(router, svc, eventBus, cfg.Auth, log)

	// 12. Start the WebSocket gateway
	hub := gateway.NewHub(eventBus, log)
	if err := hub.Start(ctx); err != nil {
		log.Fatal("Failed to start websocket gateway", zap.Error(err))
	}
	wsHandler := gateway.NewHandler(hub, log)
	router.GET("/ws/tasks", wsHandler.HandleConnection)

	// 13. Create HTTP server. WriteTimeout defaults to zero so long-lived
	// SSE tails are not cut off by the server.
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 14. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 15. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Taskplane broker...")

	// 16. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	reaper.Stop()

	log.Info("Taskplane broker stopped")
}
