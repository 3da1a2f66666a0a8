// Package main is the entry point for the fleet coordinator.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aiori-io/aiori/internal/common/config"
	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/common/tracing"
	"github.com/aiori-io/aiori/internal/coordinator/api"
	"github.com/aiori-io/aiori/internal/coordinator/registry"
	"github.com/aiori-io/aiori/internal/coordinator/store"
	"github.com/aiori-io/aiori/internal/coordinator/subscriptions"
	"github.com/aiori-io/aiori/internal/coordinator/workflow"
	"github.com/aiori-io/aiori/internal/durable"
	"github.com/aiori-io/aiori/internal/events/bus"
	"github.com/aiori-io/aiori/internal/olap"
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

	log.Info("Starting aiori coordinator...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus
	var eventBus bus.Bus
	if cfg.NATS.URL == "" {
		eventBus = bus.NewMemoryBus(log)
		log.Info("Using in-memory bus (no NATS URL configured)")
	} else {
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	}
	defer eventBus.Close()

	// 5. Open the persistence store
	st, err := store.Open(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	// 6. Open the durable substrate
	substrate, err := durable.Open(ctx, cfg.Durable.URL, cfg.Coordinator.ExecQueueSize, log)
	if err != nil {
		log.Fatal("Failed to open durable substrate", zap.Error(err))
	}
	defer substrate.Close()

	// 7. Build the coordinator components
	reg := registry.New(st, eventBus, log,
		cfg.Coordinator.HeartbeatIntervalDuration(),
		cfg.Coordinator.HeartbeatTimeoutFactor)

	engine := workflow.New(st, eventBus, reg, substrate, log,
		cfg.Coordinator.DeathSweepIntervalDuration())

	subs := subscriptions.New(eventBus, engine.HandleResult, log)
	reg.SetSyncer(subs)
	reg.SetDeathHandler(engine.OnAgentDeath)

	// 8. Wire the OLAP sink; the coordinator runs fine without it
	var sink olap.Sink = olap.NewNop()
	if cfg.OLAP.Enabled() {
		chSink, err := olap.New(ctx, cfg.OLAP, eventBus, log)
		if err != nil {
			log.Warn("ClickHouse unavailable, running without OLAP telemetry", zap.Error(err))
		} else {
			sink = chSink
		}
	}
	engine.SetCompletionHook(sink.OnWorkflowTerminal)

	// 9. Start the engine, then the registry; result subscriptions armed
	// by agent hydration must find the workflow index already loaded
	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to start workflow engine", zap.Error(err))
	}
	if err := reg.Start(ctx); err != nil {
		log.Fatal("Failed to start agent registry", zap.Error(err))
	}
	if cfg.Coordinator.ReconcileEnabled {
		reg.StartReconciler(ctx, cfg.Coordinator.ReconcileIntervalDuration())
	}
	if err := sink.Start(ctx); err != nil {
		log.Error("Failed to start OLAP sink", zap.Error(err))
	}

	// 10. Start the async execution queue
	queue := durable.NewWorkerQueue(substrate, log, cfg.Coordinator.ExecWorkers)
	api.RegisterExecuteWorker(queue, engine, log)
	queue.Start(ctx)

	// 11. Start the diagnostics stream
	stream := api.NewStream(eventBus, log)
	if err := stream.Start(ctx); err != nil {
		log.Fatal("Failed to start diagnostics stream", zap.Error(err))
	}

	// 12. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.RequestLogger(log))
	router.Use(api.ErrorHandler(log))
	router.Use(api.Recovery(log))
	router.Use(api.CORS())

	// 13. Register API routes
	apiV1 := router.Group("/api/v1")
	api.SetupRoutes(apiV1, reg, engine, queue, stream, log)

	// 14. Health and metrics at root level
	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		if !eventBus.IsConnected() {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":            status,
			"bus_connected":     eventBus.IsConnected(),
			"agents_alive":      len(reg.List(registry.FilterAlive)),
			"stream_clients":    stream.ClientCount(),
			"subscribed_agents": len(subs.Active()),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 15. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 16. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 17. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down aiori coordinator...")

	// 18. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop intake before the sink so buffered telemetry still flushes
	queue.Stop()
	reg.Stop()
	engine.Stop()
	if err := sink.Close(); err != nil {
		log.Error("OLAP sink close error", zap.Error(err))
	}

	cancel()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("aiori coordinator stopped")
}
