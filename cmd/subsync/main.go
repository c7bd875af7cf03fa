package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"subsync/internal/api"
	"subsync/internal/config"
	"subsync/internal/connectivity"
	"subsync/internal/db"
	"subsync/internal/jobs"
	"subsync/internal/model"
	"subsync/internal/notify"
	"subsync/internal/pubsub"
	"subsync/internal/sched"
	"subsync/internal/schema"
	"subsync/internal/service"
	"subsync/internal/settings"
	"subsync/internal/storage"
	"subsync/internal/syncq"
	"subsync/internal/upstream"
	"subsync/internal/ws"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrations(); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		os.Exit(0)
	}

	if len(os.Args) > 1 && os.Args[1] == "goose-migrate" {
		if err := runGooseMigrations(); err != nil {
			log.Fatalf("Goose migration failed: %v", err)
		}
		os.Exit(0)
	}

	if len(os.Args) > 1 && os.Args[1] != "serve" {
		log.Fatalf("Unknown command: %s (use 'serve', 'migrate' or 'goose-migrate')", os.Args[1])
	}

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection. The gateway keeps working without it, just
	// with in-memory state only.
	var queries *db.Queries
	dbPool, err := db.NewPool(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Warn("Database unavailable, running without persistence", zap.Error(err))
	} else {
		queries = dbPool.Queries
		defer dbPool.Close()
	}

	// Redis connection
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	// Pub/sub bus and WebSocket hub
	bus := pubsub.New(rdb, logger)
	hub := ws.NewHub(logger)
	hub.SetStreamsProvider(&wsStreamsAdapter{streams: bus.GetStreams()})
	go hub.Run()
	bus.SetWSHub(hub)

	// Client settings
	settingsStore := settings.NewStore(rdb, logger)
	if err := settingsStore.Load(ctx); err != nil {
		logger.Warn("Failed to load settings, using defaults", zap.Error(err))
	}

	// Local staging for queued file uploads
	stagingStore, err := storage.NewStaging(cfg.Staging.BaseDir)
	if err != nil {
		logger.Fatal("Failed to initialize staging directory", zap.Error(err))
	}
	policy := &storage.UploadPolicy{
		MaxFileBytes: cfg.Staging.MaxFileSize,
		MimeTypes:    []string{"text/*", "application/json", "application/pdf", "application/zip"},
		Extensions:   []string{"txt", "csv", "json", "pdf", "zip", "md"},
	}

	// Upstream API client and connectivity monitor
	client := upstream.NewClient(
		cfg.Upstream.BaseURL,
		cfg.Upstream.WSBaseURL,
		cfg.Upstream.AuthToken,
		cfg.Upstream.RequestTimeout,
		logger,
	)
	monitor := connectivity.NewMonitor(client, cfg.Upstream.ProbeInterval, logger)

	// Submission pipeline
	clock := sched.NewReal()
	notifier := notify.NewDispatcher(queries, bus, clock, logger)
	defer notifier.Stop()

	schemaComp := schema.NewCompilerWithCache(64)
	store := service.NewSubmissionService(queries, client, stagingStore, schemaComp, bus, notifier, cfg, logger)
	if err := store.SetParamsSchema(ctx, service.DefaultParamsSchema()); err != nil {
		logger.Fatal("Failed to compile query parameter schema", zap.Error(err))
	}

	poller := service.NewProgressPoller(service.NewUpstreamSource(client), store, clock, cfg, logger)
	defer poller.Stop()

	queue := syncq.New(queries, store, bus, clock, cfg, logger)
	queue.SetConnectivity(monitor)

	store.SetSyncQueue(queue)
	store.SetTracker(poller)
	store.SetConnectivity(monitor)

	if err := queue.Start(ctx); err != nil {
		logger.Fatal("Failed to start sync queue", zap.Error(err))
	}
	defer queue.Stop()

	monitor.Start(ctx)
	defer monitor.Stop()

	// Replay the offline queue as soon as the upstream comes back.
	monitor.Subscribe(func(old, new model.ConnectivityState) {
		if !old.Online && new.Online {
			go queue.Kick()
		}
	})

	// Pick up submissions that were in flight before the last shutdown.
	if err := store.Resume(ctx); err != nil {
		logger.Warn("Failed to resume submissions", zap.Error(err))
	}

	// Background maintenance jobs
	if dbPool != nil {
		jobServer, jobClient := jobs.NewJobServer(cfg.RedisAddr, dbPool, bus, cfg.Sync.Retention, logger)
		jobServer.SetEvictor(store)
		go func() {
			if err := jobServer.Start(); err != nil {
				logger.Fatal("Job server failed", zap.Error(err))
			}
		}()
		defer jobServer.Stop()

		if err := jobs.ScheduleMaintenance(jobClient); err != nil {
			logger.Error("Failed to schedule maintenance tasks", zap.Error(err))
		}
	}

	// WebSocket commands
	cmdHandler := ws.NewCommandHandler(store, queue, monitor, notifier, logger)
	hub.SetCommandHandler(cmdHandler)

	// HTTP server
	handler := api.Routes(api.Dependencies{
		Store:     store,
		Queue:     queue,
		Monitor:   monitor,
		Notifier:  notifier,
		Settings:  settingsStore,
		Upstream:  client,
		Policy:    policy,
		Hub:       hub,
		JWTSecret: cfg.JWTSecret,
		Log:       logger,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	logger.Info("Starting server", zap.String("addr", cfg.ListenAddr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// wsStreamsAdapter adapts pubsub.Streams to ws.StreamsProvider
type wsStreamsAdapter struct {
	streams *pubsub.Streams
}

func (a *wsStreamsAdapter) GetLastSequence(channel, connectionID string) (int64, error) {
	return a.streams.GetLastSequence(channel, connectionID)
}

func (a *wsStreamsAdapter) AcknowledgeSequence(channel, connectionID string, sequence int64) error {
	return a.streams.AcknowledgeSequence(channel, connectionID, sequence)
}

func (a *wsStreamsAdapter) ReplayEvents(channel string, sinceSeq int64, limit int64) ([]ws.StreamEvent, error) {
	events, err := a.streams.ReplayEvents(channel, sinceSeq, limit)
	if err != nil {
		return nil, err
	}

	wsEvents := make([]ws.StreamEvent, len(events))
	for i, e := range events {
		wsEvents[i] = ws.StreamEvent{
			Channel:   e.Channel,
			Sequence:  e.Sequence,
			Event:     e.Event,
			Timestamp: e.Timestamp,
		}
	}

	return wsEvents, nil
}
