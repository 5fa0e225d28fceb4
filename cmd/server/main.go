// Package main provides the entry point for the literature pipeline HTTP API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/helixir/literature-pipeline/internal/app"
	"github.com/helixir/literature-pipeline/internal/config"
	"github.com/helixir/literature-pipeline/internal/database"
	"github.com/helixir/literature-pipeline/internal/intake"
	"github.com/helixir/literature-pipeline/internal/notify"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/pdf"
	"github.com/helixir/literature-pipeline/internal/pipeline"
	"github.com/helixir/literature-pipeline/internal/repository"
	httpserver "github.com/helixir/literature-pipeline/internal/server/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := app.NewLogger(cfg.Logging, "server")
	logger.Info().Msg("literature-pipeline server starting")

	// Set up context with graceful shutdown via OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL.
	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	// Run migrations if configured.
	if cfg.Database.MigrationAutoRun {
		migrator, err := database.NewMigrator(db, cfg.Database.MigrationPath, logger)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		defer func() {
			if closeErr := migrator.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("failed to close migrator")
			}
		}()

		if err := migrator.Up(); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	store := repository.NewPgStore(db, logger)
	metrics := observability.NewMetrics(app.MetricsNamespace)

	var rdb *redis.Client
	if app.NeedsRedis(cfg) {
		rdb, err = app.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis connection established")
	}

	// The hub serves the HTTP event stream. With Redis notifications on it is fed by the
	// subscriber, so events published by workers reach clients of this process.
	hub := notify.NewHub(cfg.Notify.SubscriberBuffer, metrics, logger)
	defer hub.Close()

	publisher, closePublisher := app.NewPublisher(cfg, rdb, hub, metrics)
	defer func() {
		if err := closePublisher(); err != nil {
			logger.Error().Err(err).Msg("failed to close notification publisher")
		}
	}()

	queue, err := app.NewQueue(cfg, rdb, metrics, logger)
	if err != nil {
		return fmt.Errorf("create task queue: %w", err)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close task queue")
		}
	}()

	stages := pipeline.NewStages(store, publisher, metrics, logger)
	files := pdf.NewStore(cfg.Storage.ProjectsDir)
	models := app.NewModelClient(cfg.LLM, metrics, logger)

	indexer, qdrantStore, err := app.NewIndexer(cfg, models, logger)
	if err != nil {
		return err
	}
	defer qdrantStore.Close()

	orchestrator := pipeline.NewOrchestrator(store, stages, queue.Enqueuer, pipeline.Config{
		Timeouts: app.QueueTimeouts(cfg.Queue),
	}, logger,
		pipeline.WithAdmin(queue.Admin),
		pipeline.WithChat(indexer, models),
		pipeline.WithFiles(files),
	)

	errCh := make(chan error, 4)

	if rdb != nil && cfg.Notify.RedisEnabled {
		subscriber := notify.NewRedisSubscriber(rdb, cfg.Notify.ChannelPrefix, hub, logger)
		go func() {
			if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("notification subscriber error: %w", err)
			}
		}()
	}

	// The memory backend only lives in this process, so its tasks run here too.
	if cfg.Queue.Backend == config.QueueBackendMemory {
		if err := app.EnsureIndex(ctx, qdrantStore, logger); err != nil {
			logger.Warn().Err(err).Msg("qdrant collection not ready")
		}
		handlers := app.NewTaskHandlers(cfg, app.HandlerDeps{
			Store:     store,
			Stages:    stages,
			Publisher: publisher,
			Models:    models,
			Indexer:   indexer,
			Files:     files,
			Metrics:   metrics,
		}, logger)
		go func() {
			if err := queue.RunWorkers(ctx, cfg, handlers, handlers.OnFailure, metrics, logger); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("embedded worker pool error: %w", err)
			}
		}()
		logger.Warn().Msg("memory queue backend: tasks run in the server process and are lost on restart")
	}

	if cfg.Kafka.IntakeEnabled {
		listener := intake.NewListener(intake.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.IntakeTopic,
			GroupID: cfg.Kafka.IntakeGroupID,
		}, orchestrator, logger)
		defer func() {
			if err := listener.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close command intake")
			}
		}()

		go func() {
			if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("command intake error")
			}
		}()

		logger.Info().
			Str("topic", cfg.Kafka.IntakeTopic).
			Str("group_id", cfg.Kafka.IntakeGroupID).
			Msg("command intake started")
	}

	checks := map[string]httpserver.HealthCheckFunc{
		"database": db.Ping,
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	httpCfg := httpserver.Config{
		Address:         cfg.Server.HTTPAddress(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RequestTimeout:  cfg.Server.RequestTimeout,
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
	}
	httpSrv := httpserver.NewServer(httpCfg, httpserver.Deps{
		Pipeline: orchestrator,
		Repos:    store.Repos(),
		Events:   hub,
		Checks:   checks,
	}, logger)

	// Set up Prometheus metrics handler on a separate port if configured.
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress(),
			Handler:      metricsMux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	}

	// Start HTTP API server in background.
	go func() {
		logger.Info().
			Str("address", httpCfg.Address).
			Msg("HTTP API server starting")
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Start metrics server if configured.
	if metricsServer != nil {
		go func() {
			logger.Info().
				Str("address", metricsServer.Addr).
				Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	readyLog := logger.Info().
		Str("http_address", httpCfg.Address).
		Str("queue_backend", cfg.Queue.Backend)
	if metricsServer != nil {
		readyLog = readyLog.Str("metrics_address", metricsServer.Addr)
	}
	readyLog.Msg("literature-pipeline server is ready")

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	// Graceful shutdown.
	logger.Info().Msg("shutting down literature-pipeline server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Closing the hub first ends open event streams, which Shutdown would otherwise wait on.
	hub.Close()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	logger.Info().Msg("literature-pipeline server shutdown complete")
	return nil
}
