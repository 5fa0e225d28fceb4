// Package main provides the entry point for the literature pipeline task worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/helixir/literature-pipeline/internal/app"
	"github.com/helixir/literature-pipeline/internal/config"
	"github.com/helixir/literature-pipeline/internal/database"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/pdf"
	"github.com/helixir/literature-pipeline/internal/pipeline"
	"github.com/helixir/literature-pipeline/internal/repository"
)

const healthService = "literature_pipeline.worker"

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

	logger := app.NewLogger(cfg.Logging, "worker")
	logger.Info().Str("queue_backend", cfg.Queue.Backend).Msg("literature-pipeline worker starting")

	if cfg.Queue.Backend == config.QueueBackendMemory {
		return fmt.Errorf("queue backend %q is served by the server process; run a standalone worker with redis or temporal", cfg.Queue.Backend)
	}

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

	// Workers have no local subscribers; progress reaches clients through Redis or Kafka.
	publisher, closePublisher := app.NewPublisher(cfg, rdb, nil, metrics)
	defer func() {
		if err := closePublisher(); err != nil {
			logger.Error().Err(err).Msg("failed to close notification publisher")
		}
	}()
	if !cfg.Notify.RedisEnabled && !cfg.Notify.KafkaEnabled {
		logger.Warn().Msg("no notification sink enabled; progress events from this worker are discarded")
	}

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
	models := app.NewModelClient(cfg.LLM, metrics, logger)

	indexer, qdrantStore, err := app.NewIndexer(cfg, models, logger)
	if err != nil {
		return err
	}
	defer qdrantStore.Close()

	if err := app.EnsureIndex(ctx, qdrantStore, logger); err != nil {
		// Indexing tasks fail and retry until the collection exists; other queues keep working.
		logger.Warn().Err(err).Msg("qdrant collection not ready")
	}

	handlers := app.NewTaskHandlers(cfg, app.HandlerDeps{
		Store:     store,
		Stages:    stages,
		Publisher: publisher,
		Models:    models,
		Indexer:   indexer,
		Files:     pdf.NewStore(cfg.Storage.ProjectsDir),
		Metrics:   metrics,
	}, logger)

	// Register gRPC health check.
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	grpcAddr := cfg.Server.GRPCAddress()
	grpcListener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", grpcAddr, err)
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info().Str("address", grpcAddr).Msg("health server starting")
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("health server error: %w", err)
		}
	}()

	workersDone := make(chan error, 1)
	go func() {
		workersDone <- queue.RunWorkers(ctx, cfg, handlers, handlers.OnFailure, metrics, logger)
	}()

	logger.Info().
		Str("health_address", grpcAddr).
		Msg("literature-pipeline worker is ready")

	// Wait for shutdown signal or worker error.
	var runErr error
	workersStopped := false
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("health server error")
		runErr = err
	case err := <-workersDone:
		workersStopped = true
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("worker error")
			runErr = err
		}
	}

	// Graceful shutdown.
	logger.Info().Msg("shutting down literature-pipeline worker")
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	stop()

	// In-flight tasks finish before the process exits.
	if !workersStopped {
		if err := <-workersDone; err != nil && runErr == nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("worker stopped with error")
		}
	}
	grpcServer.GracefulStop()

	logger.Info().Msg("literature-pipeline worker shutdown complete")
	return runErr
}
