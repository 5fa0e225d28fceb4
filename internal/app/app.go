// Package app assembles the collaborators shared by the server and worker binaries from
// the loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/client"

	"github.com/helixir/literature-pipeline/internal/config"
	"github.com/helixir/literature-pipeline/internal/notify"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/taskqueue"
	"github.com/helixir/literature-pipeline/internal/temporal"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "literature_pipeline"

// NewLogger creates the process logger tagged with component.
func NewLogger(cfg config.LoggingConfig, component string) zerolog.Logger {
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		AddSource:  cfg.AddSource,
		TimeFormat: cfg.TimeFormat,
	})
	return logger.With().Str("component", component).Logger()
}

// NewRedisClient creates a client and checks the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// NeedsRedis reports whether the configuration uses Redis for queueing or notifications.
func NeedsRedis(cfg *config.Config) bool {
	return cfg.Queue.Backend == config.QueueBackendRedis || cfg.Notify.RedisEnabled
}

// QueueTimeouts converts the configured per-queue timeouts.
func QueueTimeouts(cfg config.QueueConfig) map[taskqueue.Queue]time.Duration {
	out := make(map[taskqueue.Queue]time.Duration, len(taskqueue.AllQueues()))
	for _, q := range taskqueue.AllQueues() {
		out[q] = cfg.TimeoutFor(string(q), taskqueue.DefaultTimeout)
	}
	return out
}

// QueueWorkers converts the configured per-queue worker counts.
func QueueWorkers(cfg config.QueueConfig) map[taskqueue.Queue]int {
	out := make(map[taskqueue.Queue]int, len(taskqueue.AllQueues()))
	for _, q := range taskqueue.AllQueues() {
		out[q] = cfg.WorkersFor(string(q))
	}
	return out
}

// Queue is the configured queue backend. Broker is nil for the temporal backend, whose
// tasks are run by Temporal workers instead of a Pool.
type Queue struct {
	Backend  string
	Enqueuer taskqueue.Enqueuer
	Admin    taskqueue.Admin
	Broker   taskqueue.Broker

	Temporal    client.Client
	QueueClient *temporal.QueueClient
}

// NewQueue creates the backend selected by queue.backend. rdb is required for the redis
// backend only.
func NewQueue(cfg *config.Config, rdb redis.UniversalClient, metrics *observability.Metrics, logger zerolog.Logger) (*Queue, error) {
	opts := taskqueue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		LeaseGrace:  cfg.Queue.LeaseGrace,
		DedupTTL:    cfg.Queue.DedupTTL,
		Metrics:     metrics,
	}

	switch cfg.Queue.Backend {
	case config.QueueBackendRedis:
		if rdb == nil {
			return nil, errors.New("redis queue backend needs a redis client")
		}
		b := taskqueue.NewRedisBroker(rdb, cfg.Redis.KeyPrefix, opts, logger)
		return &Queue{Backend: cfg.Queue.Backend, Enqueuer: b, Admin: b, Broker: b}, nil

	case config.QueueBackendMemory:
		b := taskqueue.NewMemoryBroker(opts)
		return &Queue{Backend: cfg.Queue.Backend, Enqueuer: b, Admin: b, Broker: b}, nil

	case config.QueueBackendTemporal:
		clientCfg := temporal.ClientConfig{
			HostPort:        cfg.Temporal.HostPort,
			Namespace:       cfg.Temporal.Namespace,
			TaskQueuePrefix: cfg.Temporal.TaskQueuePrefix,
			MaxAttempts:     cfg.Queue.MaxAttempts,
			Logger:          observability.NewTemporalLogger(logger),
		}
		c, err := temporal.NewClient(clientCfg)
		if err != nil {
			return nil, err
		}
		logger.Info().
			Str("host_port", cfg.Temporal.HostPort).
			Str("namespace", cfg.Temporal.Namespace).
			Msg("temporal client connected")
		qc := temporal.NewQueueClient(c, clientCfg, metrics)
		return &Queue{Backend: cfg.Queue.Backend, Enqueuer: qc, Admin: qc, Temporal: c, QueueClient: qc}, nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}

// RunWorkers consumes every queue with handler until ctx is cancelled.
func (q *Queue) RunWorkers(ctx context.Context, cfg *config.Config, handler taskqueue.Handler, onFailure taskqueue.FailureHook, metrics *observability.Metrics, logger zerolog.Logger) error {
	workers := QueueWorkers(cfg.Queue)

	if q.Broker == nil {
		acts := temporal.NewActivities(handler, onFailure, metrics, logger)
		ws, err := temporal.NewQueueWorkers(q.Temporal, q.QueueClient, workers, acts)
		if err != nil {
			return fmt.Errorf("create temporal workers: %w", err)
		}
		logger.Info().Int("workers", len(ws)).Msg("starting temporal queue workers")
		return temporal.StartWorkers(ctx, ws...)
	}

	pool := taskqueue.NewPool(q.Broker, handler, taskqueue.PoolConfig{
		Workers:      workers,
		PollInterval: cfg.Queue.PollInterval,
		ReapInterval: cfg.Queue.ReapInterval,
		OnFailure:    onFailure,
		Metrics:      metrics,
		Logger:       logger,
	})
	logger.Info().Str("backend", q.Backend).Interface("workers", workers).Msg("starting worker pool")
	return pool.Run(ctx)
}

// Close releases the backend connection.
func (q *Queue) Close() error {
	if q.Temporal != nil {
		q.Temporal.Close()
		return nil
	}
	if q.Broker != nil {
		return q.Broker.Close()
	}
	return nil
}

// NewPublisher combines the configured notification sinks. With Redis notifications on,
// local delivery happens through a RedisSubscriber, so local is only published to directly
// when Redis is off. The returned func closes the Kafka writer.
func NewPublisher(cfg *config.Config, rdb redis.UniversalClient, local notify.Publisher, metrics *observability.Metrics) (notify.Publisher, func() error) {
	var pubs notify.Multi
	closeFn := func() error { return nil }

	if cfg.Notify.RedisEnabled && rdb != nil {
		pubs = append(pubs, notify.NewRedisPublisher(rdb, cfg.Notify.ChannelPrefix, metrics))
	} else if local != nil {
		pubs = append(pubs, local)
	}

	if cfg.Notify.KafkaEnabled {
		kp := notify.NewKafkaPublisher(notify.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.EventsTopic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}, metrics)
		pubs = append(pubs, kp)
		closeFn = kp.Close
	}

	if len(pubs) == 0 {
		return notify.Nop{}, closeFn
	}
	return pubs, closeFn
}
