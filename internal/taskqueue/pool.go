package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/observability"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultReapInterval = 15 * time.Second
	hookTimeout         = 30 * time.Second
)

// ErrTaskTimeout marks a task abandoned after exceeding its timeout.
var ErrTaskTimeout = errors.New("task timed out")

// Handler runs a task. A returned error is retried until the task has used its attempts.
type Handler interface {
	Handle(ctx context.Context, task *Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *Task) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, task *Task) error {
	return f(ctx, task)
}

// FailureHook is called once for a task that will not run again.
type FailureHook func(ctx context.Context, task *Task, cause error)

// PanicError carries a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Invoke runs h and converts a panic into a *PanicError.
func Invoke(ctx context.Context, h Handler, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.Handle(ctx, task)
}

// FailureReason classifies a task error for metrics and retry decisions.
func FailureReason(err error) string {
	var pe *PanicError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTaskTimeout):
		return "timeout"
	case errors.As(err, &pe):
		return "panic"
	default:
		return "error"
	}
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Workers is the number of concurrent workers per queue. Queues without an entry are
	// not consumed.
	Workers map[Queue]int
	// PollInterval bounds a single Dequeue wait.
	PollInterval time.Duration
	// ReapInterval is how often expired leases are collected.
	ReapInterval time.Duration
	// OnFailure is called for tasks that failed permanently.
	OnFailure FailureHook
	Metrics   Recorder
	Logger    zerolog.Logger
}

// Pool drains a Broker with a fixed number of workers per queue.
type Pool struct {
	broker  Broker
	handler Handler
	cfg     PoolConfig
	logger  zerolog.Logger
}

// NewPool creates a pool. Call Run to start it.
func NewPool(broker Broker, handler Handler, cfg PoolConfig) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	return &Pool{
		broker:  broker,
		handler: handler,
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Run starts the workers and the lease reaper and blocks until ctx is cancelled. Tasks
// already running when ctx ends finish under their own timeout.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	started := 0
	for _, q := range AllQueues() {
		n := p.cfg.Workers[q]
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(q Queue, id int) {
				defer wg.Done()
				p.work(ctx, q, id)
			}(q, i)
			started++
		}
	}
	if started == 0 {
		return errors.New("worker pool has no workers configured")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reap(ctx)
	}()

	p.logger.Info().Int("workers", started).Msg("worker pool started")
	wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
	return nil
}

func (p *Pool) work(ctx context.Context, queue Queue, id int) {
	logger := p.logger.With().Str("queue", string(queue)).Int("worker", id).Logger()
	for ctx.Err() == nil {
		task, err := p.broker.Dequeue(ctx, queue, p.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrBrokerClosed) {
				return
			}
			logger.Error().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		if task == nil {
			continue
		}
		p.Execute(context.WithoutCancel(ctx), task)
	}
}

func (p *Pool) reap(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.broker.Reap(ctx)
			if err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("lease reaper failed")
			} else if n > 0 {
				p.logger.Warn().Int("tasks", n).Msg("expired leases collected")
			}
		}
	}
}

// Execute runs one delivered task and settles it with the broker.
func (p *Pool) Execute(ctx context.Context, task *Task) {
	logger := observability.WithTaskContext(p.logger, task.ID, string(task.Queue), task.Kind, task.Attempt)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tctx = observability.WithTaskID(observability.WithLogger(tctx, logger), task.ID)

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- Invoke(tctx, p.handler, task)
	}()

	var err error
	select {
	case err = <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrTaskTimeout, timeout, err)
		}
	case <-tctx.Done():
		err = fmt.Errorf("%w after %s", ErrTaskTimeout, timeout)
	}
	elapsed := time.Since(start).Seconds()

	if err == nil {
		if ackErr := p.broker.Ack(ctx, task); ackErr != nil {
			logger.Error().Err(ackErr).Msg("ack failed")
		}
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordTaskCompleted(string(task.Queue), task.Kind, elapsed)
		}
		logger.Debug().Float64("duration_seconds", elapsed).Msg("task completed")
		return
	}

	reason := FailureReason(err)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordTaskFailed(string(task.Queue), task.Kind, reason, elapsed)
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		logger.Error().Str("stack", string(pe.Stack)).Msg("task panicked")
	}

	dead, failErr := p.broker.Fail(ctx, task, err, reason == "error")
	if failErr != nil {
		logger.Error().Err(failErr).AnErr("cause", err).Msg("recording task failure failed")
		return
	}
	if !dead {
		logger.Warn().Err(err).Int("max_attempts", task.MaxAttempts).Msg("task failed, will retry")
		return
	}

	logger.Error().Err(err).Str("reason", reason).Msg("task failed permanently")
	p.runHook(ctx, task, err, logger)
}

func (p *Pool) runHook(ctx context.Context, task *Task, cause error, logger zerolog.Logger) {
	if p.cfg.OnFailure == nil {
		return
	}
	hctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("failure hook panicked")
		}
	}()
	p.cfg.OnFailure(observability.WithLogger(hctx, logger), task, cause)
}
