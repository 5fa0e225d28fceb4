package temporal

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/temporal"

	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/taskqueue"
)

const panicErrorType = "TaskPanic"

// Activities adapts a taskqueue.Handler and failure hook to Temporal activities.
type Activities struct {
	handler   taskqueue.Handler
	onFailure taskqueue.FailureHook
	metrics   taskqueue.Recorder
	logger    zerolog.Logger
}

// NewActivities creates the activity set executed by queue workers.
func NewActivities(handler taskqueue.Handler, onFailure taskqueue.FailureHook, metrics taskqueue.Recorder, logger zerolog.Logger) *Activities {
	return &Activities{
		handler:   handler,
		onFailure: onFailure,
		metrics:   metrics,
		logger:    logger.With().Str("component", "temporal_activities").Logger(),
	}
}

// RunTask invokes the handler. A panic becomes a non-retryable application error.
func (a *Activities) RunTask(ctx context.Context, task taskqueue.Task) error {
	logger := observability.WithTaskContext(a.logger, task.ID, string(task.Queue), task.Kind, task.Attempt)
	ctx = observability.WithTaskID(observability.WithLogger(ctx, logger), task.ID)

	start := time.Now()
	err := taskqueue.Invoke(ctx, a.handler, &task)
	elapsed := time.Since(start).Seconds()

	if err == nil {
		if a.metrics != nil {
			a.metrics.RecordTaskCompleted(string(task.Queue), task.Kind, elapsed)
		}
		return nil
	}

	reason := taskqueue.FailureReason(err)
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	if a.metrics != nil {
		a.metrics.RecordTaskFailed(string(task.Queue), task.Kind, reason, elapsed)
	}

	var pe *taskqueue.PanicError
	if errors.As(err, &pe) {
		logger.Error().Str("stack", string(pe.Stack)).Msg("task panicked")
		return temporal.NewNonRetryableApplicationError(pe.Error(), panicErrorType, nil)
	}
	logger.Warn().Err(err).Msg("task attempt failed")
	return err
}

// TaskFailed runs the failure hook for a task that will not run again.
func (a *Activities) TaskFailed(ctx context.Context, task taskqueue.Task, reason string) error {
	logger := observability.WithTaskContext(a.logger, task.ID, string(task.Queue), task.Kind, task.Attempt)
	logger.Error().Str("reason", reason).Str("last_error", task.LastError).Msg("task failed permanently")

	if a.onFailure == nil {
		return nil
	}
	cause := errors.New(task.LastError)
	if reason == "timeout" {
		cause = taskqueue.ErrTaskTimeout
	}
	a.onFailure(observability.WithLogger(ctx, logger), &task, cause)
	return nil
}
