package temporal

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/helixir/literature-pipeline/internal/taskqueue"
)

const failureActivityTimeout = time.Minute

// RunQueuedTaskWorkflow runs a queued task as a sequence of single-attempt activities.
// Handler errors are retried up to task.MaxAttempts; timeouts and panics end the task at
// once. After the last failed attempt the failure hook runs as its own activity.
func RunQueuedTaskWorkflow(ctx workflow.Context, task taskqueue.Task) error {
	logger := workflow.GetLogger(ctx)

	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = taskqueue.DefaultMaxAttempts
	}
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = taskqueue.DefaultTimeout
	}

	runCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		task.Attempt = attempt
		err := workflow.ExecuteActivity(runCtx, ActivityRunTask, task).Get(ctx, nil)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		logger.Warn("queued task attempt failed", "task_id", task.ID, "kind", task.Kind, "attempt", attempt, "error", err)
	}

	task.LastError = lastErr.Error()
	failCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: failureActivityTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	if err := workflow.ExecuteActivity(failCtx, ActivityTaskFailed, task, failureReason(lastErr)).Get(ctx, nil); err != nil {
		logger.Error("failure hook activity failed", "task_id", task.ID, "error", err)
	}
	return lastErr
}

func retryable(err error) bool {
	if temporal.IsTimeoutError(err) {
		return false
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.NonRetryable() {
		return false
	}
	return true
}

func failureReason(err error) string {
	if temporal.IsTimeoutError(err) {
		return "timeout"
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() == panicErrorType {
		return "panic"
	}
	return "error"
}
