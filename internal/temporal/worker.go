package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/helixir/literature-pipeline/internal/taskqueue"
)

// WorkerConfig contains configuration for one queue worker.
type WorkerConfig struct {
	// TaskQueue is the name of the task queue to poll.
	TaskQueue string

	// MaxConcurrentActivityExecutionSize bounds concurrently running tasks.
	// Default: 4
	MaxConcurrentActivityExecutionSize int

	// MaxConcurrentWorkflowTaskExecutionSize is the maximum concurrent workflow task executions.
	// Default: 10
	MaxConcurrentWorkflowTaskExecutionSize int

	// MaxConcurrentActivityTaskPollers is the number of activity task pollers.
	// Default: 2
	MaxConcurrentActivityTaskPollers int

	// MaxConcurrentWorkflowTaskPollers is the number of workflow task pollers.
	// Default: 2
	MaxConcurrentWorkflowTaskPollers int
}

// DefaultWorkerConfig returns a WorkerConfig with default values.
func DefaultWorkerConfig(taskQueue string) WorkerConfig {
	return WorkerConfig{
		TaskQueue:                              taskQueue,
		MaxConcurrentActivityExecutionSize:     4,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
		MaxConcurrentActivityTaskPollers:       2,
		MaxConcurrentWorkflowTaskPollers:       2,
	}
}

// workerOptionsFromConfig builds worker.Options from WorkerConfig, applying defaults
// for any zero-valued fields.
func workerOptionsFromConfig(config WorkerConfig) worker.Options {
	defaults := DefaultWorkerConfig(config.TaskQueue)
	options := worker.Options{
		MaxConcurrentActivityExecutionSize:     config.MaxConcurrentActivityExecutionSize,
		MaxConcurrentWorkflowTaskExecutionSize: config.MaxConcurrentWorkflowTaskExecutionSize,
		MaxConcurrentActivityTaskPollers:       config.MaxConcurrentActivityTaskPollers,
		MaxConcurrentWorkflowTaskPollers:       config.MaxConcurrentWorkflowTaskPollers,
	}

	if options.MaxConcurrentActivityExecutionSize == 0 {
		options.MaxConcurrentActivityExecutionSize = defaults.MaxConcurrentActivityExecutionSize
	}
	if options.MaxConcurrentWorkflowTaskExecutionSize == 0 {
		options.MaxConcurrentWorkflowTaskExecutionSize = defaults.MaxConcurrentWorkflowTaskExecutionSize
	}
	if options.MaxConcurrentActivityTaskPollers == 0 {
		options.MaxConcurrentActivityTaskPollers = defaults.MaxConcurrentActivityTaskPollers
	}
	if options.MaxConcurrentWorkflowTaskPollers == 0 {
		options.MaxConcurrentWorkflowTaskPollers = defaults.MaxConcurrentWorkflowTaskPollers
	}

	return options
}

// Register adds the queued-task workflow and activities to a worker or test environment.
func Register(r interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}, acts *Activities) {
	r.RegisterWorkflowWithOptions(RunQueuedTaskWorkflow, workflow.RegisterOptions{Name: WorkflowRunQueuedTask})
	r.RegisterActivityWithOptions(acts.RunTask, activity.RegisterOptions{Name: ActivityRunTask})
	r.RegisterActivityWithOptions(acts.TaskFailed, activity.RegisterOptions{Name: ActivityTaskFailed})
}

// NewWorker creates a worker polling one task queue with the queued-task workflow and
// activities registered.
func NewWorker(c client.Client, config WorkerConfig, acts *Activities) (worker.Worker, error) {
	if config.TaskQueue == "" {
		return nil, fmt.Errorf("task queue is required")
	}

	w := worker.New(c, config.TaskQueue, workerOptionsFromConfig(config))
	Register(w, acts)
	return w, nil
}

// NewQueueWorkers creates one worker per logical queue with a non-zero worker count. The
// count bounds concurrent task executions on that queue.
func NewQueueWorkers(c client.Client, qc *QueueClient, workers map[taskqueue.Queue]int, acts *Activities) ([]worker.Worker, error) {
	var out []worker.Worker
	for _, q := range taskqueue.AllQueues() {
		n := workers[q]
		if n <= 0 {
			continue
		}
		config := DefaultWorkerConfig(qc.TaskQueue(q))
		config.MaxConcurrentActivityExecutionSize = n
		w, err := NewWorker(c, config, acts)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if len(out) == 0 {
		return nil, errors.New("no queue workers configured")
	}
	return out, nil
}

// StartWorkers starts every worker and blocks until ctx is cancelled or one of them fails.
func StartWorkers(ctx context.Context, workers ...worker.Worker) error {
	for i, w := range workers {
		if err := w.Start(); err != nil {
			for _, started := range workers[:i] {
				started.Stop()
			}
			return fmt.Errorf("start worker: %w", err)
		}
	}

	<-ctx.Done()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w worker.Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
	return ctx.Err()
}
