// Package temporal is the Temporal backend of the task queue.
//
// Each queued task runs as one RunQueuedTask workflow execution on a Temporal task queue
// named after the logical queue ("litpipe-articles", "litpipe-analysis", ...). The workflow
// calls the RunTask activity once per attempt and, after the final failure, the
// TaskFailed activity that runs the pipeline's failure hook.
//
// # Enqueueing
//
//	qc := temporal.NewQueueClient(c, temporal.ClientConfig{Namespace: "default"}, metrics)
//	id, err := qc.Enqueue(ctx, taskqueue.QueueArticles, task, 10*time.Minute)
//	if errors.Is(err, taskqueue.ErrDuplicateTask) {
//	    // a task with the same dedup key is still running
//	}
//
// Tasks with a dedup key use it as the workflow id, so the server rejects a second start
// while the first execution is open.
//
// # Workers
//
//	acts := temporal.NewActivities(handler, onFailure, metrics, logger)
//	workers, err := temporal.NewQueueWorkers(c, qc, map[taskqueue.Queue]int{
//	    taskqueue.QueueArticles: 8,
//	}, acts)
//	err = temporal.StartWorkers(ctx, workers...)
//
// # Administration
//
// Drain terminates running executions on a queue and deletes failed ones. Stats counts
// both through the visibility API.
package temporal
