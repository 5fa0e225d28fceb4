// Package taskqueue implements the four logical work queues of the pipeline and the worker
// pool that drains them.
//
// A Broker stores tasks and hands them to workers one at a time. Three backends exist: a
// Redis broker (lists plus a lease table), an in-memory broker for tests and single-process
// runs, and a Temporal backend that runs each task as a workflow execution.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue names a logical work queue.
type Queue string

// The pipeline queues.
const (
	QueueCoordination Queue = "coordination"
	QueueArticles     Queue = "articles"
	QueueAnalysis     Queue = "analysis"
	QueueBackground   Queue = "background"
)

// AllQueues returns every queue in a stable order.
func AllQueues() []Queue {
	return []Queue{QueueCoordination, QueueArticles, QueueAnalysis, QueueBackground}
}

// ParseQueue validates a queue name.
func ParseQueue(s string) (Queue, error) {
	for _, q := range AllQueues() {
		if string(q) == s {
			return q, nil
		}
	}
	return "", fmt.Errorf("unknown queue %q", s)
}

// Default limits used when a broker is created with zero options.
const (
	DefaultMaxAttempts = 3
	DefaultLeaseGrace  = 30 * time.Second
	DefaultDedupTTL    = 24 * time.Hour
	DefaultTimeout     = 30 * time.Minute
)

var (
	// ErrDuplicateTask is returned by Enqueue when a task with the same dedup key is
	// pending or in flight.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrBrokerClosed is returned by operations on a closed broker.
	ErrBrokerClosed = errors.New("broker closed")
)

// Task is one unit of queued work.
type Task struct {
	ID          string          `json:"id"`
	Queue       Queue           `json:"queue"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	DedupKey    string          `json:"dedup_key,omitempty"`
	Timeout     time.Duration   `json:"timeout"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// NewTask builds a task of the given kind with payload encoded as JSON.
func NewTask(kind string, payload any) (*Task, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		raw = b
	}
	return &Task{ID: uuid.NewString(), Kind: kind, Payload: raw}, nil
}

// WithDedupKey sets the dedup key and returns the task.
func (t *Task) WithDedupKey(key string) *Task {
	t.DedupKey = key
	return t
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	if len(t.Payload) == 0 {
		return fmt.Errorf("task %s (%s) has no payload", t.ID, t.Kind)
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Kind, err)
	}
	return nil
}

func (t *Task) clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	return &c
}

// Prepare fills the fields every backend sets on enqueue.
func (t *Task) Prepare(queue Queue, timeout time.Duration, maxAttempts int, now time.Time) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Queue = queue
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t.Timeout = timeout
	t.MaxAttempts = maxAttempts
	t.Attempt = 0
	t.EnqueuedAt = now.UTC()
}

// Stats is a point-in-time view of one queue.
type Stats struct {
	Queue    Queue `json:"queue"`
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Failed   int64 `json:"failed"`
}

// Enqueuer submits tasks.
type Enqueuer interface {
	// Enqueue stores task on queue with the given timeout and returns its handle.
	Enqueue(ctx context.Context, queue Queue, task *Task, timeout time.Duration) (string, error)
}

// Admin exposes queue maintenance.
type Admin interface {
	// Drain removes pending and failed tasks from queue and returns how many were removed.
	// In-flight tasks are left to finish.
	Drain(ctx context.Context, queue Queue) (int64, error)
	Stats(ctx context.Context) ([]Stats, error)
}

// Broker is a queue backend drained by a Pool.
type Broker interface {
	Enqueuer
	Admin

	// Dequeue waits up to wait for a task on queue. It returns nil, nil when none arrived.
	Dequeue(ctx context.Context, queue Queue, wait time.Duration) (*Task, error)
	// Ack removes a finished task.
	Ack(ctx context.Context, task *Task) error
	// Fail records a failed attempt. With retry set the task is requeued until it has used
	// its attempts. It reports whether the task ended up in the failed registry.
	Fail(ctx context.Context, task *Task, cause error, retry bool) (bool, error)
	// Reap redelivers tasks whose lease expired and returns how many it touched.
	Reap(ctx context.Context) (int, error)
	Close() error
}

// Recorder receives queue metrics. *observability.Metrics satisfies it.
type Recorder interface {
	RecordTaskEnqueued(queue, kind string)
	RecordTaskDeduplicated(queue, kind string)
	RecordTaskCompleted(queue, kind string, durationSeconds float64)
	RecordTaskFailed(queue, kind, reason string, durationSeconds float64)
	RecordTasksRedelivered(queue string, count int)
}

// Options tune broker behavior.
type Options struct {
	// MaxAttempts is the number of deliveries before a task is moved to the failed registry.
	MaxAttempts int
	// LeaseGrace is added to the task timeout to form the lease deadline.
	LeaseGrace time.Duration
	// DedupTTL bounds how long a dedup key may outlive a lost task.
	DedupTTL time.Duration
	Metrics  Recorder
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.LeaseGrace <= 0 {
		o.LeaseGrace = DefaultLeaseGrace
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = DefaultDedupTTL
	}
	return o
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
