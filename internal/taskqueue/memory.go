package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memLease struct {
	task     *Task
	deadline time.Time
}

type memQueue struct {
	pending  []*Task
	inflight map[string]*memLease
	failed   map[string]*Task
}

var _ Broker = (*MemoryBroker)(nil)

// MemoryBroker keeps every queue in process memory.
type MemoryBroker struct {
	mu     sync.Mutex
	opts   Options
	queues map[Queue]*memQueue
	dedup  map[string]string
	signal chan struct{}
	closed bool

	now func() time.Time
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker(opts Options) *MemoryBroker {
	b := &MemoryBroker{
		opts:   opts.withDefaults(),
		queues: make(map[Queue]*memQueue),
		dedup:  make(map[string]string),
		signal: make(chan struct{}),
		now:    time.Now,
	}
	for _, q := range AllQueues() {
		b.queues[q] = newMemQueue()
	}
	return b
}

func newMemQueue() *memQueue {
	return &memQueue{
		inflight: make(map[string]*memLease),
		failed:   make(map[string]*Task),
	}
}

func (b *MemoryBroker) queue(q Queue) *memQueue {
	mq, ok := b.queues[q]
	if !ok {
		mq = newMemQueue()
		b.queues[q] = mq
	}
	return mq
}

// wake releases every waiting Dequeue. Callers hold mu.
func (b *MemoryBroker) wake() {
	close(b.signal)
	b.signal = make(chan struct{})
}

// Enqueue implements Enqueuer.
func (b *MemoryBroker) Enqueue(_ context.Context, queue Queue, task *Task, timeout time.Duration) (string, error) {
	if task == nil {
		return "", fmt.Errorf("enqueue on %s: nil task", queue)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBrokerClosed
	}

	if task.DedupKey != "" {
		if _, taken := b.dedup[task.DedupKey]; taken {
			if b.opts.Metrics != nil {
				b.opts.Metrics.RecordTaskDeduplicated(string(queue), task.Kind)
			}
			return "", fmt.Errorf("%w: %s", ErrDuplicateTask, task.DedupKey)
		}
	}

	task.Prepare(queue, timeout, b.opts.MaxAttempts, b.now())
	if task.DedupKey != "" {
		b.dedup[task.DedupKey] = task.ID
	}
	mq := b.queue(queue)
	mq.pending = append(mq.pending, task.clone())
	b.wake()

	if b.opts.Metrics != nil {
		b.opts.Metrics.RecordTaskEnqueued(string(queue), task.Kind)
	}
	return task.ID, nil
}

// Dequeue implements Broker.
func (b *MemoryBroker) Dequeue(ctx context.Context, queue Queue, wait time.Duration) (*Task, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBrokerClosed
		}
		b.reapLocked()
		mq := b.queue(queue)
		if len(mq.pending) > 0 {
			task := mq.pending[0]
			mq.pending = mq.pending[1:]
			task.Attempt++
			mq.inflight[task.ID] = &memLease{
				task:     task,
				deadline: b.now().Add(task.Timeout + b.opts.LeaseGrace),
			}
			out := task.clone()
			b.mu.Unlock()
			return out, nil
		}
		signal := b.signal
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-signal:
		}
	}
}

// Ack implements Broker.
func (b *MemoryBroker) Ack(_ context.Context, task *Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	mq := b.queue(task.Queue)
	if _, ok := mq.inflight[task.ID]; !ok {
		return nil
	}
	delete(mq.inflight, task.ID)
	b.releaseLocked(task)
	return nil
}

// Fail implements Broker.
func (b *MemoryBroker) Fail(_ context.Context, task *Task, cause error, retry bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mq := b.queue(task.Queue)
	lease, ok := mq.inflight[task.ID]
	if !ok {
		// The lease expired and the task was already redelivered or failed.
		return false, nil
	}
	delete(mq.inflight, task.ID)

	stored := lease.task
	stored.LastError = errString(cause)
	if retry && stored.Attempt < stored.MaxAttempts {
		mq.pending = append(mq.pending, stored)
		b.wake()
		return false, nil
	}
	mq.failed[stored.ID] = stored
	b.releaseLocked(stored)
	return true, nil
}

// Reap implements Broker.
func (b *MemoryBroker) Reap(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reapLocked(), nil
}

func (b *MemoryBroker) reapLocked() int {
	now := b.now()
	total := 0
	for name, mq := range b.queues {
		n := 0
		for id, lease := range mq.inflight {
			if now.Before(lease.deadline) {
				continue
			}
			delete(mq.inflight, id)
			lease.task.LastError = "lease expired"
			if lease.task.Attempt >= lease.task.MaxAttempts {
				mq.failed[id] = lease.task
				b.releaseLocked(lease.task)
			} else {
				mq.pending = append(mq.pending, lease.task)
			}
			n++
		}
		if n > 0 {
			total += n
			if b.opts.Metrics != nil {
				b.opts.Metrics.RecordTasksRedelivered(string(name), n)
			}
		}
	}
	if total > 0 {
		b.wake()
	}
	return total
}

func (b *MemoryBroker) releaseLocked(task *Task) {
	if task.DedupKey == "" {
		return
	}
	if owner, ok := b.dedup[task.DedupKey]; ok && owner == task.ID {
		delete(b.dedup, task.DedupKey)
	}
}

// Drain implements Admin.
func (b *MemoryBroker) Drain(_ context.Context, queue Queue) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mq := b.queue(queue)
	var n int64
	for _, t := range mq.pending {
		b.releaseLocked(t)
		n++
	}
	for _, t := range mq.failed {
		b.releaseLocked(t)
		n++
	}
	mq.pending = nil
	mq.failed = make(map[string]*Task)
	return n, nil
}

// Stats implements Admin.
func (b *MemoryBroker) Stats(_ context.Context) ([]Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Stats, 0, len(AllQueues()))
	for _, q := range AllQueues() {
		mq := b.queue(q)
		out = append(out, Stats{
			Queue:    q,
			Pending:  int64(len(mq.pending)),
			InFlight: int64(len(mq.inflight)),
			Failed:   int64(len(mq.failed)),
		})
	}
	return out, nil
}

// Failed returns copies of the tasks in the failed registry of queue.
func (b *MemoryBroker) Failed(queue Queue) []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	mq := b.queue(queue)
	out := make([]*Task, 0, len(mq.failed))
	for _, t := range mq.failed {
		out = append(out, t.clone())
	}
	return out
}

// Close wakes waiting consumers and rejects further calls.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.wake()
	}
	return nil
}
