package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedFailure struct {
	queue, kind, reason string
}

type fakeRecorder struct {
	mu          sync.Mutex
	enqueued    int
	deduped     int
	completed   int
	failures    []recordedFailure
	redelivered int
}

func (r *fakeRecorder) RecordTaskEnqueued(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueued++
}

func (r *fakeRecorder) RecordTaskDeduplicated(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deduped++
}

func (r *fakeRecorder) RecordTaskCompleted(string, string, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func (r *fakeRecorder) RecordTaskFailed(queue, kind, reason string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, recordedFailure{queue, kind, reason})
}

func (r *fakeRecorder) RecordTasksRedelivered(_ string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redelivered += n
}

func mustTask(t *testing.T, kind string, payload any) *Task {
	t.Helper()
	task, err := NewTask(kind, payload)
	require.NoError(t, err)
	return task
}

func TestNewTask(t *testing.T) {
	task := mustTask(t, "process_article", map[string]string{"article_id": "123"})
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "process_article", task.Kind)

	var payload struct {
		ArticleID string `json:"article_id"`
	}
	require.NoError(t, task.Decode(&payload))
	assert.Equal(t, "123", payload.ArticleID)

	empty := mustTask(t, "noop", nil)
	assert.Error(t, empty.Decode(&payload))
}

func TestParseQueue(t *testing.T) {
	q, err := ParseQueue("articles")
	require.NoError(t, err)
	assert.Equal(t, QueueArticles, q)

	_, err = ParseQueue("default")
	assert.Error(t, err)
}

func TestMemoryBroker_EnqueueDequeue(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	b := NewMemoryBroker(Options{Metrics: rec})

	first := mustTask(t, "a", nil)
	second := mustTask(t, "b", nil)
	id, err := b.Enqueue(ctx, QueueArticles, first, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.ID, id)
	_, err = b.Enqueue(ctx, QueueArticles, second, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.enqueued)

	got, err := b.Dequeue(ctx, QueueArticles, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, time.Minute, got.Timeout)
	assert.Equal(t, QueueArticles, got.Queue)

	got, err = b.Dequeue(ctx, QueueArticles, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, DefaultTimeout, got.Timeout)

	got, err = b.Dequeue(ctx, QueueArticles, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = b.Dequeue(ctx, QueueAnalysis, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got, "queues are independent")
}

func TestMemoryBroker_DequeueWakesOnEnqueue(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(Options{})

	result := make(chan *Task, 1)
	go func() {
		task, _ := b.Dequeue(ctx, QueueBackground, 5*time.Second)
		result <- task
	}()

	time.Sleep(20 * time.Millisecond)
	task := mustTask(t, "pull_model", nil)
	_, err := b.Enqueue(ctx, QueueBackground, task, time.Minute)
	require.NoError(t, err)

	select {
	case got := <-result:
		require.NotNil(t, got)
		assert.Equal(t, task.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestMemoryBroker_DequeueContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewMemoryBroker(Options{})

	_, err := b.Dequeue(ctx, QueueArticles, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryBroker_Dedup(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	b := NewMemoryBroker(Options{Metrics: rec})

	first := mustTask(t, "synthesis", nil).WithDedupKey("project-1:synthesis")
	_, err := b.Enqueue(ctx, QueueAnalysis, first, time.Minute)
	require.NoError(t, err)

	_, err = b.Enqueue(ctx, QueueAnalysis, mustTask(t, "synthesis", nil).WithDedupKey("project-1:synthesis"), time.Minute)
	assert.ErrorIs(t, err, ErrDuplicateTask, "pending task holds the key")
	assert.Equal(t, 1, rec.deduped)

	got, err := b.Dequeue(ctx, QueueAnalysis, 10*time.Millisecond)
	require.NoError(t, err)

	_, err = b.Enqueue(ctx, QueueAnalysis, mustTask(t, "synthesis", nil).WithDedupKey("project-1:synthesis"), time.Minute)
	assert.ErrorIs(t, err, ErrDuplicateTask, "in-flight task holds the key")

	_, err = b.Enqueue(ctx, QueueAnalysis, mustTask(t, "synthesis", nil).WithDedupKey("project-2:synthesis"), time.Minute)
	assert.NoError(t, err, "other projects are unaffected")

	require.NoError(t, b.Ack(ctx, got))
	_, err = b.Enqueue(ctx, QueueAnalysis, mustTask(t, "synthesis", nil).WithDedupKey("project-1:synthesis"), time.Minute)
	assert.NoError(t, err, "ack releases the key")
}

func TestMemoryBroker_FailRetriesUntilMaxAttempts(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(Options{MaxAttempts: 2})

	task := mustTask(t, "search", nil).WithDedupKey("p:search")
	_, err := b.Enqueue(ctx, QueueCoordination, task, time.Minute)
	require.NoError(t, err)

	got, err := b.Dequeue(ctx, QueueCoordination, 10*time.Millisecond)
	require.NoError(t, err)
	dead, err := b.Fail(ctx, got, errors.New("boom"), true)
	require.NoError(t, err)
	assert.False(t, dead)

	got, err = b.Dequeue(ctx, QueueCoordination, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, "boom", got.LastError)

	dead, err = b.Fail(ctx, got, errors.New("boom again"), true)
	require.NoError(t, err)
	assert.True(t, dead)

	failed := b.Failed(QueueCoordination)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom again", failed[0].LastError)

	_, err = b.Enqueue(ctx, QueueCoordination, mustTask(t, "search", nil).WithDedupKey("p:search"), time.Minute)
	assert.NoError(t, err, "a failed task releases its dedup key")
}

func TestMemoryBroker_FailWithoutRetryIsFinal(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(Options{MaxAttempts: 5})

	_, err := b.Enqueue(ctx, QueueArticles, mustTask(t, "process_article", nil), time.Minute)
	require.NoError(t, err)
	got, err := b.Dequeue(ctx, QueueArticles, 10*time.Millisecond)
	require.NoError(t, err)

	dead, err := b.Fail(ctx, got, ErrTaskTimeout, false)
	require.NoError(t, err)
	assert.True(t, dead)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Queue: QueueArticles, Failed: 1}, stats[1])
}

func TestMemoryBroker_ReapExpiredLeases(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	b := NewMemoryBroker(Options{MaxAttempts: 2, LeaseGrace: time.Second, Metrics: rec})
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	_, err := b.Enqueue(ctx, QueueArticles, mustTask(t, "process_article", nil), time.Minute)
	require.NoError(t, err)
	first, err := b.Dequeue(ctx, QueueArticles, 10*time.Millisecond)
	require.NoError(t, err)

	clock = clock.Add(30 * time.Second)
	n, err := b.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still valid")

	clock = clock.Add(time.Minute)
	n, err = b.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, rec.redelivered)

	dead, err := b.Fail(ctx, first, errors.New("late"), true)
	require.NoError(t, err)
	assert.False(t, dead, "a worker that lost its lease cannot settle the task")

	second, err := b.Dequeue(ctx, QueueArticles, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Attempt)

	clock = clock.Add(2 * time.Minute)
	n, err = b.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, b.Failed(QueueArticles), 1)
}

func TestMemoryBroker_DrainAndStats(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(Options{})

	for i := 0; i < 3; i++ {
		_, err := b.Enqueue(ctx, QueueArticles, mustTask(t, "process_article", nil), time.Minute)
		require.NoError(t, err)
	}
	_, err := b.Enqueue(ctx, QueueAnalysis, mustTask(t, "synthesis", nil).WithDedupKey("p:synthesis"), time.Minute)
	require.NoError(t, err)

	running, err := b.Dequeue(ctx, QueueArticles, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, running)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 4)
	assert.Equal(t, Stats{Queue: QueueArticles, Pending: 2, InFlight: 1}, stats[1])
	assert.Equal(t, Stats{Queue: QueueAnalysis, Pending: 1}, stats[2])

	n, err := b.Drain(ctx, QueueArticles)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = b.Drain(ctx, QueueAnalysis)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = b.Enqueue(ctx, QueueAnalysis, mustTask(t, "synthesis", nil).WithDedupKey("p:synthesis"), time.Minute)
	assert.NoError(t, err, "drain releases dedup keys")

	stats, err = b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Queue: QueueArticles, InFlight: 1}, stats[1], "in-flight tasks survive a drain")
}

func TestMemoryBroker_Close(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(Options{})
	require.NoError(t, b.Close())

	_, err := b.Enqueue(ctx, QueueArticles, mustTask(t, "x", nil), time.Minute)
	assert.ErrorIs(t, err, ErrBrokerClosed)
	_, err = b.Dequeue(ctx, QueueArticles, time.Millisecond)
	assert.ErrorIs(t, err, ErrBrokerClosed)
}
