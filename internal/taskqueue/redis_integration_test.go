//go:build integration

package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newRedisBroker(t *testing.T, opts Options) *RedisBroker {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	return NewRedisBroker(client, "test", opts, zerolog.Nop())
}

func TestRedisBroker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	b := newRedisBroker(t, Options{MaxAttempts: 2})

	task := mustTask(t, "synthesis", map[string]string{"project_id": "p1"}).WithDedupKey("p1:synthesis")
	_, err := b.Enqueue(ctx, QueueAnalysis, task, time.Minute)
	require.NoError(t, err)

	_, err = b.Enqueue(ctx, QueueAnalysis, mustTask(t, "synthesis", nil).WithDedupKey("p1:synthesis"), time.Minute)
	assert.ErrorIs(t, err, ErrDuplicateTask)

	got, err := b.Dequeue(ctx, QueueAnalysis, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, 1, got.Attempt)
	assert.JSONEq(t, `{"project_id":"p1"}`, string(got.Payload))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Queue: QueueAnalysis, InFlight: 1}, stats[2])

	dead, err := b.Fail(ctx, got, errors.New("model down"), true)
	require.NoError(t, err)
	assert.False(t, dead)

	got, err = b.Dequeue(ctx, QueueAnalysis, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, "model down", got.LastError)

	require.NoError(t, b.Ack(ctx, got))
	_, err = b.Enqueue(ctx, QueueAnalysis, mustTask(t, "synthesis", nil).WithDedupKey("p1:synthesis"), time.Minute)
	assert.NoError(t, err, "ack releases the dedup key")
}

func TestRedisBroker_DequeueTimeout(t *testing.T) {
	b := newRedisBroker(t, Options{})
	got, err := b.Dequeue(context.Background(), QueueArticles, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisBroker_ReapAndDrain(t *testing.T) {
	ctx := context.Background()
	b := newRedisBroker(t, Options{MaxAttempts: 1, LeaseGrace: time.Second})
	clock := time.Now()
	b.now = func() time.Time { return clock }

	_, err := b.Enqueue(ctx, QueueArticles, mustTask(t, "process_article", nil), time.Second)
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, QueueArticles, mustTask(t, "process_article", nil), time.Second)
	require.NoError(t, err)

	got, err := b.Dequeue(ctx, QueueArticles, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	clock = clock.Add(5 * time.Second)
	n, err := b.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dead, err := b.Fail(ctx, got, errors.New("late"), true)
	require.NoError(t, err)
	assert.False(t, dead, "lease already collected")

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Queue: QueueArticles, Pending: 1, Failed: 1}, stats[1])

	removed, err := b.Drain(ctx, QueueArticles)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	stats, err = b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Queue: QueueArticles}, stats[1])
}
