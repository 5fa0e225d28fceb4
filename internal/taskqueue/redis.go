package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis key layout, all under the configured prefix:
//
//	<p>:queue:<q>       list of pending task ids (LPUSH in, RPOP out)
//	<p>:processing:<q>  list of delivered task ids
//	<p>:leases:<q>      zset of delivered task ids scored by lease deadline (unix ms)
//	<p>:failed:<q>      zset of failed task ids scored by failure time
//	<p>:task:<id>       task JSON
//	<p>:dedup:<key>     owning task id
const defaultKeyPrefix = "litpipe"

// enqueueScript stores a task and pushes its id, claiming the dedup key first when one is set.
var enqueueScript = redis.NewScript(`
if ARGV[4] == "1" then
  if not redis.call("SET", KEYS[3], ARGV[1], "NX", "PX", ARGV[3]) then
    return 0
  end
end
redis.call("SET", KEYS[2], ARGV[2])
redis.call("LPUSH", KEYS[1], ARGV[1])
return 1
`)

// releaseScript deletes a dedup key only while it still belongs to the task.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ Broker = (*RedisBroker)(nil)

// RedisBroker stores queues in Redis lists with a lease table for in-flight tasks.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
	opts   Options
	logger zerolog.Logger

	now func() time.Time
}

// NewRedisBroker creates a broker on client. Keys are namespaced by prefix.
func NewRedisBroker(client redis.UniversalClient, prefix string, opts Options, logger zerolog.Logger) *RedisBroker {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisBroker{
		client: client,
		prefix: prefix,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "redis_broker").Logger(),
		now:    time.Now,
	}
}

func (b *RedisBroker) queueKey(q Queue) string      { return b.prefix + ":queue:" + string(q) }
func (b *RedisBroker) processingKey(q Queue) string { return b.prefix + ":processing:" + string(q) }
func (b *RedisBroker) leasesKey(q Queue) string     { return b.prefix + ":leases:" + string(q) }
func (b *RedisBroker) failedKey(q Queue) string     { return b.prefix + ":failed:" + string(q) }
func (b *RedisBroker) taskKey(id string) string     { return b.prefix + ":task:" + id }
func (b *RedisBroker) dedupKey(key string) string   { return b.prefix + ":dedup:" + key }

// Enqueue implements Enqueuer.
func (b *RedisBroker) Enqueue(ctx context.Context, queue Queue, task *Task, timeout time.Duration) (string, error) {
	if task == nil {
		return "", fmt.Errorf("enqueue on %s: nil task", queue)
	}
	task.Prepare(queue, timeout, b.opts.MaxAttempts, b.now())
	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}

	hasDedup := "0"
	if task.DedupKey != "" {
		hasDedup = "1"
	}
	keys := []string{b.queueKey(queue), b.taskKey(task.ID), b.dedupKey(task.DedupKey)}
	res, err := enqueueScript.Run(ctx, b.client, keys,
		task.ID, raw, b.opts.DedupTTL.Milliseconds(), hasDedup).Int()
	if err != nil {
		return "", fmt.Errorf("enqueue %s on %s: %w", task.Kind, queue, err)
	}
	if res == 0 {
		if b.opts.Metrics != nil {
			b.opts.Metrics.RecordTaskDeduplicated(string(queue), task.Kind)
		}
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, task.DedupKey)
	}

	if b.opts.Metrics != nil {
		b.opts.Metrics.RecordTaskEnqueued(string(queue), task.Kind)
	}
	return task.ID, nil
}

// Dequeue implements Broker. The id moves atomically from the pending list to the
// processing list, then the attempt counter and lease are written.
func (b *RedisBroker) Dequeue(ctx context.Context, queue Queue, wait time.Duration) (*Task, error) {
	id, err := b.client.BLMove(ctx, b.queueKey(queue), b.processingKey(queue), "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("dequeue from %s: %w", queue, err)
	}

	task, err := b.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		// Drained or acked while queued; drop the dangling id.
		b.client.LRem(ctx, b.processingKey(queue), 1, id)
		return nil, nil
	}

	task.Attempt++
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	deadline := b.now().Add(task.Timeout + b.opts.LeaseGrace)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.taskKey(id), raw, 0)
		pipe.ZAdd(ctx, b.leasesKey(queue), redis.Z{Score: float64(deadline.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lease task %s: %w", id, err)
	}
	return task, nil
}

func (b *RedisBroker) load(ctx context.Context, id string) (*Task, error) {
	raw, err := b.client.Get(ctx, b.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

// Ack implements Broker.
func (b *RedisBroker) Ack(ctx context.Context, task *Task) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.leasesKey(task.Queue), task.ID)
		pipe.LRem(ctx, b.processingKey(task.Queue), 1, task.ID)
		pipe.Del(ctx, b.taskKey(task.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack task %s: %w", task.ID, err)
	}
	return b.release(ctx, task)
}

// Fail implements Broker. A task whose lease was already taken by the reaper is left alone.
func (b *RedisBroker) Fail(ctx context.Context, task *Task, cause error, retry bool) (bool, error) {
	removed, err := b.client.ZRem(ctx, b.leasesKey(task.Queue), task.ID).Result()
	if err != nil {
		return false, fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	if removed == 0 {
		return false, nil
	}

	task.LastError = errString(cause)
	dead := !retry || task.Attempt >= task.MaxAttempts
	if err := b.settle(ctx, task, dead); err != nil {
		return false, err
	}
	return dead, nil
}

// settle moves a task off the processing list, either back onto its queue or into the
// failed registry. The caller must own the lease.
func (b *RedisBroker) settle(ctx context.Context, task *Task, dead bool) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.processingKey(task.Queue), 1, task.ID)
		pipe.Set(ctx, b.taskKey(task.ID), raw, 0)
		if dead {
			pipe.ZAdd(ctx, b.failedKey(task.Queue), redis.Z{Score: float64(b.now().UnixMilli()), Member: task.ID})
		} else {
			pipe.LPush(ctx, b.queueKey(task.Queue), task.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("settle task %s: %w", task.ID, err)
	}
	if dead {
		return b.release(ctx, task)
	}
	return nil
}

func (b *RedisBroker) release(ctx context.Context, task *Task) error {
	if task.DedupKey == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, b.client, []string{b.dedupKey(task.DedupKey)}, task.ID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release dedup key %s: %w", task.DedupKey, err)
	}
	return nil
}

// Reap implements Broker. Ids on a processing list without a lease belong to a consumer
// that died between BLMOVE and the lease write; they get a short lease of their own.
func (b *RedisBroker) Reap(ctx context.Context) (int, error) {
	total := 0
	for _, q := range AllQueues() {
		n, err := b.reapQueue(ctx, q)
		if err != nil {
			return total, err
		}
		if n > 0 {
			total += n
			if b.opts.Metrics != nil {
				b.opts.Metrics.RecordTasksRedelivered(string(q), n)
			}
		}
	}
	return total, nil
}

func (b *RedisBroker) reapQueue(ctx context.Context, q Queue) (int, error) {
	now := b.now()

	ids, err := b.client.LRange(ctx, b.processingKey(q), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing %s: %w", q, err)
	}
	for _, id := range ids {
		if err := b.client.ZScore(ctx, b.leasesKey(q), id).Err(); errors.Is(err, redis.Nil) {
			b.client.ZAddNX(ctx, b.leasesKey(q), redis.Z{
				Score:  float64(now.Add(b.opts.LeaseGrace).UnixMilli()),
				Member: id,
			})
		}
	}

	expired, err := b.client.ZRangeByScore(ctx, b.leasesKey(q), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired leases %s: %w", q, err)
	}

	n := 0
	for _, id := range expired {
		removed, err := b.client.ZRem(ctx, b.leasesKey(q), id).Result()
		if err != nil {
			return n, fmt.Errorf("expire lease %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		task, err := b.load(ctx, id)
		if err != nil {
			return n, err
		}
		if task == nil {
			b.client.LRem(ctx, b.processingKey(q), 1, id)
			continue
		}
		task.LastError = "lease expired"
		dead := task.Attempt >= task.MaxAttempts
		if err := b.settle(ctx, task, dead); err != nil {
			return n, err
		}
		b.logger.Warn().
			Str("task_id", id).
			Str("queue", string(q)).
			Str("task_kind", task.Kind).
			Int("attempt", task.Attempt).
			Bool("dead", dead).
			Msg("task lease expired")
		n++
	}
	return n, nil
}

// Drain implements Admin.
func (b *RedisBroker) Drain(ctx context.Context, queue Queue) (int64, error) {
	var n int64
	for {
		id, err := b.client.RPop(ctx, b.queueKey(queue)).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("drain %s: %w", queue, err)
		}
		if err := b.discard(ctx, id); err != nil {
			return n, err
		}
		n++
	}

	failed, err := b.client.ZRange(ctx, b.failedKey(queue), 0, -1).Result()
	if err != nil {
		return n, fmt.Errorf("list failed %s: %w", queue, err)
	}
	for _, id := range failed {
		if err := b.discard(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	if err := b.client.Del(ctx, b.failedKey(queue)).Err(); err != nil {
		return n, fmt.Errorf("clear failed %s: %w", queue, err)
	}
	return n, nil
}

func (b *RedisBroker) discard(ctx context.Context, id string) error {
	task, err := b.load(ctx, id)
	if err != nil {
		return err
	}
	if err := b.client.Del(ctx, b.taskKey(id)).Err(); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if task != nil {
		return b.release(ctx, task)
	}
	return nil
}

// Stats implements Admin.
func (b *RedisBroker) Stats(ctx context.Context) ([]Stats, error) {
	queues := AllQueues()
	type counts struct{ pending, inflight, failed *redis.IntCmd }
	cmds := make([]counts, len(queues))

	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, q := range queues {
			cmds[i] = counts{
				pending:  pipe.LLen(ctx, b.queueKey(q)),
				inflight: pipe.LLen(ctx, b.processingKey(q)),
				failed:   pipe.ZCard(ctx, b.failedKey(q)),
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	out := make([]Stats, len(queues))
	for i, q := range queues {
		out[i] = Stats{
			Queue:    q,
			Pending:  cmds[i].pending.Val(),
			InFlight: cmds[i].inflight.Val(),
			Failed:   cmds[i].failed.Val(),
		}
	}
	return out, nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (b *RedisBroker) Close() error {
	return nil
}
