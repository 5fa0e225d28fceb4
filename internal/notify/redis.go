package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// redisPublishClient is the part of *redis.Client the publisher uses.
type redisPublishClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher publishes notifications as JSON on the project's Redis channel.
type RedisPublisher struct {
	client  redisPublishClient
	prefix  string
	metrics Recorder
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a publisher over client. An empty prefix uses
// DefaultChannelPrefix.
func NewRedisPublisher(client redis.UniversalClient, prefix string, metrics Recorder) *RedisPublisher {
	return newRedisPublisher(client, prefix, metrics)
}

func newRedisPublisher(client redisPublishClient, prefix string, metrics Recorder) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix, metrics: metrics}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	channel := Channel(p.prefix, n.ProjectID)
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		if p.metrics != nil {
			p.metrics.RecordNotificationDropped("redis")
		}
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	if p.metrics != nil {
		p.metrics.RecordNotification(n.Type, "redis")
	}
	return nil
}

// RedisSubscriber relays notifications published on Redis by any process into a local
// Publisher, usually the Hub that serves the HTTP event stream.
type RedisSubscriber struct {
	client redis.UniversalClient
	prefix string
	target Publisher
	logger zerolog.Logger
}

// NewRedisSubscriber creates a subscriber for every channel starting with prefix.
func NewRedisSubscriber(client redis.UniversalClient, prefix string, target Publisher, logger zerolog.Logger) *RedisSubscriber {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisSubscriber{
		client: client,
		prefix: prefix,
		target: target,
		logger: logger.With().Str("component", "notify_redis_subscriber").Logger(),
	}
}

// Run relays messages until ctx is done.
func (s *RedisSubscriber) Run(ctx context.Context) error {
	pubsub := s.client.PSubscribe(ctx, s.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s*: %w", s.prefix, err)
	}
	s.logger.Info().Str("pattern", s.prefix+"*").Msg("relaying notifications")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.relay(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (s *RedisSubscriber) relay(ctx context.Context, channel, payload string) {
	var n domain.Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		s.logger.Warn().Err(err).Str("channel", channel).Msg("discarding malformed notification")
		return
	}
	if n.ProjectID == "" {
		n.ProjectID = strings.TrimPrefix(channel, s.prefix)
	}
	if err := s.target.Publish(ctx, n); err != nil {
		s.logger.Warn().Err(err).Str("channel", channel).Msg("failed to relay notification")
	}
}
