// Package notify fans progress notifications out to the subscribers of a project.
//
// Delivery is fire-and-forget: a notification that cannot be delivered is logged and
// dropped, and callers never fail because of it. Publishers write to Redis pub/sub, to a
// Kafka topic and to the in-process Hub that backs the HTTP event stream; Multi combines
// them.
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// DefaultChannelPrefix is prepended to a project id to form its channel name.
const DefaultChannelPrefix = "project_"

// Publisher delivers a notification to every subscriber of its project.
type Publisher interface {
	Publish(ctx context.Context, n domain.Notification) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, n domain.Notification) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, n domain.Notification) error {
	return f(ctx, n)
}

// Recorder receives notification metrics. *observability.Metrics satisfies it.
type Recorder interface {
	RecordNotification(eventType, channel string)
	RecordNotificationDropped(channel string)
}

// Channel returns the channel name of a project.
func Channel(prefix, projectID string) string {
	return prefix + projectID
}

// Nop discards every notification.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, domain.Notification) error { return nil }

// Multi publishes to every publisher in order. A failing publisher does not stop the rest;
// their errors are joined.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send publishes n and logs a failure instead of returning it.
func Send(ctx context.Context, pub Publisher, logger zerolog.Logger, n domain.Notification) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, n); err != nil {
		logger.Warn().Err(err).
			Str("project_id", n.ProjectID).
			Str("event", n.Type).
			Msg("failed to publish notification")
	}
}
