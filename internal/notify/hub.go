package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/domain"
)

const defaultSubscriberBuffer = 64

// Hub is an in-process fan-out of notifications to subscribers, keyed by project id.
// A subscriber whose buffer is full misses the notification.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan domain.Notification]struct{}
	buffer      int
	metrics     Recorder
	logger      zerolog.Logger
}

var _ Publisher = (*Hub)(nil)

// NewHub creates a hub whose subscribers buffer up to buffer notifications each.
func NewHub(buffer int, metrics Recorder, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subscribers: make(map[string]map[chan domain.Notification]struct{}),
		buffer:      buffer,
		metrics:     metrics,
		logger:      logger.With().Str("component", "notify_hub").Logger(),
	}
}

// Subscribe registers a subscriber for projectID. The returned channel is closed when ctx
// is done or the returned cancel function is called.
func (h *Hub) Subscribe(ctx context.Context, projectID string) (<-chan domain.Notification, func()) {
	ch := make(chan domain.Notification, h.buffer)

	h.mu.Lock()
	if h.subscribers[projectID] == nil {
		h.subscribers[projectID] = make(map[chan domain.Notification]struct{})
	}
	h.subscribers[projectID][ch] = struct{}{}
	count := len(h.subscribers[projectID])
	h.mu.Unlock()

	h.logger.Debug().Str("project_id", projectID).Int("subscribers", count).Msg("subscribed")

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.remove(projectID, ch) })
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel
}

// Publish delivers n to the current subscribers of its project without blocking.
func (h *Hub) Publish(_ context.Context, n domain.Notification) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers[n.ProjectID] {
		select {
		case ch <- n:
			if h.metrics != nil {
				h.metrics.RecordNotification(n.Type, "hub")
			}
		default:
			if h.metrics != nil {
				h.metrics.RecordNotificationDropped("hub")
			}
			h.logger.Warn().Str("project_id", n.ProjectID).Str("event", n.Type).Msg("subscriber buffer full, dropping notification")
		}
	}
	return nil
}

// SubscriberCount returns the number of subscribers of projectID.
func (h *Hub) SubscriberCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[projectID])
}

// Close closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for projectID, subs := range h.subscribers {
		for ch := range subs {
			close(ch)
		}
		delete(h.subscribers, projectID)
	}
}

func (h *Hub) remove(projectID string, ch chan domain.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[projectID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, projectID)
	}
}
