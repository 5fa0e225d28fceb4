package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	// sseHeartbeatInterval is how often a comment line keeps idle proxies from closing the stream.
	sseHeartbeatInterval = 15 * time.Second
	// sseMaxDuration is the maximum time an SSE stream may remain open.
	sseMaxDuration = 4 * time.Hour
)

// Event names written on the stream.
const (
	sseEventSnapshot     = "snapshot"
	sseEventNotification = "notification"
	sseEventTimeout      = "timeout"
)

// projectSnapshot is the first event of a stream, so clients need not poll for the
// state the notifications are relative to.
type projectSnapshot struct {
	ProjectID      string    `json:"project_id"`
	Status         string    `json:"status"`
	PmidsCount     int       `json:"pmids_count"`
	ProcessedCount int       `json:"processed_count"`
	Timestamp      time.Time `json:"timestamp"`
}

// streamEvents handles GET /projects/{projectID}/events (SSE). Every notification published
// for the project is forwarded until the client disconnects or sseMaxDuration elapses.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	project, err := s.repos.Projects.Get(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// The server write timeout would otherwise cut the stream.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Debug().Err(err).Msg("could not clear write deadline")
	}

	ctx, cancel := context.WithTimeout(r.Context(), sseMaxDuration)
	defer cancel()

	events, unsubscribe := s.events.Subscribe(ctx, projectID)
	defer unsubscribe()

	sendSSEEvent(w, flusher, sseEventSnapshot, projectSnapshot{
		ProjectID:      project.ID,
		Status:         string(project.Status),
		PmidsCount:     project.PmidsCount,
		ProcessedCount: project.ProcessedCount,
		Timestamp:      time.Now().UTC(),
	})

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				sendSSEEvent(w, flusher, sseEventTimeout, map[string]string{
					"project_id": projectID,
					"message":    "stream max duration exceeded",
				})
			}
			return

		case n, open := <-events:
			if !open {
				return
			}
			sendSSEEvent(w, flusher, sseEventNotification, n)

		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// sendSSEEvent writes a single SSE event to the response writer.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	flusher.Flush()
}
