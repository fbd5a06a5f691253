package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/willynikes2/GenOS/internal/model"
	"github.com/willynikes2/GenOS/internal/registry"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// environmentEventsResponse is the JSON response for the per-environment
// transition history.
type environmentEventsResponse struct {
	EnvironmentID string        `json:"environment_id"`
	Events        []model.Event `json:"events"`
}

func (s *Server) handleEnvironmentEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetEnvironment(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "environment not found")
			return
		}
		s.logger.Error("get environment for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get environment")
		return
	}

	after := parseInt64Query(r, "after", 0)
	limit := parseIntQuery(r, "limit", defaultEventLimit)
	if limit <= 0 || limit > maxEventLimit {
		limit = defaultEventLimit
	}

	events, err := s.store.EventsAfter(r.Context(), id, after, limit)
	if err != nil {
		s.logger.Error("get events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	s.writeJSON(w, http.StatusOK, environmentEventsResponse{
		EnvironmentID: id,
		Events:        events,
	})
}

// handleStreamEvents serves the transition stream over SSE. The cursor comes
// from ?after= or, on reconnect, the Last-Event-ID header; each frame carries
// the event's global sequence as its SSE id, so a dropped client resumes
// without losing transitions.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	envID := r.URL.Query().Get("environment_id")
	after := parseInt64Query(r, "after", 0)
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if v, err := strconv.ParseInt(lastID, 10, 64); err == nil {
			after = v
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	sub := s.bus.Subscribe(r.Context(), envID, after)
	defer sub.Close()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Bus shut down; tell the client before closing.
				_ = writeSSEEvent(w, "done", "stream closed")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSETransition(w, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSETransition writes one committed transition as an SSE frame with the
// global sequence as its id.
func writeSSETransition(w http.ResponseWriter, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, payload)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}

// parseInt64Query parses an int64 query parameter with a default value.
func parseInt64Query(r *http.Request, key string, defaultVal int64) int64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return defaultVal
	}
	return v
}
