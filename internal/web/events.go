// pattern: Imperative Shell

package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"tmuxdeck/internal/registry"
)

// sseWriter wraps a response for server-sent events. Construction fails
// when the connection cannot flush, which SSE requires.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, true
}

// send writes one event with a JSON payload and flushes immediately.
func (s *sseWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// handleCreateContainer streams creation progress as SSE. The stream
// always terminates with a complete or error event.
func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	err := s.registry.CreateContainer(r.Context(), req, func(ev registry.CreateEvent) {
		_ = sse.send(ev.Type, ev)
	})
	if err != nil {
		// The error event already went out on the stream.
		s.logger.Warn("container creation failed", "name", req.Name, "error", err)
	}
}

// handleNotificationStream pushes notification state changes as SSE.
// Every transition (pending, delivered, dismissed, timed_out) is one
// "notification" event.
func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the headers go out so no transition posted after
	// the client sees the stream open can be missed.
	ch := s.router.Subscribe()
	defer s.router.Unsubscribe(ch)

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case n, open := <-ch:
			if !open {
				return
			}
			if err := sse.send("notification", n); err != nil {
				return
			}
		}
	}
}
