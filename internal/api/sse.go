package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fetchd/internal/bus"
	"fetchd/internal/engine"
	"fetchd/internal/storage"
)

// handleSSE streams the task's live events as Server-Sent Events. Each
// event is one `event:`/`data:` pair; heartbeats go out as comment lines
// so EventSource clients keep the connection open without dispatching.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev bus.Event) error {
		if ev.Type() == engine.KindHeartbeat {
			_, err := fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
			return err
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type(), data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := s.streamer.Pump(r.Context(), taskID, send)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, storage.ErrNotFound):
		// Headers already sent; emit the miss as an event.
		_ = send(bus.Event{"type": "error", "error": "task not found"})
	default:
		s.log.Warn("sse stream ended", slog.String("task", taskID), slog.Any("error", err))
	}
}
