package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"fetchd/internal/bus"
	"fetchd/internal/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Streams are same-origin in the usual deployment and read-only
	// either way; submissions still require the REST surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// handleWS mirrors the SSE stream over a WebSocket: every event is one
// JSON text message, heartbeats become ping frames.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Drain client frames so pong handling and close detection work.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev bus.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if ev.Type() == engine.KindHeartbeat {
			return conn.WriteMessage(websocket.PingMessage, nil)
		}
		return conn.WriteJSON(ev)
	}

	err = s.streamer.Pump(ctx, taskID, send)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("ws stream ended", slog.String("task", taskID), slog.Any("error", err))
	}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
