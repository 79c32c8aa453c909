// Package api is the HTTP surface: REST for the task lifecycle, SSE and
// WebSocket for live event streams. It stays a thin shell over
// engine.Service; no business rules live here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fetchd/internal/config"
	"fetchd/internal/engine"
	"fetchd/internal/storage"
)

const maxTorrentUpload = 8 << 20

type Server struct {
	cfg      config.APIConfig
	svc      *engine.Service
	streamer *engine.Streamer
	log      *slog.Logger
	router   *chi.Mux
	httpSrv  *http.Server
}

func NewServer(cfg config.APIConfig, svc *engine.Service, streamer *engine.Streamer, log *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		streamer: streamer,
		log:      log.With(slog.String("component", "api")),
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleSubmit)
		r.Post("/tasks/torrent", s.handleSubmitTorrent)
		r.Get("/tasks", s.handleList)
		r.Get("/stats", s.handleStats)

		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/select", s.handleSelect)
			r.Post("/cancel", s.handleCancel)
			r.Delete("/", s.handleDelete)
			r.Get("/events", s.handleEvents)
			r.Get("/stream", s.handleSSE)
			r.Get("/ws", s.handleWS)
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("api listening", slog.String("addr", s.cfg.Addr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ---------------- handlers ----------------

type submitPayload struct {
	Source string `json:"source"`
	Mode   string `json:"mode"`
	Label  string `json:"label"`
	Owner  string `json:"owner"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var p submitPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// A multi-line source is a batch of links, one task each.
	if batch := splitLines(p.Source); len(batch) > 1 {
		snaps, err := s.svc.SubmitBatch(p.Source, p.Mode, p.Label, p.Owner)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"tasks": snaps})
		return
	}

	snap, reused, err := s.svc.Submit(engine.SubmitRequest{
		Source: p.Source, Mode: p.Mode, Label: p.Label, Owner: p.Owner,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{"task": snap, "reused": reused})
}

func (s *Server) handleSubmitTorrent(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxTorrentUpload+1))
	if err != nil || len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty torrent body")
		return
	}
	if len(data) > maxTorrentUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "torrent too large")
		return
	}

	q := r.URL.Query()
	snap, reused, err := s.svc.SubmitTorrent(data, q.Get("mode"), q.Get("label"), q.Get("owner"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{"task": snap, "reused": reused})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	tasks, total, err := s.svc.List(q.Get("status"), limit, offset)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "total": total})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": snap})
}

type selectPayload struct {
	FileIDs []string `json:"fileIds"`
	All     bool     `json:"all"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var p selectPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	snap, err := s.svc.Select(chi.URLParam(r, "taskID"), p.FileIDs, p.All)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": snap})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Cancel(chi.URLParam(r, "taskID")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	purge, _ := strconv.ParseBool(r.URL.Query().Get("purge_files"))
	if err := s.svc.Delete(chi.URLParam(r, "taskID"), purge); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.svc.Events(chi.URLParam(r, "taskID"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	stats, err := s.svc.Stats(days)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}

// ---------------- helpers ----------------

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, engine.ErrInvalidSource),
		errors.Is(err, engine.ErrInvalidMode),
		errors.Is(err, engine.ErrTooManyLinks),
		errors.Is(err, engine.ErrNoneSelected):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotSelectable),
		errors.Is(err, engine.ErrTaskTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
