// Package server exposes the read-only query API and the real-time
// websocket channel over one HTTP listener.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/agentlens/internal/broadcast"
	"github.com/thebtf/agentlens/internal/session"
	"github.com/thebtf/agentlens/pkg/models"
)

const (
	defaultStepsPageSize = 100
	shutdownGrace        = 5 * time.Second
)

// Server serves the query surface consumed by the UI/CLI layer plus the
// /ws push channel.
type Server struct {
	addr      string
	store     *session.Store
	hub       *broadcast.Hub
	filter    session.Filter
	queueSize int
	router    chi.Router
}

// New creates a server. filter is the injected default policy for session
// listings; queueSize bounds each connection's outbound queue.
func New(addr string, store *session.Store, hub *broadcast.Hub, filter session.Filter, queueSize int) *Server {
	s := &Server{
		addr:      addr,
		store:     store,
		hub:       hub,
		filter:    filter,
		queueSize: queueSize,
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/api/sessions", s.handleListSessions)
	s.router.Get("/api/sessions/{sessionID}", s.handleGetSession)
	s.router.Get("/api/sessions/{sessionID}/steps", s.handleGetSteps)
	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/ws", s.handleWS)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info().Str("addr", s.addr).Msg("Server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleListSessions returns the sessions passing the filter. Query params
// override the injected policy: status (comma-separated), min_steps,
// active_within_min.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	f := s.filter
	q := r.URL.Query()

	if raw := q.Get("status"); raw != "" {
		f.Statuses = nil
		for _, part := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, models.SessionStatus(strings.TrimSpace(part)))
		}
	}
	if raw := q.Get("min_steps"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			f.MinSteps = n
		}
	}
	if raw := q.Get("active_within_min"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			f.ActiveWithin = time.Duration(n) * time.Minute
		}
	}

	s.writeJSON(w, map[string]any{"sessions": s.store.List(f)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	state, ok := s.store.Session(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, state)
}

// handleGetSteps returns one page of a session's primary step sequence.
func (s *Server) handleGetSteps(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := s.store.Session(sessionID); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	offset := parseIntParam(r, "offset", 0)
	limit := parseIntParam(r, "limit", defaultStepsPageSize)

	steps, total := s.store.Steps(sessionID, offset, limit)
	s.writeJSON(w, map[string]any{
		"session_id": sessionID,
		"steps":      steps,
		"total":      total,
		"offset":     offset,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.store.Dashboard())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
