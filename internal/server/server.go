// Package server provides the worker's HTTP endpoints: liveness, readiness,
// consumer counters and a stream of the status messages it emits.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jonathan/pagetest-worker/internal/bridge"
	"github.com/jonathan/pagetest-worker/internal/measure"
	"github.com/jonathan/pagetest-worker/internal/types"
)

const (
	shutdownTimeout   = 10 * time.Second
	keepAliveInterval = 15 * time.Second
)

// StatsSource reports consumer counters
type StatsSource interface {
	Stats() bridge.Stats
}

// StatusSubscriber streams emitted status messages
type StatusSubscriber interface {
	Subscribe() (<-chan types.StatusMessage, func())
}

// Config holds server configuration
type Config struct {
	Addr string
	// Image is the runtime prerequisite; nil counts as ready.
	Image    *measure.ImageState
	Consumer StatsSource
	Events   StatusSubscriber
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	cfg        Config
}

// New creates a new server instance
func New(cfg Config) *Server {
	s := &Server{cfg: cfg}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes returns the router with all endpoints mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/stats", s.handleStats)
	r.Get("/events", s.handleEvents)
	return r
}

// Run serves until ctx is canceled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Health server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("Health server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readiness is the body of /readyz
type readiness struct {
	Ready    bool                 `json:"ready"`
	Image    *measure.ImageStatus `json:"image,omitempty"`
	Consumer *bridge.Stats        `json:"consumer,omitempty"`
}

// handleReady reports ready when the runtime image is usable and the
// consumer loop is running.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	body := readiness{Ready: true}
	if s.cfg.Image != nil {
		st := s.cfg.Image.Status()
		body.Image = &st
		body.Ready = body.Ready && st.Ready
	}
	if s.cfg.Consumer != nil {
		st := s.cfg.Consumer.Stats()
		body.Consumer = &st
		body.Ready = body.Ready && st.Consuming
	}

	status := http.StatusOK
	if !body.Ready {
		status = http.StatusServiceUnavailable
	}
	jsonResponse(w, status, body)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Consumer == nil {
		errorResponse(w, http.StatusNotFound, "no consumer running")
		return
	}
	jsonResponse(w, http.StatusOK, s.cfg.Consumer.Stats())
}

// handleEvents streams status messages as they are sent. With ?id= only the
// messages of that job are streamed and the stream ends after its terminal
// status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		errorResponse(w, http.StatusNotFound, "no status stream available")
		return
	}
	sse, err := NewSSEWriter(w)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	jobID := r.URL.Query().Get("id")
	events, cancel := s.cfg.Events.Subscribe()
	defer cancel()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	_ = sse.WriteComment("connected")
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := sse.WriteComment("keep-alive"); err != nil {
				return
			}
		case msg, ok := <-events:
			if !ok {
				return
			}
			if jobID != "" && msg.ID != jobID {
				continue
			}
			if err := sse.WriteEvent("status", msg); err != nil {
				return
			}
			if jobID != "" && msg.Status.IsTerminal() {
				_ = sse.WriteComplete(msg.ID, string(msg.Status))
				return
			}
		}
	}
}

// jsonResponse writes a JSON response
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Error encoding JSON response", "error", err)
	}
}

// errorResponse writes an error JSON response
func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}
