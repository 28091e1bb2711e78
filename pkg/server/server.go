// Package server exposes the ops surface: health and readiness probes,
// Prometheus metrics, and the most recent run summary as JSON.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lootfox/revmatch/pkg/reconcile"
)

// SummarySource yields the latest run summary; the runner implements it.
type SummarySource interface {
	Latest() *reconcile.RunSummary
}

// Config configures a Server.
type Config struct {
	Logger *slog.Logger
	Source SummarySource
	Bind   string
	Port   int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Source == nil {
		return errors.New("summary source is required")
	}
	if c.Bind == "" {
		c.Bind = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8090
	}
	return nil
}

// Server is the ops HTTP server.
type Server struct {
	log    *slog.Logger
	source SummarySource
	srv    *http.Server
}

// New builds the server and its routes.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	s := &Server{log: cfg.Logger, source: cfg.Source}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/runs/latest", s.handleLatestRun)
	})

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready once at least one run has completed its
// pipeline, successfully or not.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	latest := s.source.Latest()
	if latest == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no runs yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "last_run": latest.RunID})
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	latest := s.source.Latest()
	if latest == nil {
		s.writeError(w, http.StatusNotFound, "no runs yet")
		return
	}
	s.writeJSON(w, http.StatusOK, latest)
}

// Start serves until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.log.Info("server: listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("server: encode response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
