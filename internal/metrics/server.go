// Package metrics exposes the manager's Prometheus collectors (metrics.go)
// over HTTP, plus a /healthz route that folds in the manager's own
// liveness concern rather than shipping a bare promhttp mux. This file
// deliberately logs through stdlib log/slog, not internal/log: the
// server's own start/stop logging is not a hot-path concern worth routing
// through the pattern-formatter logger.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports the manager's liveness; a non-nil error fails the
// /healthz route with 503. Checking the registry is initialized is the
// typical caller-supplied check: an empty dataplane with workers still
// responding is healthy, but a caller can also tie this to RX/TX worker
// heartbeat if it wants stricter liveness.
type HealthFunc func() error

// Server is the HTTP server for Prometheus metrics and the manager's
// health check.
type Server struct {
	addr   string
	path   string
	health HealthFunc
	server *http.Server
}

// NewServer creates a new metrics server. health may be nil, in which case
// /healthz always reports healthy.
func NewServer(addr, path string, health HealthFunc) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{
		addr:   addr,
		path:   path,
		health: health,
	}
}

// Start starts the metrics HTTP server.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())
	mux.HandleFunc("/healthz", s.serveHealthz)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting metrics server", "addr", s.addr, "path", s.path)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// serveHealthz reports 200 unless a HealthFunc was supplied and returns an
// error, in which case it reports 503 with the error text as the body.
func (s *Server) serveHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.health(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Stop gracefully stops the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	slog.Info("stopping metrics server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	slog.Info("metrics server stopped")
	return nil
}
