// Package admin serves a storage node's local HTTP endpoints: health,
// Prometheus metrics and runtime trace snapshots.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dramcache/dramcache/internal/metrics"
	"github.com/dramcache/dramcache/internal/storage"
	"github.com/dramcache/dramcache/internal/tracing"
)

// Config holds admin server settings.
type Config struct {
	// Status reports the node for /health. Nil serves a bare "ok".
	Status func() storage.Status
	// Tracer serves /debug/trace; a nil tracer answers 503.
	Tracer *tracing.Recorder
	Logger zerolog.Logger
}

// Server is the node admin HTTP server.
type Server struct {
	cfg    Config
	logger zerolog.Logger
	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// New creates an admin server.
func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "admin").Logger(),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.Handle("GET /debug/trace", cfg.Tracer.Handler())
	return s
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin server failed")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Admin server listening")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Status == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
		return
	}

	st := s.cfg.Status()
	code := http.StatusOK
	if !st.Mounted {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(st)
}
