// Package http provides the HTTP producer for EpochBus.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /v1/messages
//	POST   /v1/messages/batch
//	GET    /v1/stats
//	GET    /v1/ws
//	GET    /metrics
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/snehjoshi/epochbus/internal/config"
	"github.com/snehjoshi/epochbus/internal/metrics"
	"github.com/snehjoshi/epochbus/internal/transport"
	transportws "github.com/snehjoshi/epochbus/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with EpochBus route wiring.
type Server struct {
	inner *http.Server
	ws    *transportws.Handler
}

// New builds a Server publishing through in. reg may be nil, in which case
// /metrics is not mounted. The caller is responsible for ListenAndServe and
// Shutdown.
func New(in *transport.Ingress, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{ingress: in, started: time.Now()}
	ws := transportws.NewHandler(in, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /v1/messages", h.publish)
	mux.HandleFunc("POST /v1/messages/batch", h.publishBatch)
	mux.HandleFunc("GET /v1/stats", h.stats)
	mux.Handle("GET /v1/ws", ws)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	mw := []middleware{
		observe(logger, reg),
		maxBody(int64(cfg.HTTP.MaxBodyKB) << 10),
	}
	if cfg.Auth.Enabled {
		mw = append(mw, authenticate(cfg.Auth.APIKey, cfg.Auth.JWTSecret, "/health", "/metrics"))
	}
	if cfg.HTTP.RPS > 0 {
		mw = append(mw, rateLimit(cfg.HTTP.RPS, cfg.HTTP.Burst))
	}

	return &Server{
		inner: &http.Server{
			Handler:           chain(mux, mw...),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		ws: ws,
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on addr (e.g. ":8080"). It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish. Open WebSocket streams are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.inner.Shutdown(ctx)
	s.ws.Close()
	return err
}
