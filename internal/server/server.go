// Package server exposes the import pipeline and its read side over HTTP and
// WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/server/handler"
	"github.com/alanyoungcy/tradeledger/internal/server/middleware"
	"github.com/alanyoungcy/tradeledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// ImportRateLimit caps manual import requests per client per
	// ImportRateWindow. Zero disables limiting.
	ImportRateLimit  int
	ImportRateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Imports   *handler.ImportHandler
	Positions *handler.PositionHandler
	Dashboard *handler.DashboardHandler
	Legacy    *handler.LegacyHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// limiter and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, limiter, wsHub, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // manual reprocess runs inline
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed and middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	manual := func(h http.HandlerFunc) http.Handler {
		if limiter == nil || cfg.ImportRateLimit <= 0 {
			return h
		}
		return middleware.RateLimit(limiter, "imports", cfg.ImportRateLimit, cfg.ImportRateWindow, logger)(h)
	}
	mux.Handle("POST /api/imports/file", manual(handlers.Imports.ImportFile))
	mux.Handle("POST /api/imports/reprocess", manual(handlers.Imports.Reprocess))
	mux.HandleFunc("GET /api/imports", handlers.Imports.List)

	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{id}/chart", handlers.Positions.GetChart)
	mux.HandleFunc("GET /api/dashboard", handlers.Dashboard.GetDashboard)

	for _, route := range handler.LegacyRoutes {
		mux.HandleFunc(route, handlers.Legacy.Gone)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
