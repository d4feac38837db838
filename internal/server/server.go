// Package server exposes the read-only dashboard API and websocket feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/shortcycle/internal/domain"
	"github.com/alanyoungcy/shortcycle/internal/server/handler"
	"github.com/alanyoungcy/shortcycle/internal/server/middleware"
	"github.com/alanyoungcy/shortcycle/internal/server/ws"
)

type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey enables authentication when set.
	APIKey string
	// RateLimit is requests per minute per client IP; zero disables it.
	RateLimit int
}

type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	Cycles    *handler.CycleHandler
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the routes and wraps them in CORS, auth, rate
// limiting and logging, outermost first. hub and limiter may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := Routes(h, hub)

	var chain http.Handler = mux
	chain = middleware.Logging(logger)(chain)
	chain = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute, logger)(chain)
	chain = middleware.Auth(cfg.APIKey, "/api/health")(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           chain,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the API mux.
func Routes(h Handlers, hub *ws.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", h.Status.GetStatus)
	mux.HandleFunc("GET /api/positions", h.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{symbol}", h.Positions.GetSymbol)
	mux.HandleFunc("GET /api/cycles", h.Cycles.ListCycles)
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}
	return mux
}

// Start blocks until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
