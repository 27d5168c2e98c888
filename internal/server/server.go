// Package server exposes the trade API, health, metrics and the dashboard
// websocket over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/probebot/internal/domain"
	"github.com/alanyoungcy/probebot/internal/server/handler"
	"github.com/alanyoungcy/probebot/internal/server/middleware"
	"github.com/alanyoungcy/probebot/internal/server/ws"
)

// Config holds the listener and middleware settings.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards every route except health and metrics; empty disables auth.
	APIKey string
	// Limiter throttles mutating routes per client IP when set.
	Limiter    domain.RateLimiter
	RateLimit  int
	RateWindow time.Duration
	Gatherer   prometheus.Gatherer
}

// Handlers groups the route handlers. Trades and Admin are nil in monitor
// mode; History and Hub are optional.
type Handlers struct {
	Health  *handler.HealthHandler
	Trades  *handler.TradeHandler
	Admin   *handler.AdminHandler
	History *handler.HistoryHandler
	Hub     *ws.Hub
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the routes and builds the middleware chain:
// CORS, then logging, then auth, with rate limiting on mutating routes.
func NewServer(cfg Config, h Handlers, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           Routes(cfg, h, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Routes returns the full handler; tests drive it through httptest.
func Routes(cfg Config, h Handlers, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	limited := middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateWindow, logger)
	post := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, limited(fn))
	}

	if h.Health != nil {
		mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if h.Trades != nil {
		post("POST /api/entry", h.Trades.Entry)
		post("POST /api/confirm", h.Trades.Confirm)
		post("POST /api/trades/{id}/exit", h.Trades.Exit)
		mux.HandleFunc("GET /api/trades", h.Trades.List)
		mux.HandleFunc("GET /api/trades/{id}", h.Trades.Get)
	}
	if h.Admin != nil {
		post("POST /api/admin/subscribe/{token}", h.Admin.Subscribe)
		mux.HandleFunc("GET /api/events", h.Admin.Events)
	}
	if h.History != nil {
		mux.HandleFunc("GET /api/history", h.History.Closed)
		mux.HandleFunc("GET /api/history/{id}/events", h.History.Events)
		mux.HandleFunc("GET /api/admin/audit", h.History.Audit)
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}

	var out http.Handler = mux
	out = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(out)
	out = middleware.Logging(logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
