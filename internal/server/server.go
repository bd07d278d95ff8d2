// Package server is a thin stdlib net/http + encoding/json read API:
// markets, outcomes, price history, trades, orderbook depth, and queued
// alerts, each a small read-only route group over a ServeMux.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/monitorbot/monitorbot/internal/alert"
	"github.com/monitorbot/monitorbot/internal/domain"
	"github.com/monitorbot/monitorbot/internal/rolling"
	"github.com/monitorbot/monitorbot/internal/server/handler"
	"github.com/monitorbot/monitorbot/internal/server/middleware"
	"github.com/monitorbot/monitorbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
}

// Deps bundles the stores and caches the read API's handlers are backed
// by.
type Deps struct {
	Markets      domain.MarketStore
	Outcomes     domain.OutcomeStore
	PriceHistory domain.PriceHistoryStore
	Rolling      *rolling.Store
	Cache        domain.Cache
	Broadcaster  domain.Broadcaster
	Throttle     *alert.Throttle
	Mode         string
	StartedAt    time.Time
}

// Server is the headless HTTP + WebSocket read API.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	logger     *slog.Logger
}

// New creates a Server with every route registered on a ServeMux, wrapped
// in the CORS, auth, and logging middleware chain.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	health := handler.NewHealthHandler(logger)
	mux.HandleFunc("GET /api/health", health.HealthCheck)

	status := handler.NewStatusHandler(deps.Mode, deps.StartedAt)
	mux.HandleFunc("GET /api/status", status.GetStatus)

	markets := handler.NewMarketHandler(deps.Markets, deps.Outcomes, logger)
	mux.HandleFunc("GET /api/markets", markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/outcomes", markets.ListOutcomes)

	prices := handler.NewPriceHandler(deps.PriceHistory, deps.Rolling, deps.Outcomes, logger)
	mux.HandleFunc("GET /api/markets/{id}/prices", prices.ListMarketPrices)
	mux.HandleFunc("GET /api/outcomes/{id}/prices", prices.ListOutcomePrices)
	mux.HandleFunc("GET /api/outcomes/{id}/trades", prices.ListOutcomeTrades)
	mux.HandleFunc("GET /api/outcomes/{id}/orderbook", prices.ListOutcomeOrderbook)

	var cooldown handler.CooldownResolver
	if deps.Throttle != nil {
		cooldown = deps.Throttle
	}
	alerts := handler.NewAlertHandler(deps.Cache, cooldown, logger)
	mux.HandleFunc("GET /api/alerts", alerts.ListRecentAlerts)
	mux.HandleFunc("GET /api/markets/{id}/alerts", alerts.ListMarketAlerts)
	mux.HandleFunc("GET /api/markets/{id}/alerts/cooldown", alerts.GetCooldown)

	hub := ws.NewHub(deps.Broadcaster, logger, ws.Config{Mode: deps.Mode, StartedAt: deps.StartedAt})
	mux.HandleFunc("GET /ws", hub.HandleWS)

	var h http.Handler = mux
	h = middleware.RateLimit(deps.Cache, 120, time.Minute)(h)
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{httpServer: srv, hub: hub, logger: logger}
}

// Hub exposes the WebSocket hub so the caller can run it in its own
// goroutine alongside the HTTP listener.
func (s *Server) Hub() *ws.Hub { return s.hub }

// Start begins listening for HTTP requests. It blocks until the server
// is shut down or encounters an error.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight
// requests to complete within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
