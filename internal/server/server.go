// Package server exposes the auction over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/dutchauction/internal/domain"
	"github.com/alanyoungcy/dutchauction/internal/server/handler"
	"github.com/alanyoungcy/dutchauction/internal/server/middleware"
	"github.com/alanyoungcy/dutchauction/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables API key auth

	RateLimit       int // requests per window per client; 0 disables
	RateLimitWindow time.Duration
}

// Handlers aggregates the HTTP handlers. Auction, Bids and Reports are nil
// in observer mode, which then serves status and WebSocket only.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Auction *handler.AuctionHandler
	Bids    *handler.BidHandler
	Reports *handler.ReportHandler
}

// Deps are the optional collaborators of the middleware chain.
type Deps struct {
	Verifier middleware.RequestVerifier
	Limiter  domain.RateLimiter
	Hub      *ws.Hub
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain: CORS, logging, API key, request identity, rate limit.
func NewServer(cfg Config, handlers Handlers, deps Deps, logger *slog.Logger) *Server {
	h := Routes(cfg, handlers, deps, logger)
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the handler tree without binding a port.
func Routes(cfg Config, handlers Handlers, deps Deps, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/auction", handlers.Status.Status)

	if a := handlers.Auction; a != nil {
		mux.HandleFunc("POST /api/auction/setup", a.Setup)
		mux.HandleFunc("POST /api/auction/start", a.Start)
		mux.HandleFunc("POST /api/auction/end", a.End)
		mux.HandleFunc("POST /api/auction/distribute", a.Distribute)
		mux.HandleFunc("POST /api/auction/poll", a.Poll)
		mux.HandleFunc("GET /api/auction/contributions/{participant}", a.Contribution)
		mux.HandleFunc("GET /api/auction/allocations/{participant}", a.Allocation)
		mux.HandleFunc("GET /api/auction/refunds", a.Refunds)
		mux.HandleFunc("POST /api/auction/refunds/{id}/paid", a.MarkRefundPaid)
	}
	if b := handlers.Bids; b != nil {
		mux.HandleFunc("POST /api/auction/bids", b.PlaceBid)
		mux.HandleFunc("POST /api/auction/claims", b.Claim)
	}
	if r := handlers.Reports; r != nil {
		mux.HandleFunc("GET /api/auction/report", r.Report)
	}
	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	var h http.Handler = mux
	if deps.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(deps.Limiter, cfg.RateLimit, cfg.RateLimitWindow, logger, "/api/health")(h)
	}
	if deps.Verifier != nil {
		h = middleware.Identity(deps.Verifier, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start blocks until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
