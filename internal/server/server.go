package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyclob/internal/crypto"
	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/server/handler"
	"github.com/alanyoungcy/polyclob/internal/server/middleware"
	"github.com/alanyoungcy/polyclob/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string             // if empty, API key authentication is disabled
	Admin       *crypto.AdminAuth  // nil closes the admin routes
	Limiter     domain.RateLimiter // nil disables per-client rate limiting
	RateLimit   int                // requests per minute per client
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil handlers leave their routes unregistered, which is how run modes
// without an engine drop the trading endpoints.
type Handlers struct {
	Health    *handler.HealthHandler
	Markets   *handler.MarketHandler
	Orders    *handler.OrderHandler
	Positions *handler.PositionHandler
	Admin     *handler.AdminHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /health", handlers.Health.HealthCheck)
	}

	if h := handlers.Markets; h != nil {
		mux.HandleFunc("GET /api/markets", h.ListMarkets)
		mux.HandleFunc("GET /api/markets/{id}", h.GetMarket)
		mux.HandleFunc("GET /api/markets/{id}/volume", h.GetVolume)
		mux.HandleFunc("GET /api/markets/{id}/trades", h.ListTrades)
		mux.HandleFunc("GET /api/books/{market}/{outcome}", h.GetBook)
		mux.HandleFunc("GET /api/books/{market}/{outcome}/quote", h.GetQuote)
	}

	if h := handlers.Orders; h != nil {
		mux.HandleFunc("POST /api/orders", h.PlaceOrder)
		mux.HandleFunc("GET /api/orders/{id}", h.GetOrder)
		mux.HandleFunc("DELETE /api/orders/{id}", h.CancelOrder)
		mux.HandleFunc("GET /api/makers/{maker}/orders", h.ListOpen)
	}

	if h := handlers.Positions; h != nil {
		mux.HandleFunc("GET /api/holders/{holder}/positions", h.ListPositions)
		mux.HandleFunc("GET /api/markets/{id}/redemptions/{holder}", h.GetRedemption)
	}

	if h := handlers.Admin; h != nil {
		admin := middleware.AdminSignature(cfg.Admin, nil)
		route := func(pattern string, fn http.HandlerFunc) {
			mux.Handle(pattern, admin(fn))
		}
		route("POST /api/admin/markets", h.CreateMarket)
		route("POST /api/admin/markets/{id}/settle", h.RequestSettlement)
		route("POST /api/admin/markets/{id}/split", h.Split)
		route("POST /api/admin/markets/{id}/redeem", h.Redeem)
		route("POST /api/admin/reconcile", h.Reconcile)
		route("GET /api/admin/audit", h.ListAudit)
		route("GET /api/admin/archives", h.ListArchives)
		route("GET /api/admin/markets/{id}/archive", h.GetArchive)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, time.Minute)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
