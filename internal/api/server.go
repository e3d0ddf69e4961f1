// Package api provides the HTTP API for cidrsweep. It serves health and
// version endpoints, Prometheus metrics, and runs sweeps streamed as NDJSON
// or over a WebSocket.
package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	apihandlers "github.com/anstrom/cidrsweep/internal/api/handlers"
	"github.com/anstrom/cidrsweep/internal/api/middleware"
	"github.com/anstrom/cidrsweep/internal/auth"
	"github.com/anstrom/cidrsweep/internal/config"
	"github.com/anstrom/cidrsweep/internal/logging"
	"github.com/anstrom/cidrsweep/internal/metrics"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	readHeaderTimeout     = 5 * time.Second
)

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	handler    http.Handler
	config     *config.Config
	logger     *logging.Logger
	metrics    *metrics.PrometheusMetrics
	keys       *auth.KeyRing

	health    *apihandlers.HealthHandler
	scans     *apihandlers.ScanHandler
	websocket *apihandlers.WebSocketHandler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics collectors served at /metrics.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New creates a new API server instance running sweeps with scanner.
func New(cfg *config.Config, scanner apihandlers.Scanner, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if scanner == nil {
		return nil, fmt.Errorf("scanner is required")
	}

	s := &Server{
		router: mux.NewRouter(),
		config: cfg,
		logger: logging.Default(),
		keys:   auth.NewKeyRing(cfg.API.APIKeys),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.GetGlobalMetrics()
	}
	s.logger = s.logger.WithComponent("api")

	scanner = apihandlers.LimitScans(scanner, cfg.API.MaxConcurrentScans)
	defaultPort := uint16(cfg.Scanning.DefaultPort) //nolint:gosec // validated 1-65535
	s.health = apihandlers.NewHealthHandler(s.logger, cfg.Scanning.PresetPorts, cfg.Scanning.DefaultPort)
	s.scans = apihandlers.NewScanHandler(scanner, defaultPort, cfg.API.MaxRequestSize, s.logger)

	var origins []string
	if cfg.API.CORS.Enabled {
		origins = cfg.API.CORS.AllowedOrigins
	}
	s.websocket = apihandlers.NewWebSocketHandler(scanner, defaultPort, origins, s.logger)

	s.setupRoutes()
	s.handler = s.wrap(s.router)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port)),
		Handler:           s.handler,
		ReadTimeout:       cfg.API.ReadTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      cfg.API.WriteTimeout,
		IdleTimeout:       cfg.API.IdleTimeout,
	}

	return s, nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.RequestID(),
		middleware.Logging(s.logger),
		middleware.Metrics(s.metrics),
		middleware.SecurityHeaders(),
	)

	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/liveness", s.health.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", s.health.Health).Methods(http.MethodGet)
	api.HandleFunc("/version", s.health.Version).Methods(http.MethodGet)
	api.HandleFunc("/ports", s.health.Ports).Methods(http.MethodGet)

	protected := api.NewRoute().Subrouter()
	protected.Use(middleware.Authentication(s.keys, s.logger))
	protected.Handle("/scans",
		middleware.ContentType()(http.HandlerFunc(s.scans.CreateScan))).Methods(http.MethodPost)
	protected.HandleFunc("/scans/ws", s.websocket.ScanWebSocket).Methods(http.MethodGet)
}

// wrap adds the handlers that must see every request, matched or not.
func (s *Server) wrap(h http.Handler) http.Handler {
	if s.config.API.CORS.Enabled {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.config.API.CORS.AllowedOrigins),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization", middleware.APIKeyHeader}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.ExposedHeaders([]string{middleware.RequestIDHeader}),
		)(h)
	}
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(true),
	)(h)
	return handlers.ProxyHeaders(h)
}

// recoveryLogger adapts the structured logger to handlers.RecoveryHandlerLogger.
type recoveryLogger struct {
	logger *logging.Logger
}

func (l recoveryLogger) Println(args ...any) {
	l.logger.Error("HTTP request panic recovered", "panic", fmt.Sprint(args...))
}

// Start starts the API server and blocks until ctx is canceled or the
// server fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server",
		"address", s.httpServer.Addr,
		"auth_enabled", s.keys.Enabled(),
		"cors_enabled", s.config.API.CORS.Enabled)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server. Open WebSocket scans are closed.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	s.websocket.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped successfully")
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}
