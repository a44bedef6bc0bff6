// Package api provides the HTTP API server for the credential gateway.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/narvanalabs/credential-gateway/internal/api/errors"
	"github.com/narvanalabs/credential-gateway/internal/api/handlers"
	"github.com/narvanalabs/credential-gateway/internal/api/health"
	"github.com/narvanalabs/credential-gateway/internal/api/middleware"
	"github.com/narvanalabs/credential-gateway/internal/metrics"
	"github.com/narvanalabs/credential-gateway/pkg/config"
)

// Version is the current version of the gateway.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	credentials   handlers.CredentialService
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
	metrics       *metrics.Collector
}

// NewServer creates a new API server with the given dependencies. A nil
// collector disables /metrics.
func NewServer(cfg *config.Config, credentials handlers.CredentialService, hc *health.Checker, m *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if hc == nil {
		hc = health.NewChecker(Version)
	}

	s := &Server{
		credentials:   credentials,
		config:        cfg,
		logger:        logger,
		healthChecker: hc,
		metrics:       m,
	}

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestContext)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	r.NotFound(apierrors.NotFound)
	r.MethodNotAllowed(apierrors.MethodNotAllowed)

	r.Get("/health", s.healthChecker.Handler())
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	credentialHandler := handlers.NewCredentialHandler(s.credentials, s.logger)
	r.Get("/internal/credentials/*", credentialHandler.Get)

	s.router = r
}

// writeTimeout bounds a whole request: every backend attempt plus the waits between them.
func (s *Server) writeTimeout() time.Duration {
	b := s.config.Backend
	attempts := time.Duration(b.MaxRetries + 1)
	return b.Timeout*attempts + b.MaxBackoff*time.Duration(b.MaxRetries) + 5*time.Second
}

// Start starts the HTTP server and blocks until ctx is done or the server fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.writeTimeout(),
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
