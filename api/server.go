// Package api exposes the admin HTTP surface of a running medic agent:
// liveness, outcome inspection, aggregate statistics, manual approval,
// operator feedback, and threshold proposal review.
//
// The package deliberately holds no decision logic. Handlers translate
// HTTP into calls on the store, the feedback processor, and the
// threshold adapter, and translate their typed errors back into status
// codes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sentinelops/medic/core"
)

// Server defaults for knobs the agent configuration does not expose.
const (
	defaultIdleTimeout    = 120 * time.Second
	defaultMaxHeaderBytes = 1 << 20 // 1 MB
)

// Server wraps the admin handlers in a lifecycle-managed HTTP server
// with the kernel middleware chain applied: request logging, CORS, and
// OTel instrumentation.
type Server struct {
	config  *core.Config
	handler *AdminHandler
	logger  core.Logger

	httpServer *http.Server
	started    atomic.Bool
}

// NewServer assembles the admin server from configuration and the agent
// collaborators the endpoints expose.
func NewServer(config *core.Config, deps Deps) (*Server, error) {
	if config == nil {
		return nil, &core.AgentError{
			Op:      "api.NewServer",
			Kind:    "configuration",
			Message: "config is required",
			Err:     core.ErrMissingConfiguration,
		}
	}

	handler, err := NewAdminHandler(deps)
	if err != nil {
		return nil, err
	}

	return &Server{
		config:  config,
		handler: handler,
		logger:  &core.NoOpLogger{},
	}, nil
}

// SetLogger sets the logger for the server and its handlers.
func (s *Server) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("medic/api")
	} else {
		s.logger = logger
	}
	s.handler.SetLogger(logger)
}

// Routes builds the complete handler chain. Exposed separately so tests
// can drive the server through httptest without binding a port.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	s.handler.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = core.LoggingMiddleware(s.logger, s.config.Development.Enabled)(handler)
	if s.config.HTTP.CORS.Enabled {
		handler = core.CORSMiddleware(&s.config.HTTP.CORS)(handler)
	}
	if s.config.Telemetry.Enabled {
		handler = otelhttp.NewHandler(handler, "medic-admin-api")
	}
	return handler
}

// Start binds the configured address and serves until ctx is canceled
// or the listener fails. Cancellation triggers a graceful shutdown
// bounded by the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return &core.AgentError{
			Op:   "api.Server.Start",
			Kind: "state",
			Err:  core.ErrAlreadyStarted,
		}
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        s.Routes(),
		ReadTimeout:    s.config.HTTP.ReadTimeout,
		WriteTimeout:   s.config.HTTP.WriteTimeout,
		IdleTimeout:    defaultIdleTimeout,
		MaxHeaderBytes: defaultMaxHeaderBytes,
	}
	s.handler.markStarted(time.Now().UTC())

	s.logger.Info("Admin API listening", map[string]interface{}{
		"address": addr,
		"cors":    s.config.HTTP.CORS.Enabled,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		s.started.Store(false)
		return &core.AgentError{Op: "api.Server.Start", Kind: "network", Err: err}
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests and stops the server. Safe to call
// when the server never started.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.HTTP.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Admin API shutting down", nil)
	return s.httpServer.Shutdown(shutdownCtx)
}
