// Package api exposes the HTTP surface of the orchestrator: the user action
// endpoint that feeds the whiteboard, the SSE and WebSocket subscriber
// streams that drain it, and the health and metrics endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thegaltinator/alfred-cloud/pkg/config"
	"github.com/thegaltinator/alfred-cloud/pkg/services"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// HealthCheck probes a backing dependency for the /healthz endpoint.
type HealthCheck func(ctx context.Context) error

// Server hosts the HTTP API over the whiteboard fabric.
type Server struct {
	echo    *echo.Echo
	httpSrv *http.Server
	bus     wb.Whiteboard
	actions *services.UserActionService
	cfg     *config.ServerConfig
	health  HealthCheck
	logger  *slog.Logger
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithHealthCheck registers a dependency probe for /healthz.
func WithHealthCheck(check HealthCheck) ServerOption {
	return func(s *Server) { s.health = check }
}

// NewServer wires the API routes over the whiteboard and service layer.
func NewServer(cfg *config.ServerConfig, bus wb.Whiteboard, actions *services.UserActionService, opts ...ServerOption) *Server {
	e := echo.New()
	s := &Server{
		echo:    e,
		bus:     bus,
		actions: actions,
		cfg:     cfg,
		logger:  slog.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(securityHeaders())
	e.Use(requestLogger())

	e.GET("/healthz", s.healthHandler)
	e.GET("/metrics", s.metricsHandler)
	e.POST("/wb/user_action", s.userActionHandler)
	e.GET("/wb/stream", s.streamHandler)
	e.GET("/wb/ws", s.wsHandler)

	return s
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start begins serving on the configured port and blocks until the listener
// closes. http.ErrServerClosed is returned after a graceful Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.echo,
	}
	s.logger.Info("HTTP server listening", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) metricsHandler(c *echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
