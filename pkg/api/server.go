// Package api exposes the HTTP surface: execution lifecycle endpoints,
// event history, live streams (SSE and WebSocket), the VCS webhook
// ingress, and operational introspection.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeready-toolchain/squadron/pkg/agentpool"
	"github.com/codeready-toolchain/squadron/pkg/cache"
	"github.com/codeready-toolchain/squadron/pkg/config"
	"github.com/codeready-toolchain/squadron/pkg/engine"
	"github.com/codeready-toolchain/squadron/pkg/services"
	"github.com/codeready-toolchain/squadron/pkg/store"
	"github.com/codeready-toolchain/squadron/pkg/stream"
)

// StoreHealth is the store probe used by the health endpoint.
type StoreHealth interface {
	Health(ctx context.Context) (*store.HealthStatus, error)
	CountLiveLeases(ctx context.Context) (int, error)
}

// CacheMetrics exposes per-entity cache counters. Satisfied by
// *cache.Cache.
type CacheMetrics interface {
	Metrics() map[string]cache.EntityMetrics
}

// Server is the HTTP API server.
type Server struct {
	echo *echo.Echo
	http *http.Server

	cfg        *config.Config
	store      StoreHealth
	executions *services.ExecutionService
	webhooks   *services.WebhookService
	streams    *stream.Manager

	// Optional: nil on API-only replicas.
	engine *engine.Engine
	pool   *agentpool.Pool
	cache  CacheMetrics
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg *config.Config, st StoreHealth, executions *services.ExecutionService, webhooks *services.WebhookService, streams *stream.Manager) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		executions: executions,
		webhooks:   webhooks,
		streams:    streams,
	}

	e := echo.New()
	e.Use(requestLogger())
	e.Use(securityHeaders())
	s.echo = e
	s.registerRoutes()
	return s
}

// SetEngine attaches the local worker pool for cancellation short-cuts
// and the system workers endpoint.
func (s *Server) SetEngine(eng *engine.Engine) { s.engine = eng }

// SetAgentPool attaches the agent pool for the system stats endpoint.
func (s *Server) SetAgentPool(p *agentpool.Pool) { s.pool = p }

// SetCache attaches the cache for the cache metrics endpoint.
func (s *Server) SetCache(c CacheMetrics) { s.cache = c }

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/healthz", s.healthHandler)
	e.GET("/metrics", func(c *echo.Context) error {
		promhttp.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	v1 := e.Group("/api/v1")

	v1.POST("/executions", s.enqueueHandler)
	v1.GET("/executions", s.listExecutionsHandler)
	v1.GET("/executions/:id", s.getExecutionHandler)
	v1.POST("/executions/:id/cancel", s.cancelExecutionHandler)
	v1.GET("/executions/:id/events", s.listEventsHandler)
	v1.GET("/executions/:id/stream", s.executionStreamHandler)
	v1.GET("/executions/:id/ws", s.executionWSHandler)

	v1.GET("/squads/:id/stream", s.squadStreamHandler)
	v1.GET("/squads/:id/ws", s.squadWSHandler)

	v1.POST("/webhooks/vcs", s.webhookHandler)

	v1.GET("/system/workers", s.systemWorkersHandler)
	v1.GET("/cache/metrics", s.cacheMetricsHandler)
	v1.GET("/system/agent-pool", s.agentPoolHandler)
}

// Start begins serving on addr. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	return s.http.ListenAndServe()
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ServeHTTP makes the server usable directly with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
