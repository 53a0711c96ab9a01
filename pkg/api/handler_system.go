package api

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/squadron/pkg/engine"
)

// WorkersResponse is returned by GET /api/v1/system/workers.
type WorkersResponse struct {
	engine.Health
	LiveLeases int `json:"live_leases"`
}

// systemWorkersHandler handles GET /api/v1/system/workers.
func (s *Server) systemWorkersHandler(c *echo.Context) error {
	if s.engine == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "engine not running on this replica")
	}

	resp := WorkersResponse{Health: s.engine.Health(c.Request().Context())}

	leases, err := s.store.CountLiveLeases(c.Request().Context())
	if err != nil {
		slog.Warn("Failed to count live leases", "error", err)
	} else {
		resp.LiveLeases = leases
	}

	return c.JSON(http.StatusOK, resp)
}

// cacheMetricsHandler handles GET /api/v1/cache/metrics.
func (s *Server) cacheMetricsHandler(c *echo.Context) error {
	if s.cache == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "cache not configured")
	}
	return c.JSON(http.StatusOK, s.cache.Metrics())
}

// agentPoolHandler handles GET /api/v1/system/agent-pool.
func (s *Server) agentPoolHandler(c *echo.Context) error {
	if s.pool == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "agent pool not configured")
	}
	return c.JSON(http.StatusOK, s.pool.Snapshot())
}
