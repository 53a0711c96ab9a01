package api

import (
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/squadron/pkg/stream"
)

// resolveAfterSeq determines the replay start for an execution stream.
// Priority: after_seq query > Last-Event-ID header (SSE reconnect) >
// full catch-up from the beginning.
func resolveAfterSeq(c *echo.Context) (*uint64, error) {
	if v := c.QueryParam("after_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid after_seq: must be a non-negative integer")
		}
		return &n, nil
	}
	if v := c.Request().Header.Get("Last-Event-ID"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid Last-Event-ID header")
		}
		return &n, nil
	}
	zero := uint64(0)
	return &zero, nil
}

// executionStreamHandler handles GET /api/v1/executions/:id/stream (SSE).
func (s *Server) executionStreamHandler(c *echo.Context) error {
	executionID := c.Param("id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution id is required")
	}

	afterSeq, err := resolveAfterSeq(c)
	if err != nil {
		return err
	}

	h, err := s.streams.AttachExecution(c.Request().Context(), executionID, "sse", afterSeq)
	if err != nil {
		return mapServiceError(err)
	}
	defer h.Close()

	prepareSSE(c)
	return stream.ServeSSE(c.Request().Context(), c.Response(), h, s.streams.Config().HeartbeatInterval)
}

// squadStreamHandler handles GET /api/v1/squads/:id/stream (SSE).
// Squad streams are live-only.
func (s *Server) squadStreamHandler(c *echo.Context) error {
	squadID := c.Param("id")
	if squadID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "squad id is required")
	}

	h, err := s.streams.AttachSquad(squadID, "sse")
	if err != nil {
		return mapServiceError(err)
	}
	defer h.Close()

	prepareSSE(c)
	return stream.ServeSSE(c.Request().Context(), c.Response(), h, s.streams.Config().HeartbeatInterval)
}

func prepareSSE(c *echo.Context) {
	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
}

// executionWSHandler handles GET /api/v1/executions/:id/ws.
func (s *Server) executionWSHandler(c *echo.Context) error {
	executionID := c.Param("id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution id is required")
	}

	afterSeq, err := resolveAfterSeq(c)
	if err != nil {
		return err
	}

	h, err := s.streams.AttachExecution(c.Request().Context(), executionID, "ws", afterSeq)
	if err != nil {
		return mapServiceError(err)
	}

	conn, err := s.acceptWS(c)
	if err != nil {
		h.Close()
		return err
	}
	defer h.Close()

	cfg := s.streams.Config()
	stream.ServeWS(c.Request().Context(), conn, h, cfg.HeartbeatInterval, cfg.WriteTimeout)
	return nil
}

// squadWSHandler handles GET /api/v1/squads/:id/ws.
func (s *Server) squadWSHandler(c *echo.Context) error {
	squadID := c.Param("id")
	if squadID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "squad id is required")
	}

	h, err := s.streams.AttachSquad(squadID, "ws")
	if err != nil {
		return mapServiceError(err)
	}

	conn, err := s.acceptWS(c)
	if err != nil {
		h.Close()
		return err
	}
	defer h.Close()

	cfg := s.streams.Config()
	stream.ServeWS(c.Request().Context(), conn, h, cfg.HeartbeatInterval, cfg.WriteTimeout)
	return nil
}

// acceptWS upgrades the connection, enforcing the configured origin
// allowlist. An empty allowlist accepts any origin (dev mode).
func (s *Server) acceptWS(c *echo.Context) (*websocket.Conn, error) {
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.Server.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.Server.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}
	return websocket.Accept(c.Response(), c.Request(), opts)
}
