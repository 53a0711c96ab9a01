package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/squadron/pkg/models"
	"github.com/codeready-toolchain/squadron/pkg/services"
	"github.com/codeready-toolchain/squadron/pkg/store"
)

// enqueueHandler handles POST /api/v1/executions.
func (s *Server) enqueueHandler(c *echo.Context) error {
	var req services.EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Author = extractAuthor(c)

	exec, err := s.executions.Enqueue(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusCreated, exec)
}

// listExecutionsHandler handles GET /api/v1/executions.
func (s *Server) listExecutionsHandler(c *echo.Context) error {
	f := store.ExecutionFilter{
		OrgID:   c.QueryParam("org_id"),
		SquadID: c.QueryParam("squad_id"),
		Limit:   50,
	}

	if v := c.QueryParam("status"); v != "" {
		status := models.ExecutionStatus(v)
		if !status.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+v)
		}
		f.Status = status
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1-200")
		}
		f.Limit = n
	}

	executions, err := s.executions.List(c.Request().Context(), f)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, executions)
}

// getExecutionHandler handles GET /api/v1/executions/:id.
func (s *Server) getExecutionHandler(c *echo.Context) error {
	executionID := c.Param("id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution id is required")
	}

	snap, err := s.executions.Status(c.Request().Context(), executionID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, snap)
}

// cancelExecutionHandler handles POST /api/v1/executions/:id/cancel.
func (s *Server) cancelExecutionHandler(c *echo.Context) error {
	executionID := c.Param("id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution id is required")
	}

	outcome, err := s.executions.Cancel(c.Request().Context(), executionID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusAccepted, &CancelResponse{
		ExecutionID: executionID,
		Outcome:     string(outcome),
	})
}

// listEventsHandler handles GET /api/v1/executions/:id/events.
func (s *Server) listEventsHandler(c *echo.Context) error {
	executionID := c.Param("id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution id is required")
	}

	var afterSeq uint64
	if v := c.QueryParam("after_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid after_seq: must be a non-negative integer")
		}
		afterSeq = n
	}

	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1-1000")
		}
		limit = n
	}

	events, err := s.executions.Events(c.Request().Context(), executionID, afterSeq, limit)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, events)
}
