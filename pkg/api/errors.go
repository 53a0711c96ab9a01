package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/squadron/pkg/services"
	"github.com/codeready-toolchain/squadron/pkg/stream"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "task already has an active execution")
	}
	if errors.Is(err, services.ErrTerminal) {
		return echo.NewHTTPError(http.StatusConflict, "execution already finished")
	}
	if errors.Is(err, services.ErrRateLimited) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "enqueue rate limit exceeded")
	}
	if errors.Is(err, stream.ErrLimitExceeded) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "subscriber limit reached")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
