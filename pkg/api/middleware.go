package api

import (
	"log/slog"
	"time"

	echo "github.com/labstack/echo/v5"
)

// requestLogger returns middleware that logs each request at debug level
// with method, path and duration.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			attrs := []any{
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"duration", time.Since(start),
			}
			if err != nil {
				attrs = append(attrs, "error", err)
			}
			slog.Debug("HTTP request", attrs...)
			return err
		}
	}
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// authorHeaders is checked in order for the acting user's identity. The
// first two are set by oauth2-proxy for browser sessions, the third by
// kube-rbac-proxy for service accounts.
var authorHeaders = []string{"X-Forwarded-User", "X-Forwarded-Email", "X-Remote-User"}

// extractAuthor resolves who initiated a request from the auth proxy
// headers, falling back to a generic client identity when none is set.
func extractAuthor(c *echo.Context) string {
	for _, header := range authorHeaders {
		if v := c.Request().Header.Get(header); v != "" {
			return v
		}
	}
	return "api-client"
}
