package api

import (
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/squadron/pkg/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Hub-Signature-256"

const maxWebhookBody = 1 << 20 // 1 MiB

// webhookHandler handles POST /api/v1/webhooks/vcs.
func (s *Server) webhookHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	if !s.webhooks.VerifySignature(body, c.Request().Header.Get(SignatureHeader)) {
		metrics.WebhooksReceived.WithLabelValues("invalid_signature").Inc()
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	exec, err := s.webhooks.HandleDelivery(c.Request().Context(), body)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("invalid_payload").Inc()
		return mapServiceError(err)
	}

	if exec == nil {
		metrics.WebhooksReceived.WithLabelValues("unmatched").Inc()
		return c.JSON(http.StatusAccepted, &WebhookResponse{Matched: false})
	}

	metrics.WebhooksReceived.WithLabelValues("matched").Inc()
	return c.JSON(http.StatusAccepted, &WebhookResponse{
		Matched:     true,
		ExecutionID: exec.ID,
	})
}
