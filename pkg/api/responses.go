package api

// HealthCheck is one component's verdict within the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// CancelResponse is returned by POST /api/v1/executions/:id/cancel.
type CancelResponse struct {
	ExecutionID string `json:"execution_id"`
	Outcome     string `json:"outcome"`
}

// WebhookResponse is returned by POST /api/v1/webhooks/vcs.
type WebhookResponse struct {
	Matched     bool   `json:"matched"`
	ExecutionID string `json:"execution_id,omitempty"`
}
