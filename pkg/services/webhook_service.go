package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeready-toolchain/squadron/pkg/models"
	"github.com/codeready-toolchain/squadron/pkg/store"
)

// WebhookStore correlates deliveries with active executions.
type WebhookStore interface {
	GetActiveByVCSRef(ctx context.Context, ref string) (*models.Execution, error)
}

// WebhookService ingests signed VCS webhook deliveries and turns matched
// ones into external_signal events on the execution's stream.
type WebhookService struct {
	store  WebhookStore
	bus    Publisher
	secret []byte
}

// NewWebhookService creates a new WebhookService.
func NewWebhookService(st WebhookStore, bus Publisher, secret string) *WebhookService {
	return &WebhookService{store: st, bus: bus, secret: []byte(secret)}
}

// SignaturePrefix is the scheme tag expected on the signature header.
const SignaturePrefix = "sha256="

// VerifySignature checks the hex HMAC-SHA256 signature header against the
// raw request body. Comparison is constant-time.
func (s *WebhookService) VerifySignature(body []byte, header string) bool {
	if len(s.secret) == 0 {
		return false
	}
	hexDigest, ok := strings.CutPrefix(header, SignaturePrefix)
	if !ok {
		return false
	}
	received, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(received, mac.Sum(nil))
}

// Delivery is the subset of the webhook payload the core consumes.
type Delivery struct {
	Ref    string `json:"ref"`
	Action string `json:"action"`
	Sender string `json:"sender,omitempty"`
}

// HandleDelivery parses the payload and, when the ref matches an active
// execution, appends an external_signal event to its stream. An unmatched
// ref is not an error: deliveries routinely concern branches the core is
// not working on. Returns the matched execution, or nil.
func (s *WebhookService) HandleDelivery(httpCtx context.Context, body []byte) (*models.Execution, error) {
	var d Delivery
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, NewValidationError("body", "malformed JSON payload")
	}
	if d.Ref == "" {
		return nil, NewValidationError("ref", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exec, err := s.store.GetActiveByVCSRef(ctx, d.Ref)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Debug("Webhook delivery matched no active execution", "ref", d.Ref)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to correlate webhook delivery: %w", err)
	}

	ev := &models.AgentEvent{
		ExecutionID: exec.ID,
		SquadID:     exec.SquadID,
		Kind:        models.EventExternalSignal,
		Content:     d.Action,
		Metadata:    json.RawMessage(body),
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		if errors.Is(err, store.ErrTerminalEvent) {
			// The execution finished between the lookup and the append.
			slog.Debug("Webhook signal arrived after terminal event",
				"execution_id", exec.ID, "ref", d.Ref)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to publish external signal: %w", err)
	}

	slog.Info("Webhook delivery correlated",
		"execution_id", exec.ID, "ref", d.Ref, "action", d.Action)
	return exec, nil
}
