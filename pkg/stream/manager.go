// Package stream serves live event subscriptions over SSE and WebSocket:
// per-target caps, catch-up replay, heartbeats, and terminal auto-close.
package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/codeready-toolchain/squadron/pkg/bus"
	"github.com/codeready-toolchain/squadron/pkg/config"
	"github.com/codeready-toolchain/squadron/pkg/metrics"
)

// ErrLimitExceeded is returned when a target already has the maximum
// number of subscribers.
var ErrLimitExceeded = errors.New("subscriber limit exceeded for target")

// Broker is the slice of the bus the manager uses.
type Broker interface {
	Subscribe(scope bus.Scope, target string, policy bus.OverflowPolicy) *bus.Subscription
	SubscribeWithReplay(ctx context.Context, target string, policy bus.OverflowPolicy, afterSeq uint64) (*bus.Subscription, error)
	Count(scope bus.Scope, target string) int
}

// Manager hands out capped subscriptions to the stream transports.
type Manager struct {
	bus Broker
	cfg config.StreamConfig
}

// NewManager creates the subscription manager.
func NewManager(b Broker, cfg config.StreamConfig) *Manager {
	return &Manager{bus: b, cfg: cfg}
}

// Handle is one attached subscription. Close must be called exactly once
// when the transport ends.
type Handle struct {
	Sub *bus.Subscription

	scope     bus.Scope
	transport string
}

// Close ends the subscription and releases its gauge slot.
func (h *Handle) Close() {
	h.Sub.Close()
	metrics.SubscribersActive.WithLabelValues(string(h.scope), h.transport).Dec()
}

// AttachExecution subscribes to one execution's ordered stream. A slow
// consumer is disconnected rather than given a gapped view. When afterSeq
// is non-nil, persisted events with seq_no > *afterSeq are replayed before
// live delivery; the subscription's sequence filter absorbs the overlap.
func (m *Manager) AttachExecution(ctx context.Context, executionID, transport string, afterSeq *uint64) (*Handle, error) {
	if m.bus.Count(bus.ScopeExecution, executionID) >= m.cfg.MaxPerExecution {
		metrics.SubscribersRejected.WithLabelValues(string(bus.ScopeExecution)).Inc()
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrLimitExceeded)
	}

	var sub *bus.Subscription
	if afterSeq != nil {
		// Live fan-out stays parked until the persisted tail has been
		// replayed, so the subscriber sees one gapless ordered sequence.
		s, err := m.bus.SubscribeWithReplay(ctx, executionID, bus.DisconnectSlow, *afterSeq)
		if err != nil {
			return nil, err
		}
		sub = s
	} else {
		sub = m.bus.Subscribe(bus.ScopeExecution, executionID, bus.DisconnectSlow)
	}

	metrics.SubscribersActive.WithLabelValues(string(bus.ScopeExecution), transport).Inc()
	return &Handle{Sub: sub, scope: bus.ScopeExecution, transport: transport}, nil
}

// AttachSquad subscribes to a squad's live firehose across all of its
// executions. No replay: squad observers want fresh data, and under
// pressure the oldest events are dropped instead of the connection.
func (m *Manager) AttachSquad(squadID, transport string) (*Handle, error) {
	if m.bus.Count(bus.ScopeSquad, squadID) >= m.cfg.MaxPerSquad {
		metrics.SubscribersRejected.WithLabelValues(string(bus.ScopeSquad)).Inc()
		return nil, fmt.Errorf("squad %s: %w", squadID, ErrLimitExceeded)
	}

	sub := m.bus.Subscribe(bus.ScopeSquad, squadID, bus.DropOldest)
	metrics.SubscribersActive.WithLabelValues(string(bus.ScopeSquad), transport).Inc()
	return &Handle{Sub: sub, scope: bus.ScopeSquad, transport: transport}, nil
}

// Config returns the stream settings shared with the transports.
func (m *Manager) Config() config.StreamConfig {
	return m.cfg
}
