// Package bus is the event distribution layer: durable append to the
// store, non-blocking fan-out to local subscribers, and a PostgreSQL
// notification bridge that carries events published by other replicas.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/squadron/pkg/config"
	"github.com/codeready-toolchain/squadron/pkg/metrics"
	"github.com/codeready-toolchain/squadron/pkg/models"
	"github.com/codeready-toolchain/squadron/pkg/store"
)

// EventStore is the slice of the store the bus needs.
type EventStore interface {
	AppendEvent(ctx context.Context, e *models.AgentEvent) error
	ReadEvents(ctx context.Context, executionID string, afterSeq uint64, limit int) ([]models.AgentEvent, error)
	GetEvent(ctx context.Context, executionID string, seqNo uint64) (*models.AgentEvent, error)
}

// Bus owns the subscription registry for this replica.
type Bus struct {
	store     EventStore
	queueSize int
	retry     config.RetryPolicy

	mu          sync.RWMutex
	byExecution map[string]map[string]*Subscription
	bySquad     map[string]map[string]*Subscription
}

// New creates the bus. queueSize bounds each subscriber's queue.
func New(st EventStore, streams config.StreamConfig, retry config.RetryPolicy) *Bus {
	return &Bus{
		store:       st,
		queueSize:   streams.QueueSize,
		retry:       retry,
		byExecution: make(map[string]map[string]*Subscription),
		bySquad:     make(map[string]map[string]*Subscription),
	}
}

// Publish durably appends the event, then fans it out to local
// subscribers. The append is the linearization point: an event is
// observable on streams only after it is on disk with its sequence
// number. Transient store failures are retried with exponential backoff;
// ErrTerminalEvent is permanent and returned as-is.
func (b *Bus) Publish(ctx context.Context, ev *models.AgentEvent) error {
	op := func() error {
		err := b.store.AppendEvent(ctx, ev)
		if errors.Is(err, store.ErrTerminalEvent) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		newExponential(b.retry), uint64(b.retry.MaxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	b.fanout(ev)
	return nil
}

func newExponential(retry config.RetryPolicy) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retry.BaseDelay
	bo.Multiplier = retry.Factor
	bo.MaxInterval = retry.MaxDelay
	bo.MaxElapsedTime = 0
	return bo
}

// fanout delivers one event to every local subscriber of its execution
// and squad. Never blocks: each subscription resolves overflow itself.
func (b *Bus) fanout(ev *models.AgentEvent) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, 4)
	for _, s := range b.byExecution[ev.ExecutionID] {
		subs = append(subs, s)
	}
	for _, s := range b.bySquad[ev.SquadID] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliver(ev)
	}
}

// Subscribe registers a bounded subscription for an execution or squad.
func (b *Bus) Subscribe(scope Scope, target string, policy OverflowPolicy) *Subscription {
	sub := newSubscription(uuid.NewString(), scope, target, policy, b.queueSize, b.remove)

	b.mu.Lock()
	reg := b.registry(scope)
	if reg[target] == nil {
		reg[target] = make(map[string]*Subscription)
	}
	reg[target][sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// SubscribeWithReplay registers an execution subscription whose live
// deliveries are parked until persisted events with seq_no > afterSeq
// have been replayed into it. Events fanned out while the replay reads
// the store drain through the sequence filter afterwards, so the
// subscriber sees one gapless, duplicate-free ordered sequence.
func (b *Bus) SubscribeWithReplay(ctx context.Context, target string, policy OverflowPolicy, afterSeq uint64) (*Subscription, error) {
	sub := newSubscription(uuid.NewString(), ScopeExecution, target, policy, b.queueSize, b.remove)
	sub.gate()

	b.mu.Lock()
	reg := b.registry(ScopeExecution)
	if reg[target] == nil {
		reg[target] = make(map[string]*Subscription)
	}
	reg[target][sub.ID] = sub
	b.mu.Unlock()

	if err := b.Replay(ctx, sub, target, afterSeq); err != nil {
		sub.Close()
		return nil, err
	}
	sub.release()
	return sub, nil
}

func (b *Bus) registry(scope Scope) map[string]map[string]*Subscription {
	if scope == ScopeSquad {
		return b.bySquad
	}
	return b.byExecution
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m := b.registry(sub.Scope)[sub.Target]; m != nil {
		delete(m, sub.ID)
		if len(m) == 0 {
			delete(b.registry(sub.Scope), sub.Target)
		}
	}
}

// Count returns the number of live subscriptions for a target.
func (b *Bus) Count(scope Scope, target string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.registry(scope)[target])
}

// CloseTarget ends every subscription for a target, used when an
// execution reaches a terminal state.
func (b *Bus) CloseTarget(scope Scope, target string, reason CloseReason) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.registry(scope)[target]))
	for _, s := range b.registry(scope)[target] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.CloseWithReason(reason)
	}
}

// Replay streams persisted events with seq_no > afterSeq into the
// subscription, bypassing the live gate. An event already delivered live
// is discarded by the subscription's per-execution sequence filter.
func (b *Bus) Replay(ctx context.Context, sub *Subscription, executionID string, afterSeq uint64) error {
	const page = 200
	for {
		events, err := b.store.ReadEvents(ctx, executionID, afterSeq, page)
		if err != nil {
			return fmt.Errorf("failed to replay events: %w", err)
		}
		for i := range events {
			sub.deliverReplay(&events[i])
			afterSeq = events[i].SeqNo
		}
		if len(events) < page {
			return nil
		}
	}
}

// notifyEnvelope is the NOTIFY payload shape: either a full event or a
// truncated routing envelope.
type notifyEnvelope struct {
	models.AgentEvent
	Truncated bool `json:"truncated"`
}

// Dispatch routes one NOTIFY payload from the listener into local
// fan-out. Truncated envelopes are re-fetched from the store. Events
// published by this replica arrive here a second time and are absorbed by
// each subscription's sequence filter.
func (b *Bus) Dispatch(ctx context.Context, payload []byte) {
	var env notifyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Error("Dropping malformed notification payload", "error", err)
		return
	}

	ev := &env.AgentEvent
	if env.Truncated {
		full, err := b.store.GetEvent(ctx, env.ExecutionID, env.SeqNo)
		if err != nil {
			slog.Error("Failed to fetch truncated event body",
				"execution_id", env.ExecutionID, "seq_no", env.SeqNo, "error", err)
			return
		}
		ev = full
	}
	b.fanout(ev)
}
