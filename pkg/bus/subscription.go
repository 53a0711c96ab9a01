package bus

import (
	"sync"
	"sync/atomic"

	"github.com/codeready-toolchain/squadron/pkg/metrics"
	"github.com/codeready-toolchain/squadron/pkg/models"
)

// Scope of a subscription target.
type Scope string

const (
	ScopeExecution Scope = "execution"
	ScopeSquad     Scope = "squad"
)

// OverflowPolicy decides what happens when a subscriber's queue is full.
type OverflowPolicy string

const (
	// DropOldest discards the oldest queued event to admit the new one.
	// Default for squad streams, where observers prefer fresh data.
	DropOldest OverflowPolicy = "drop_oldest"

	// DisconnectSlow closes the subscription. Default for execution
	// streams, where a gap would silently corrupt the ordered view; the
	// client reconnects and catches up from its last sequence number.
	DisconnectSlow OverflowPolicy = "disconnect_slow"
)

// CloseReason reports why a subscription ended.
type CloseReason string

const (
	CloseNone     CloseReason = ""
	CloseClient   CloseReason = "client"
	CloseOverflow CloseReason = "overflow"
	CloseTerminal CloseReason = "terminal"
	CloseShutdown CloseReason = "shutdown"
)

// Subscription is one subscriber's bounded, ordered event queue.
// Publishing never blocks on a subscriber: the overflow policy resolves
// pressure immediately.
type Subscription struct {
	ID     string
	Scope  Scope
	Target string
	Policy OverflowPolicy

	ch      chan *models.AgentEvent
	dropped atomic.Uint64

	mu      sync.Mutex
	lastSeq map[string]uint64 // highest delivered seq per execution
	closed  bool
	reason  CloseReason
	gated   bool
	pending []*models.AgentEvent // live events parked while gated

	onClose func(*Subscription)
}

func newSubscription(id string, scope Scope, target string, policy OverflowPolicy, queueSize int, onClose func(*Subscription)) *Subscription {
	return &Subscription{
		ID:      id,
		Scope:   scope,
		Target:  target,
		Policy:  policy,
		ch:      make(chan *models.AgentEvent, queueSize),
		lastSeq: make(map[string]uint64),
		onClose: onClose,
	}
}

// Events is the subscriber's receive channel. It is closed when the
// subscription ends; check Reason afterwards.
func (s *Subscription) Events() <-chan *models.AgentEvent {
	return s.ch
}

// Dropped returns how many events the DropOldest policy discarded.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Reason returns why the subscription closed, empty while live.
func (s *Subscription) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// deliver enqueues one live event, enforcing per-execution sequence
// monotonicity. The same event arriving twice (local fan-out plus the
// notification bridge) is dropped here, so subscribers never see
// duplicates or reordering. While the subscription is still catching up
// on persisted history, live events are parked and drained through the
// same filter once release opens the gate.
func (s *Subscription) deliver(ev *models.AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.gated {
		s.pending = append(s.pending, ev)
		return
	}
	s.enqueueLocked(ev)
}

// deliverReplay enqueues one replayed event. Replay bypasses the gate;
// it is the reason the gate exists.
func (s *Subscription) deliverReplay(ev *models.AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.enqueueLocked(ev)
}

// gate parks live deliveries until release. Must be set before the
// subscription is registered for fan-out.
func (s *Subscription) gate() {
	s.mu.Lock()
	s.gated = true
	s.mu.Unlock()
}

// release opens the gate and drains parked events through the sequence
// filter, which discards any copy the replay already delivered.
func (s *Subscription) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gated = false
	pending := s.pending
	s.pending = nil
	for _, ev := range pending {
		if s.closed {
			return
		}
		s.enqueueLocked(ev)
	}
}

func (s *Subscription) enqueueLocked(ev *models.AgentEvent) {
	if last, ok := s.lastSeq[ev.ExecutionID]; ok && ev.SeqNo <= last {
		return
	}

	select {
	case s.ch <- ev:
		s.lastSeq[ev.ExecutionID] = ev.SeqNo
		return
	default:
	}

	switch s.Policy {
	case DropOldest:
		// Make room by discarding the oldest queued event.
		select {
		case <-s.ch:
			s.dropped.Add(1)
			metrics.EventsDropped.WithLabelValues(string(DropOldest)).Inc()
		default:
		}
		select {
		case s.ch <- ev:
			s.lastSeq[ev.ExecutionID] = ev.SeqNo
		default:
		}
	default: // DisconnectSlow
		metrics.EventsDropped.WithLabelValues(string(DisconnectSlow)).Inc()
		s.closeLocked(CloseOverflow)
	}
}

// Close ends the subscription with the client reason.
func (s *Subscription) Close() {
	s.CloseWithReason(CloseClient)
}

// CloseWithReason ends the subscription and closes its channel.
func (s *Subscription) CloseWithReason(reason CloseReason) {
	s.mu.Lock()
	s.closeLocked(reason)
	s.mu.Unlock()
}

func (s *Subscription) closeLocked(reason CloseReason) {
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	close(s.ch)
	if s.onClose != nil {
		go s.onClose(s)
	}
}
