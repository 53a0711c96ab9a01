package models

import (
	"encoding/json"
	"time"
)

// EventKind classifies an observable moment in an execution's life.
type EventKind string

// Event kinds. Completed, Failed, and Cancelled are terminal: the store
// rejects any append for an execution that already has one.
const (
	EventStatusChange   EventKind = "status_change"
	EventAgentMessage   EventKind = "agent_message"
	EventStepStart      EventKind = "step_start"
	EventStepEnd        EventKind = "step_end"
	EventProgress       EventKind = "progress"
	EventCompleted      EventKind = "completed"
	EventFailed         EventKind = "failed"
	EventCancelled      EventKind = "cancelled"
	EventExternalSignal EventKind = "external_signal"
)

// IsTerminal reports whether the kind ends the execution's event stream.
func (k EventKind) IsTerminal() bool {
	return k == EventCompleted || k == EventFailed || k == EventCancelled
}

// AgentEvent is one observable moment emitted during an execution.
// SeqNo is assigned by the store at append time and is dense, gapless,
// and strictly increasing per execution.
type AgentEvent struct {
	EventID     string          `db:"event_id" json:"event_id"`
	ExecutionID string          `db:"execution_id" json:"execution_id"`
	SquadID     string          `db:"squad_id" json:"squad_id"`
	SeqNo       uint64          `db:"seq_no" json:"seq_no"`
	Kind        EventKind       `db:"kind" json:"kind"`
	SenderRole  *string         `db:"sender_role" json:"sender_role,omitempty"`
	Content     string          `db:"content" json:"content,omitempty"`
	Metadata    json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// Marshal returns the event's JSON encoding for wire delivery.
func (e *AgentEvent) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}
