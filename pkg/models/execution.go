// Package models defines the core domain types shared across the store,
// engine, bus, and API layers.
package models

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

// Execution status values. Completed, Failed, and Cancelled are terminal.
const (
	StatusQueued    ExecutionStatus = "queued"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Execution is one run of a workflow for a task. Rows are mutated only by
// the worker holding the execution's lease; the store enforces this.
type Execution struct {
	ID              string          `db:"execution_id" json:"execution_id"`
	SquadID         string          `db:"squad_id" json:"squad_id"`
	TaskID          string          `db:"task_id" json:"task_id"`
	OrgID           string          `db:"org_id" json:"org_id"`
	Status          ExecutionStatus `db:"status" json:"status"`
	CurrentStep     string          `db:"current_step" json:"current_step,omitempty"`
	Progress        int             `db:"progress" json:"progress"`
	InitialMessage  string          `db:"initial_message" json:"-"`
	Result          json.RawMessage `db:"result" json:"result,omitempty"`
	Error           json.RawMessage `db:"error" json:"error,omitempty"`
	Attempt         int             `db:"attempt" json:"attempt"`
	CancelRequested bool            `db:"cancel_requested" json:"-"`
	VCSRef          *string         `db:"vcs_ref" json:"vcs_ref,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	StartedAt       *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt      *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// ExecutionError is the structured error persisted on a failed execution
// and surfaced on the status endpoint and the terminal Failed event.
type ExecutionError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	LastStep string `json:"last_step,omitempty"`
}

// Snapshot is the read model served by GET /executions/:id.
// It is what the cache layer stores under the "execution" entity.
type Snapshot struct {
	ExecutionID string          `json:"execution_id"`
	SquadID     string          `json:"squad_id"`
	TaskID      string          `json:"task_id"`
	Status      ExecutionStatus `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep string          `json:"current_step,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// SnapshotOf projects an execution row into its API read model.
func SnapshotOf(e *Execution) *Snapshot {
	s := &Snapshot{
		ExecutionID: e.ID,
		SquadID:     e.SquadID,
		TaskID:      e.TaskID,
		Status:      e.Status,
		Progress:    e.Progress,
		CurrentStep: e.CurrentStep,
		Result:      e.Result,
		StartedAt:   e.StartedAt,
		FinishedAt:  e.FinishedAt,
	}
	if len(e.Error) > 0 {
		var ee ExecutionError
		if err := json.Unmarshal(e.Error, &ee); err == nil {
			s.Error = &ee
		}
	}
	return s
}

// Lease is a time-bounded exclusive claim allowing one worker to advance
// one execution. At most one live lease exists per execution.
type Lease struct {
	ExecutionID string    `db:"execution_id" json:"execution_id"`
	Worker      string    `db:"worker" json:"worker"`
	ExpiresAt   time.Time `db:"expires_at" json:"expires_at"`
}
