package models

import (
	"encoding/json"
	"time"
)

// StepOutcome is the terminal result of one step attempt.
type StepOutcome string

// Step outcome values.
const (
	StepSuccess StepOutcome = "success"
	StepFailure StepOutcome = "failure"
)

// StepRecord is the memoized result of one workflow step attempt.
// For a given (execution, step) at most one record with Outcome=StepSuccess
// exists across all attempts; once present it pins the step's output for
// every future resume.
type StepRecord struct {
	ExecutionID   string          `db:"execution_id" json:"execution_id"`
	StepName      string          `db:"step_name" json:"step_name"`
	Attempt       int             `db:"attempt" json:"attempt"`
	Outcome       StepOutcome     `db:"outcome" json:"outcome"`
	Output        json.RawMessage `db:"output" json:"output,omitempty"`
	FailureReason json.RawMessage `db:"failure_reason" json:"failure_reason,omitempty"`
	StartedAt     time.Time       `db:"started_at" json:"started_at"`
	FinishedAt    time.Time       `db:"finished_at" json:"finished_at"`
}

// StepFailureReason is the structured payload stored in FailureReason.
type StepFailureReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
