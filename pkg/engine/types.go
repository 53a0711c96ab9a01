// Package engine drives executions through their squad's step pipeline:
// claim, lease heartbeat, step-by-step agent invocation with memoized
// resume, retry policy, and terminal persistence.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/codeready-toolchain/squadron/pkg/agent"
	"github.com/codeready-toolchain/squadron/pkg/models"
)

// Sentinel errors for the worker poll loop.
var (
	// ErrNoneClaimable indicates no queued or reclaimable execution exists.
	ErrNoneClaimable = errors.New("no executions claimable")

	// ErrAtCapacity indicates the global concurrent execution limit has
	// been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// Store is the slice of the workflow store the engine needs. Every
// mutation asserts the worker's lease; see pkg/store.
type Store interface {
	CountRunning(ctx context.Context) (int, error)
	ClaimNext(ctx context.Context, worker string, leaseTTL time.Duration) (*models.Execution, error)
	RenewLease(ctx context.Context, executionID, worker string, ttl time.Duration) (cancelRequested bool, err error)
	ReleaseLease(ctx context.Context, executionID, worker string) error

	GetSuccessfulSteps(ctx context.Context, executionID string) (map[string]models.StepRecord, error)
	RecordStep(ctx context.Context, rec *models.StepRecord, worker string, progress int) error

	CompleteExecution(ctx context.Context, id, worker string, result json.RawMessage) error
	FailExecution(ctx context.Context, id, worker string, execErr models.ExecutionError) error
	CancelExecution(ctx context.Context, id, worker string) error
}

// Publisher appends events durably and fans them out. Satisfied by
// *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, ev *models.AgentEvent) error
}

// SquadSource resolves squad definitions, normally through the cache.
type SquadSource interface {
	Squad(ctx context.Context, squadID string) (*models.Squad, error)
}

// SnapshotInvalidator drops a cached execution snapshot after a
// status-changing write. May be nil (caching disabled).
type SnapshotInvalidator interface {
	InvalidateExecution(ctx context.Context, executionID string) error
}

// result is the terminal state of one execution run. Intermediate state
// (step records, progress, events) is written progressively while running;
// the worker only persists this terminal outcome.
type result struct {
	status models.ExecutionStatus
	output json.RawMessage
	err    *models.ExecutionError

	// abandoned means this worker must not write a terminal state: either
	// the lease moved to another worker, or the durable event append kept
	// failing and the safe move is to let the lease expire so another
	// worker resumes from the last successful step record.
	abandoned bool
}

// stepOutput is the JSON shape persisted in StepRecord.Output.
type stepOutput struct {
	Content string            `json:"content"`
	Role    string            `json:"role"`
	Usage   *agent.TokenUsage `json:"usage,omitempty"`
}

// executionResult is the JSON shape persisted in Execution.Result.
type executionResult struct {
	Output string       `json:"output"`
	Steps  []stepDigest `json:"steps"`
}

type stepDigest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// WorkerStatus is the current state of one worker goroutine.
type WorkerStatus string

// Worker status values.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is one worker's introspection snapshot.
type WorkerHealth struct {
	ID                 string       `json:"id"`
	Status             WorkerStatus `json:"status"`
	CurrentExecutionID string       `json:"current_execution_id,omitempty"`
	ExecutionsRun      int          `json:"executions_run"`
	LastActivity       time.Time    `json:"last_activity"`
}

// Health aggregates the engine's worker pool state for the system
// endpoint.
type Health struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	WorkerID         string         `json:"worker_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	RunningGlobal    int            `json:"running_global"`
	MaxConcurrent    int            `json:"max_concurrent"`
	ActiveExecutions []string       `json:"active_executions"`
	Workers          []WorkerHealth `json:"workers"`
}
