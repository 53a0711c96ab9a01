// Package services holds the request-facing business logic between the
// HTTP layer and the store: enqueueing, status reads, cancellation, event
// history, and webhook correlation.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/codeready-toolchain/squadron/pkg/config"
	"github.com/codeready-toolchain/squadron/pkg/metrics"
	"github.com/codeready-toolchain/squadron/pkg/models"
	"github.com/codeready-toolchain/squadron/pkg/store"
)

// ExecutionStore is the slice of the store the execution service uses.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]models.Execution, error)
	ReadEvents(ctx context.Context, executionID string, afterSeq uint64, limit int) ([]models.AgentEvent, error)
	CancelIfQueued(ctx context.Context, id string) (bool, error)
	MarkCancelRequested(ctx context.Context, id string) (bool, error)
}

// Catalog is the cached read side the service validates against.
type Catalog interface {
	Task(ctx context.Context, taskID string) (*models.Task, error)
	Squad(ctx context.Context, squadID string) (*models.Squad, error)
	ExecutionSnapshot(ctx context.Context, executionID string) (*models.Snapshot, error)
	InvalidateExecution(ctx context.Context, executionID string) error
}

// Publisher appends events durably and fans them out.
type Publisher interface {
	Publish(ctx context.Context, ev *models.AgentEvent) error
}

// LocalCanceller cancels an execution running on this replica without
// waiting for the heartbeat to observe the flag. May be nil.
type LocalCanceller interface {
	CancelLocal(executionID string) bool
}

// ExecutionService manages the execution lifecycle from the API side.
type ExecutionService struct {
	store    ExecutionStore
	catalog  Catalog
	bus      Publisher
	engine   LocalCanceller
	limiters *orgLimiters
}

// NewExecutionService creates a new ExecutionService. engine may be nil
// (API-only replica).
func NewExecutionService(st ExecutionStore, catalog Catalog, bus Publisher, engine LocalCanceller, cfg *config.EngineConfig) *ExecutionService {
	return &ExecutionService{
		store:    st,
		catalog:  catalog,
		bus:      bus,
		engine:   engine,
		limiters: newOrgLimiters(rate.Limit(cfg.EnqueueRatePerOrg), cfg.EnqueueBurstPerOrg),
	}
}

// EnqueueRequest is the payload for creating an execution.
type EnqueueRequest struct {
	TaskID  string  `json:"task_id"`
	SquadID string  `json:"squad_id"`
	Message string  `json:"message,omitempty"`
	VCSRef  *string `json:"vcs_ref,omitempty"`
	Author  string  `json:"-"`
}

// Enqueue validates the request against the catalog and creates a queued
// execution. At most one active execution may exist per task.
func (s *ExecutionService) Enqueue(httpCtx context.Context, req EnqueueRequest) (*models.Execution, error) {
	if req.TaskID == "" {
		return nil, NewValidationError("task_id", "required")
	}
	if req.SquadID == "" {
		return nil, NewValidationError("squad_id", "required")
	}

	task, err := s.catalog.Task(httpCtx, req.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", req.TaskID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve task: %w", err)
	}
	if task.SquadID != req.SquadID {
		return nil, NewValidationError("squad_id", "task belongs to a different squad")
	}
	if _, err := s.catalog.Squad(httpCtx, req.SquadID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("squad %s: %w", req.SquadID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve squad: %w", err)
	}

	if !s.limiters.allow(task.OrgID) {
		return nil, fmt.Errorf("org %s: %w", task.OrgID, ErrRateLimited)
	}

	message := req.Message
	if message == "" {
		message = task.Body
	}

	// Use background context with timeout for the critical write: a client
	// disconnect must not half-create an execution.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exec := &models.Execution{
		ID:             uuid.New().String(),
		SquadID:        req.SquadID,
		TaskID:         req.TaskID,
		OrgID:          task.OrgID,
		Status:         models.StatusQueued,
		InitialMessage: message,
		VCSRef:         req.VCSRef,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, store.ErrDuplicateTask) {
			return nil, fmt.Errorf("task %s: %w", req.TaskID, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	s.publishStatusChange(ctx, exec, "", models.StatusQueued)
	metrics.ExecutionsEnqueued.Inc()

	slog.Info("Execution enqueued",
		"execution_id", exec.ID, "task_id", req.TaskID, "squad_id", req.SquadID,
		"author", req.Author)
	return exec, nil
}

// Status returns the execution's read model, served from the cache.
func (s *ExecutionService) Status(ctx context.Context, executionID string) (*models.Snapshot, error) {
	if executionID == "" {
		return nil, NewValidationError("execution_id", "required")
	}
	snap, err := s.catalog.ExecutionSnapshot(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load execution snapshot: %w", err)
	}
	return snap, nil
}

// List returns executions matching the filter, newest first.
func (s *ExecutionService) List(ctx context.Context, f store.ExecutionFilter) ([]models.Execution, error) {
	executions, err := s.store.ListExecutions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return executions, nil
}

// CancelOutcome reports how a cancellation request was resolved.
type CancelOutcome string

const (
	// Cancelled means the execution was still queued and is now terminal.
	Cancelled CancelOutcome = "cancelled"

	// CancelRequested means the execution is running and the owning worker
	// will stop it after the in-flight step's grace window.
	CancelRequested CancelOutcome = "cancel_requested"
)

// Cancel cancels a queued execution immediately, or flags a running one
// for cooperative cancellation.
func (s *ExecutionService) Cancel(httpCtx context.Context, executionID string) (CancelOutcome, error) {
	if executionID == "" {
		return "", NewValidationError("execution_id", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A queued execution never ran, so it goes terminal directly.
	wasQueued, err := s.store.CancelIfQueued(ctx, executionID)
	if err != nil {
		return "", fmt.Errorf("failed to cancel queued execution: %w", err)
	}
	if wasQueued {
		s.sealCancelled(ctx, executionID)
		metrics.ExecutionsFinished.WithLabelValues(string(models.StatusCancelled)).Inc()
		slog.Info("Queued execution cancelled", "execution_id", executionID)
		return Cancelled, nil
	}

	marked, err := s.store.MarkCancelRequested(ctx, executionID)
	if err != nil {
		return "", fmt.Errorf("failed to request cancellation: %w", err)
	}
	if !marked {
		// Neither queued nor running: classify precisely.
		exec, err := s.store.GetExecution(ctx, executionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
			}
			return "", fmt.Errorf("failed to classify execution: %w", err)
		}
		return "", fmt.Errorf("execution %s is %s: %w", executionID, exec.Status, ErrTerminal)
	}

	// If the execution runs on this replica, skip the heartbeat round-trip.
	if s.engine != nil && s.engine.CancelLocal(executionID) {
		slog.Info("Running execution cancelled locally", "execution_id", executionID)
	} else {
		slog.Info("Cancellation flagged for owning worker", "execution_id", executionID)
	}
	return CancelRequested, nil
}

// sealCancelled publishes the terminal event for a queued->cancelled
// transition and drops the cached snapshot. Both are best-effort: the
// durable row is already cancelled.
func (s *ExecutionService) sealCancelled(ctx context.Context, executionID string) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		slog.Warn("Failed to load cancelled execution for sealing",
			"execution_id", executionID, "error", err)
		return
	}
	ev := &models.AgentEvent{
		ExecutionID: exec.ID,
		SquadID:     exec.SquadID,
		Kind:        models.EventCancelled,
		Content:     string(models.StatusCancelled),
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		slog.Error("Failed to publish cancelled event",
			"execution_id", executionID, "error", err)
	}
	if err := s.catalog.InvalidateExecution(ctx, executionID); err != nil {
		slog.Warn("Failed to invalidate execution snapshot",
			"execution_id", executionID, "error", err)
	}
}

// Events returns the persisted event history after afterSeq, oldest first.
func (s *ExecutionService) Events(ctx context.Context, executionID string, afterSeq uint64, limit int) ([]models.AgentEvent, error) {
	if executionID == "" {
		return nil, NewValidationError("execution_id", "required")
	}
	if _, err := s.store.GetExecution(ctx, executionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to verify execution: %w", err)
	}
	events, err := s.store.ReadEvents(ctx, executionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

func (s *ExecutionService) publishStatusChange(ctx context.Context, exec *models.Execution, from, to models.ExecutionStatus) {
	meta := fmt.Sprintf(`{"from":%q,"to":%q}`, from, to)
	ev := &models.AgentEvent{
		ExecutionID: exec.ID,
		SquadID:     exec.SquadID,
		Kind:        models.EventStatusChange,
		Content:     string(to),
		Metadata:    []byte(meta),
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		slog.Error("Failed to publish status change",
			"execution_id", exec.ID, "to", to, "error", err)
	}
}

// orgLimiters holds one token bucket per organization.
type orgLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newOrgLimiters(limit rate.Limit, burst int) *orgLimiters {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &orgLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *orgLimiters) allow(orgID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[orgID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[orgID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
