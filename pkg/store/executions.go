package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/codeready-toolchain/squadron/pkg/models"
)

const executionColumns = `execution_id, squad_id, task_id, org_id, status,
	current_step, progress, initial_message, result, error, attempt,
	cancel_requested, vcs_ref, created_at, started_at, finished_at`

// CreateExecution inserts a new queued execution. Returns ErrDuplicateTask
// when the task already has a queued or running execution.
func (s *Store) CreateExecution(ctx context.Context, e *models.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions
			(execution_id, squad_id, task_id, org_id, status, initial_message, vcs_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.SquadID, e.TaskID, e.OrgID, e.Status, e.InitialMessage, e.VCSRef, e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("task %s: %w", e.TaskID, ErrDuplicateTask)
	}
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// GetExecution fetches one execution row.
func (s *Store) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	var e models.Execution
	err := s.db.GetContext(ctx, &e,
		`SELECT `+executionColumns+` FROM executions WHERE execution_id = $1`, id)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}
	return &e, nil
}

// ExecutionFilter narrows ListExecutions results. Zero values mean "any".
type ExecutionFilter struct {
	OrgID   string
	SquadID string
	Status  models.ExecutionStatus
	Limit   int
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	args := []any{}
	if f.OrgID != "" {
		args = append(args, f.OrgID)
		query += fmt.Sprintf(" AND org_id = $%d", len(args))
	}
	if f.SquadID != "" {
		args = append(args, f.SquadID)
		query += fmt.Sprintf(" AND squad_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	executions := []models.Execution{}
	if err := s.db.SelectContext(ctx, &executions, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return executions, nil
}

// GetActiveByVCSRef finds the newest non-terminal execution whose vcs_ref
// matches. Used to correlate inbound webhook deliveries.
func (s *Store) GetActiveByVCSRef(ctx context.Context, ref string) (*models.Execution, error) {
	var e models.Execution
	err := s.db.GetContext(ctx, &e, `
		SELECT `+executionColumns+` FROM executions
		WHERE vcs_ref = $1 AND status IN ('queued', 'running')
		ORDER BY created_at DESC LIMIT 1`, ref)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("vcs ref %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution by vcs ref: %w", err)
	}
	return &e, nil
}

// CountRunning returns the number of executions currently in the running
// state across all replicas.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM executions WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("failed to count running executions: %w", err)
	}
	return n, nil
}

// ClaimNext atomically claims the oldest claimable execution for worker and
// acquires its lease. Claimable rows are queued executions and running
// executions whose lease has expired (crashed worker). Returns
// (nil, nil) when nothing is claimable.
//
// FOR UPDATE SKIP LOCKED keeps concurrent claimers from blocking on or
// double-claiming the same row.
func (s *Store) ClaimNext(ctx context.Context, worker string, leaseTTL time.Duration) (*models.Execution, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.GetContext(ctx, &id, `
		SELECT e.execution_id FROM executions e
		LEFT JOIN leases l ON l.execution_id = e.execution_id
		WHERE e.status = 'queued'
		   OR (e.status = 'running' AND (l.execution_id IS NULL OR l.expires_at <= now()))
		ORDER BY e.created_at
		FOR UPDATE OF e SKIP LOCKED
		LIMIT 1`)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable execution: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO leases (execution_id, worker, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (execution_id)
		DO UPDATE SET worker = EXCLUDED.worker, expires_at = EXCLUDED.expires_at`,
		id, worker, leaseTTL.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}

	var e models.Execution
	err = tx.GetContext(ctx, &e, `
		UPDATE executions
		SET status = 'running',
		    started_at = COALESCE(started_at, now()),
		    attempt = attempt + 1
		WHERE execution_id = $1
		RETURNING `+executionColumns, id)
	if err != nil {
		return nil, fmt.Errorf("failed to mark execution running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return &e, nil
}

// UpdateStepProgress records the current step and advances progress while
// holding the lease. Progress is monotonic: a stale write can never move
// it backwards.
func (s *Store) UpdateStepProgress(ctx context.Context, id, worker, currentStep string, progress int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions e
		SET current_step = $3, progress = GREATEST(e.progress, $4)
		FROM leases l
		WHERE e.execution_id = $1
		  AND e.status = 'running'
		  AND l.execution_id = e.execution_id
		  AND l.worker = $2
		  AND l.expires_at > now()`,
		id, worker, currentStep, progress,
	)
	if err != nil {
		return fmt.Errorf("failed to update step progress: %w", err)
	}
	return s.requireMutated(ctx, res, id)
}

// CompleteExecution transitions a running execution to completed, stores
// the result, and releases the lease.
func (s *Store) CompleteExecution(ctx context.Context, id, worker string, result json.RawMessage) error {
	return s.finish(ctx, id, worker, models.StatusCompleted, result, nil)
}

// FailExecution transitions a running execution to failed, stores the
// structured error, and releases the lease.
func (s *Store) FailExecution(ctx context.Context, id, worker string, execErr models.ExecutionError) error {
	payload, err := json.Marshal(execErr)
	if err != nil {
		return fmt.Errorf("failed to marshal execution error: %w", err)
	}
	return s.finish(ctx, id, worker, models.StatusFailed, nil, payload)
}

// CancelExecution transitions a running execution to cancelled and
// releases the lease.
func (s *Store) CancelExecution(ctx context.Context, id, worker string) error {
	return s.finish(ctx, id, worker, models.StatusCancelled, nil, nil)
}

func (s *Store) finish(ctx context.Context, id, worker string, status models.ExecutionStatus, result, execErr json.RawMessage) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin finish transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE executions e
		SET status = $3,
		    result = COALESCE($4, e.result),
		    error = COALESCE($5, e.error),
		    progress = CASE WHEN $3 = 'completed' THEN 100 ELSE e.progress END,
		    finished_at = now()
		FROM leases l
		WHERE e.execution_id = $1
		  AND e.status = 'running'
		  AND l.execution_id = e.execution_id
		  AND l.worker = $2
		  AND l.expires_at > now()`,
		id, worker, status, result, execErr,
	)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	if err := s.requireMutated(ctx, res, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM leases WHERE execution_id = $1 AND worker = $2`, id, worker); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finish: %w", err)
	}
	return nil
}

// CancelIfQueued transitions a still-queued execution straight to
// cancelled. Returns false when the execution was not queued.
func (s *Store) CancelIfQueued(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'cancelled', cancel_requested = TRUE, finished_at = now()
		WHERE execution_id = $1 AND status = 'queued'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel queued execution: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkCancelRequested flags a running execution for cooperative
// cancellation. The owning worker observes the flag on its next heartbeat.
// Returns false when the execution is not running.
func (s *Store) MarkCancelRequested(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET cancel_requested = TRUE
		WHERE execution_id = $1 AND status = 'running'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark cancel requested: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// requireMutated classifies a zero-row lease-asserted UPDATE into the
// precise sentinel: missing row, terminal row, or lost lease.
func (s *Store) requireMutated(ctx context.Context, res stdsql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status models.ExecutionStatus
	err = s.db.GetContext(ctx, &status,
		`SELECT status FROM executions WHERE execution_id = $1`, id)
	if errors.Is(err, stdsql.ErrNoRows) {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to classify failed mutation: %w", err)
	}
	if status.IsTerminal() {
		return fmt.Errorf("execution %s is %s: %w", id, status, ErrTerminal)
	}
	return fmt.Errorf("execution %s: %w", id, ErrLeaseLost)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
