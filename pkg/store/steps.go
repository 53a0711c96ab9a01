package store

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/squadron/pkg/models"
)

// RecordStep persists one step attempt record and, while holding the
// lease, advances the execution's current step and progress in the same
// transaction. A crash between the two writes is impossible, so resume
// logic can trust the step records alone.
func (s *Store) RecordStep(ctx context.Context, rec *models.StepRecord, worker string, progress int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin step transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO step_records
			(execution_id, step_name, attempt, outcome, output, failure_reason, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ExecutionID, rec.StepName, rec.Attempt, rec.Outcome,
		rec.Output, rec.FailureReason, rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert step record: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE executions e
		SET current_step = $3, progress = GREATEST(e.progress, $4)
		FROM leases l
		WHERE e.execution_id = $1
		  AND e.status = 'running'
		  AND l.execution_id = e.execution_id
		  AND l.worker = $2
		  AND l.expires_at > now()`,
		rec.ExecutionID, worker, rec.StepName, progress,
	)
	if err != nil {
		return fmt.Errorf("failed to advance execution step: %w", err)
	}
	if err := s.requireMutated(ctx, res, rec.ExecutionID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step record: %w", err)
	}
	return nil
}

// GetSuccessfulSteps returns the memoized successful step outputs keyed by
// step name. Resume skips every step present here.
func (s *Store) GetSuccessfulSteps(ctx context.Context, executionID string) (map[string]models.StepRecord, error) {
	records := []models.StepRecord{}
	err := s.db.SelectContext(ctx, &records, `
		SELECT execution_id, step_name, attempt, outcome, output, failure_reason, started_at, finished_at
		FROM step_records
		WHERE execution_id = $1 AND outcome = 'success'`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query successful steps: %w", err)
	}

	out := make(map[string]models.StepRecord, len(records))
	for _, r := range records {
		out[r.StepName] = r
	}
	return out, nil
}

// ListStepRecords returns every attempt for an execution in execution
// order, for the step history endpoint.
func (s *Store) ListStepRecords(ctx context.Context, executionID string) ([]models.StepRecord, error) {
	records := []models.StepRecord{}
	err := s.db.SelectContext(ctx, &records, `
		SELECT execution_id, step_name, attempt, outcome, output, failure_reason, started_at, finished_at
		FROM step_records
		WHERE execution_id = $1
		ORDER BY started_at, attempt`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list step records: %w", err)
	}
	return records, nil
}
