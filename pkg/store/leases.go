package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/squadron/pkg/models"
)

// RenewLease extends the worker's lease and reports whether cooperative
// cancellation has been requested for the execution. Returns ErrLeaseLost
// when the lease no longer belongs to the worker, which is how a worker
// that lost a network partition learns to abandon its execution.
func (s *Store) RenewLease(ctx context.Context, executionID, worker string, ttl time.Duration) (cancelRequested bool, err error) {
	err = s.db.GetContext(ctx, &cancelRequested, `
		UPDATE leases l
		SET expires_at = now() + make_interval(secs => $3)
		FROM executions e
		WHERE l.execution_id = $1
		  AND l.worker = $2
		  AND e.execution_id = l.execution_id
		RETURNING e.cancel_requested`,
		executionID, worker, ttl.Seconds(),
	)
	if errors.Is(err, stdsql.ErrNoRows) {
		return false, fmt.Errorf("execution %s worker %s: %w", executionID, worker, ErrLeaseLost)
	}
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	return cancelRequested, nil
}

// ReleaseLease drops the worker's lease. A no-op when the lease has
// already moved to another worker.
func (s *Store) ReleaseLease(ctx context.Context, executionID, worker string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE execution_id = $1 AND worker = $2`,
		executionID, worker,
	)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// GetLease fetches the current lease for an execution, if any.
func (s *Store) GetLease(ctx context.Context, executionID string) (*models.Lease, error) {
	var l models.Lease
	err := s.db.GetContext(ctx, &l,
		`SELECT execution_id, worker, expires_at FROM leases WHERE execution_id = $1`,
		executionID,
	)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("lease for execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query lease: %w", err)
	}
	return &l, nil
}

// CountLiveLeases returns the number of unexpired leases, used by the
// worker health endpoint.
func (s *Store) CountLiveLeases(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM leases WHERE expires_at > now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to count live leases: %w", err)
	}
	return n, nil
}
