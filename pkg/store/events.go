package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/squadron/pkg/models"
)

// NotifyChannel is the single NOTIFY channel all event appends broadcast
// on. The payload carries execution_id and squad_id, so listeners route
// locally instead of managing per-execution LISTENs.
const NotifyChannel = "squadron_events"

// maxNotifyPayload keeps NOTIFY payloads under PostgreSQL's 8000-byte
// limit with headroom for encoding overhead.
const maxNotifyPayload = 7900

// AppendEvent persists one event with the next dense sequence number and
// broadcasts it via NOTIFY in a single transaction. On return the event's
// EventID, SeqNo, and CreatedAt are populated.
//
// Sequence assignment is serialized per execution with a transactional
// advisory lock, so concurrent appends can never race MAX(seq_no) into a
// gap or a duplicate. Appends after a terminal event return
// ErrTerminalEvent.
func (s *Store) AppendEvent(ctx context.Context, e *models.AgentEvent) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize appends for this execution. Released at COMMIT/ROLLBACK.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, e.ExecutionID); err != nil {
		return fmt.Errorf("failed to take event append lock: %w", err)
	}

	var sealed bool
	err = tx.GetContext(ctx, &sealed, `
		SELECT EXISTS (
			SELECT 1 FROM agent_events
			WHERE execution_id = $1 AND kind IN ('completed', 'failed', 'cancelled')
		)`, e.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to check stream finality: %w", err)
	}
	if sealed {
		return fmt.Errorf("execution %s: %w", e.ExecutionID, ErrTerminalEvent)
	}

	err = tx.GetContext(ctx, e, `
		INSERT INTO agent_events
			(execution_id, seq_no, event_id, squad_id, kind, sender_role, content, metadata, created_at)
		SELECT $1, COALESCE(MAX(seq_no), 0) + 1, $2, $3, $4, $5, $6, $7, now()
		FROM agent_events WHERE execution_id = $1
		RETURNING seq_no, created_at`,
		e.ExecutionID, e.EventID, e.SquadID, e.Kind, e.SenderRole, e.Content, e.Metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	// pg_notify is transactional: delivery happens only after COMMIT, so
	// listeners never see an event that was rolled back.
	payload := notifyPayload(e)
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_notify($1, $2)`, NotifyChannel, payload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

// notifyPayload returns the event's JSON, or a minimal routing envelope
// when the full encoding would exceed the NOTIFY payload limit. Receivers
// of a truncated envelope re-fetch the full event by sequence number.
func notifyPayload(e *models.AgentEvent) string {
	full := e.Marshal()
	if len(full) <= maxNotifyPayload {
		return string(full)
	}
	envelope, _ := json.Marshal(map[string]any{
		"event_id":     e.EventID,
		"execution_id": e.ExecutionID,
		"squad_id":     e.SquadID,
		"seq_no":       e.SeqNo,
		"kind":         e.Kind,
		"truncated":    true,
	})
	return string(envelope)
}

// ReadEvents returns events for an execution with seq_no > afterSeq in
// sequence order. afterSeq=0 reads from the beginning.
func (s *Store) ReadEvents(ctx context.Context, executionID string, afterSeq uint64, limit int) ([]models.AgentEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	events := []models.AgentEvent{}
	err := s.db.SelectContext(ctx, &events, `
		SELECT event_id, execution_id, squad_id, seq_no, kind, sender_role, content, metadata, created_at
		FROM agent_events
		WHERE execution_id = $1 AND seq_no > $2
		ORDER BY seq_no
		LIMIT $3`,
		executionID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// GetEvent fetches one event by execution and sequence number, used to
// recover the full body behind a truncated NOTIFY envelope.
func (s *Store) GetEvent(ctx context.Context, executionID string, seqNo uint64) (*models.AgentEvent, error) {
	var e models.AgentEvent
	err := s.db.GetContext(ctx, &e, `
		SELECT event_id, execution_id, squad_id, seq_no, kind, sender_role, content, metadata, created_at
		FROM agent_events
		WHERE execution_id = $1 AND seq_no = $2`,
		executionID, seqNo,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event %s/%d: %w", executionID, seqNo, err)
	}
	return &e, nil
}

// LatestSeqNo returns the highest assigned sequence number for an
// execution, or 0 when no events exist.
func (s *Store) LatestSeqNo(ctx context.Context, executionID string) (uint64, error) {
	var seq uint64
	err := s.db.GetContext(ctx, &seq,
		`SELECT COALESCE(MAX(seq_no), 0) FROM agent_events WHERE execution_id = $1`,
		executionID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest seq: %w", err)
	}
	return seq, nil
}

// PruneEvents deletes event rows belonging to executions that reached a
// terminal state before the retention cutoff. Returns the number of rows
// removed. Run periodically by the retention janitor.
func (s *Store) PruneEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_events
		WHERE execution_id IN (
			SELECT execution_id FROM executions
			WHERE status IN ('completed', 'failed', 'cancelled')
			  AND finished_at < now() - make_interval(secs => $1)
		)`,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
