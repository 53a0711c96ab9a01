package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codeready-toolchain/squadron/pkg/models"
)

// The catalog tables (squads, members, users, organizations, tasks) are
// owned by the management plane; the core only reads them. The cache layer
// sits in front of every method here.

// GetSquad fetches a squad definition, decoding its pipeline. Squads with
// an empty pipeline get the canonical default.
func (s *Store) GetSquad(ctx context.Context, squadID string) (*models.Squad, error) {
	var row struct {
		ID        string          `db:"squad_id"`
		OrgID     string          `db:"org_id"`
		Name      string          `db:"name"`
		Pipeline  json.RawMessage `db:"pipeline"`
		CreatedAt stdsql.NullTime `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT squad_id, org_id, name, pipeline, created_at FROM squads WHERE squad_id = $1`,
		squadID,
	)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("squad %s: %w", squadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query squad: %w", err)
	}

	squad := &models.Squad{
		ID:        row.ID,
		OrgID:     row.OrgID,
		Name:      row.Name,
		CreatedAt: row.CreatedAt.Time,
	}
	if len(row.Pipeline) > 0 {
		if err := json.Unmarshal(row.Pipeline, &squad.Pipeline); err != nil {
			return nil, fmt.Errorf("failed to decode pipeline for squad %s: %w", squadID, err)
		}
	}
	if len(squad.Pipeline) == 0 {
		squad.Pipeline = models.DefaultPipeline()
	}
	return squad, nil
}

// GetSquadMembers returns the member roster for a squad.
func (s *Store) GetSquadMembers(ctx context.Context, squadID string) ([]models.SquadMember, error) {
	members := []models.SquadMember{}
	err := s.db.SelectContext(ctx, &members, `
		SELECT squad_id, role, name, system_prompt, model
		FROM squad_members WHERE squad_id = $1 ORDER BY role`,
		squadID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query squad members: %w", err)
	}
	return members, nil
}

// GetSquadMember returns one role-specialized member of a squad.
func (s *Store) GetSquadMember(ctx context.Context, squadID, role string) (*models.SquadMember, error) {
	var m models.SquadMember
	err := s.db.GetContext(ctx, &m, `
		SELECT squad_id, role, name, system_prompt, model
		FROM squad_members WHERE squad_id = $1 AND role = $2`,
		squadID, role,
	)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("squad %s member %s: %w", squadID, role, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query squad member: %w", err)
	}
	return &m, nil
}

// GetUser fetches one user row.
func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u,
		`SELECT user_id, org_id, email, name FROM users WHERE user_id = $1`, userID)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// GetOrganization fetches one organization row.
func (s *Store) GetOrganization(ctx context.Context, orgID string) (*models.Organization, error) {
	var o models.Organization
	err := s.db.GetContext(ctx, &o,
		`SELECT org_id, name FROM organizations WHERE org_id = $1`, orgID)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("organization %s: %w", orgID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query organization: %w", err)
	}
	return &o, nil
}

// GetTask fetches one task row.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var t models.Task
	err := s.db.GetContext(ctx, &t,
		`SELECT task_id, org_id, squad_id, title, body FROM tasks WHERE task_id = $1`, taskID)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return &t, nil
}
