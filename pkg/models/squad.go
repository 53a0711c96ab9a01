package models

import "time"

// Squad is the read-only squad definition the core consumes. CRUD of squads
// lives outside the core; the store only ever reads these rows.
type Squad struct {
	ID        string         `json:"squad_id"`
	OrgID     string         `json:"org_id"`
	Name      string         `json:"name"`
	Pipeline  []PipelineStep `json:"pipeline"`
	CreatedAt time.Time      `json:"created_at"`
}

// PipelineStep binds one named workflow step to the squad member role that
// executes it. The canonical default pipeline is plan -> implement -> review.
type PipelineStep struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// DefaultPipeline is used for squads whose definition carries no pipeline.
func DefaultPipeline() []PipelineStep {
	return []PipelineStep{
		{Name: "plan", Role: "pm"},
		{Name: "implement", Role: "dev"},
		{Name: "review", Role: "qa"},
	}
}

// SquadMember is one role-specialized member of a squad.
type SquadMember struct {
	SquadID      string `db:"squad_id" json:"squad_id"`
	Role         string `db:"role" json:"role"`
	Name         string `db:"name" json:"name"`
	SystemPrompt string `db:"system_prompt" json:"system_prompt"`
	Model        string `db:"model" json:"model"`
}

// User is the read-only identity row cached for hot-path lookups.
type User struct {
	ID    string `db:"user_id" json:"user_id"`
	OrgID string `db:"org_id" json:"org_id"`
	Email string `db:"email" json:"email"`
	Name  string `db:"name" json:"name"`
}

// Organization is the read-only tenant row cached for hot-path lookups.
type Organization struct {
	ID   string `db:"org_id" json:"org_id"`
	Name string `db:"name" json:"name"`
}

// Task is the read-only unit of work an execution runs against.
type Task struct {
	ID      string `db:"task_id" json:"task_id"`
	OrgID   string `db:"org_id" json:"org_id"`
	SquadID string `db:"squad_id" json:"squad_id"`
	Title   string `db:"title" json:"title"`
	Body    string `db:"body" json:"body"`
}
