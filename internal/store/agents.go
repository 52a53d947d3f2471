package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hive/internal/model"
)

const agentColumns = `id, type, team_id, session_name, model, status, current_story_id,
	worktree_path, cli_tool, created_at, updated_at`

// CreateAgent inserts a new agent row.
func (s *Store) CreateAgent(ctx context.Context, a model.Agent) error {
	now := time.Now().UTC()
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents(id, type, team_id, session_name, model, status,
				current_story_id, worktree_path, cli_tool, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, string(a.Type), a.TeamID, a.SessionName, a.Model, string(a.Status),
			a.CurrentStoryID, a.WorktreePath, a.CLITool,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("store: create agent %s: %w", a.ID, err)
		}
		return nil
	})
}

func scanAgent(row interface{ Scan(...any) error }) (model.Agent, error) {
	var a model.Agent
	var typ, status, created, updated string
	err := row.Scan(&a.ID, &typ, &a.TeamID, &a.SessionName, &a.Model, &status,
		&a.CurrentStoryID, &a.WorktreePath, &a.CLITool, &created, &updated)
	if err != nil {
		return model.Agent{}, err
	}
	a.Type = model.AgentType(typ)
	a.Status = model.AgentStatus(status)
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return a, nil
}

// GetAgent looks up an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return model.Agent{}, ErrNotFound
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("store: get agent %s: %w", id, err)
	}
	return a, nil
}

// ListAgentsByTeam returns every agent for a team, terminated ones
// included (callers filter by status as needed).
func (s *Store) ListAgentsByTeam(ctx context.Context, teamID string) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE team_id = ? ORDER BY created_at ASC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("store: list agents by team %s: %w", teamID, err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// ListAgents returns every agent row.
func (s *Store) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// ListAgentsByStatus returns every agent in the given status.
func (s *Store) ListAgentsByStatus(ctx context.Context, status model.AgentStatus) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("store: list agents by status %s: %w", status, err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

func scanAgents(rows *sql.Rows) ([]model.Agent, error) {
	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgentStatus sets an agent's status and, optionally, its
// current_story_id (pass -1 semantics via clearStory).
func (s *Store) UpdateAgentStatus(ctx context.Context, agentID string, status model.AgentStatus, clearStory bool) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		var err error
		if clearStory {
			_, err = tx.ExecContext(ctx,
				`UPDATE agents SET status = ?, current_story_id = '', updated_at = ? WHERE id = ?`,
				string(status), now, agentID)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
				string(status), now, agentID)
		}
		if err != nil {
			return fmt.Errorf("store: update agent %s status: %w", agentID, err)
		}
		return nil
	})
}

// TerminateAgent clears current_story_id and sets status=terminated. Worktree removal is the caller's job
// (internal/worktree), since the Store has no filesystem knowledge.
func (s *Store) TerminateAgent(ctx context.Context, agentID string) error {
	return s.UpdateAgentStatus(ctx, agentID, model.AgentTerminated, true)
}

// CountTechLeads returns how many non-terminated tech_lead agents
// exist, to enforce invariant A1 (at most one process-wide).
func (s *Store) CountTechLeads(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM agents WHERE type = ? AND status != ?`,
		string(model.AgentTechLead), string(model.AgentTerminated)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count tech leads: %w", err)
	}
	return n, nil
}
