package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"hive/internal/model"
)

const storyColumns = `id, requirement_id, team_id, title, description, acceptance_criteria,
	complexity_score, story_points, status, assigned_agent_id, branch_name, pr_url,
	external_issue_key, external_issue_id, created_at, updated_at`

// CreateStory inserts a new story in status draft unless the caller
// set a different one.
func (s *Store) CreateStory(ctx context.Context, st model.Story) error {
	now := time.Now().UTC()
	criteria, err := json.Marshal(st.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("store: marshal acceptance criteria: %w", err)
	}
	status := st.Status
	if status == "" {
		status = model.StoryDraft
	}
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stories(id, requirement_id, team_id, title, description,
				acceptance_criteria, complexity_score, story_points, status,
				assigned_agent_id, branch_name, pr_url, external_issue_key,
				external_issue_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.RequirementID, st.TeamID, st.Title, st.Description, string(criteria),
			st.ComplexityScore, st.StoryPoints, string(status), st.AssignedAgentID,
			st.BranchName, st.PRURL, st.ExternalIssueKey, st.ExternalIssueID,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("store: create story %s: %w", st.ID, err)
		}
		return nil
	})
}

func scanStory(row interface{ Scan(...any) error }) (model.Story, error) {
	var st model.Story
	var status, criteria, created, updated string
	err := row.Scan(&st.ID, &st.RequirementID, &st.TeamID, &st.Title, &st.Description,
		&criteria, &st.ComplexityScore, &st.StoryPoints, &status, &st.AssignedAgentID,
		&st.BranchName, &st.PRURL, &st.ExternalIssueKey, &st.ExternalIssueID, &created, &updated)
	if err != nil {
		return model.Story{}, err
	}
	st.Status = model.StoryStatus(status)
	_ = json.Unmarshal([]byte(criteria), &st.AcceptanceCriteria)
	st.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return st, nil
}

// GetStory looks up a story by id.
func (s *Store) GetStory(ctx context.Context, id string) (model.Story, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = ?`, id)
	st, err := scanStory(row)
	if err == sql.ErrNoRows {
		return model.Story{}, ErrNotFound
	}
	if err != nil {
		return model.Story{}, fmt.Errorf("store: get story %s: %w", id, err)
	}
	return st, nil
}

// ListStoriesByStatus returns every story in any of the given statuses.
func (s *Store) ListStoriesByStatus(ctx context.Context, statuses ...model.StoryStatus) ([]model.Story, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE status IN (`+placeholders+`) ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list stories by status: %w", err)
	}
	defer rows.Close()
	return scanStories(rows)
}

// ListStoriesByTeam returns every story belonging to a team.
func (s *Store) ListStoriesByTeam(ctx context.Context, teamID string) ([]model.Story, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE team_id = ? ORDER BY created_at ASC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("store: list stories by team %s: %w", teamID, err)
	}
	defer rows.Close()
	return scanStories(rows)
}

// ListStoriesByAgent returns every story currently assigned to an agent.
func (s *Store) ListStoriesByAgent(ctx context.Context, agentID string) ([]model.Story, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE assigned_agent_id = ? ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("store: list stories by agent %s: %w", agentID, err)
	}
	defer rows.Close()
	return scanStories(rows)
}

func scanStories(rows *sql.Rows) ([]model.Story, error) {
	var out []model.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// AssignStory transactionally sets assigned_agent_id and status on a
// story and status/current_story_id on the agent in one commit.
func (s *Store) AssignStory(ctx context.Context, storyID, agentID string) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx,
			`UPDATE stories SET assigned_agent_id = ?, status = ?, updated_at = ? WHERE id = ?`,
			agentID, string(model.StoryInProgress), now, storyID)
		if err != nil {
			return fmt.Errorf("store: assign story %s: %w", storyID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE agents SET status = ?, current_story_id = ?, updated_at = ? WHERE id = ?`,
			string(model.AgentWorking), storyID, now, agentID)
		if err != nil {
			return fmt.Errorf("store: assign agent %s: %w", agentID, err)
		}
		return nil
	})
}

// UpdateStoryStatus sets a story's status, also clearing the
// assignment when clearAssignment is true.
func (s *Store) UpdateStoryStatus(ctx context.Context, storyID string, status model.StoryStatus, clearAssignment bool) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if clearAssignment {
			_, err = tx.ExecContext(ctx,
				`UPDATE stories SET status = ?, assigned_agent_id = '', updated_at = ? WHERE id = ?`,
				string(status), now, storyID)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE stories SET status = ?, updated_at = ? WHERE id = ?`,
				string(status), now, storyID)
		}
		if err != nil {
			return fmt.Errorf("store: update story %s status: %w", storyID, err)
		}
		return nil
	})
}

// AddStoryDependency records that storyID depends on dependsOnID.
func (s *Store) AddStoryDependency(ctx context.Context, storyID, dependsOnID string) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO story_dependencies(story_id, depends_on_id) VALUES (?, ?)`,
			storyID, dependsOnID)
		if err != nil {
			return fmt.Errorf("store: add dependency %s -> %s: %w", storyID, dependsOnID, err)
		}
		return nil
	})
}

// ListStoryDependencies returns every dependency pair among the given story IDs.
func (s *Store) ListStoryDependencies(ctx context.Context, storyIDs []string) ([]model.StoryDependency, error) {
	if len(storyIDs) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, len(storyIDs))
	for i, id := range storyIDs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT story_id, depends_on_id FROM story_dependencies WHERE story_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list story dependencies: %w", err)
	}
	defer rows.Close()

	var out []model.StoryDependency
	for rows.Next() {
		var d model.StoryDependency
		if err := rows.Scan(&d.StoryID, &d.DependsOnID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
