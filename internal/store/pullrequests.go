package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hive/internal/model"
)

const prColumns = `id, story_id, team_id, branch_name, code_host_number, code_host_url,
	submitted_by, reviewed_by, status, review_notes, created_at, updated_at`

// CreatePullRequest inserts a new PR row in status queued unless the
// caller set a different one.
func (s *Store) CreatePullRequest(ctx context.Context, pr model.PullRequest) error {
	now := time.Now().UTC()
	status := pr.Status
	if status == "" {
		status = model.PRQueued
	}
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pull_requests(id, story_id, team_id, branch_name, code_host_number,
				code_host_url, submitted_by, reviewed_by, status, review_notes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pr.ID, pr.StoryID, pr.TeamID, pr.BranchName, pr.CodeHostNumber, pr.CodeHostURL,
			pr.SubmittedBy, pr.ReviewedBy, string(status), pr.ReviewNotes,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("store: create pull request %s: %w", pr.ID, err)
		}
		return nil
	})
}

func scanPullRequest(row interface{ Scan(...any) error }) (model.PullRequest, error) {
	var pr model.PullRequest
	var status, created, updated string
	err := row.Scan(&pr.ID, &pr.StoryID, &pr.TeamID, &pr.BranchName, &pr.CodeHostNumber,
		&pr.CodeHostURL, &pr.SubmittedBy, &pr.ReviewedBy, &status, &pr.ReviewNotes, &created, &updated)
	if err != nil {
		return model.PullRequest{}, err
	}
	pr.Status = model.PullRequestStatus(status)
	pr.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	pr.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return pr, nil
}

// ListPullRequestsByTeamStatus returns every PR for a team in a status.
func (s *Store) ListPullRequestsByTeamStatus(ctx context.Context, teamID string, status model.PullRequestStatus) ([]model.PullRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prColumns+` FROM pull_requests WHERE team_id = ? AND status = ? ORDER BY created_at ASC`,
		teamID, string(status))
	if err != nil {
		return nil, fmt.Errorf("store: list PRs for team %s: %w", teamID, err)
	}
	defer rows.Close()
	return scanPullRequests(rows)
}

// GetPullRequestByStory returns the most recent PR for a story, if any.
func (s *Store) GetPullRequestByStory(ctx context.Context, storyID string) (model.PullRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+prColumns+` FROM pull_requests WHERE story_id = ? ORDER BY created_at DESC LIMIT 1`, storyID)
	pr, err := scanPullRequest(row)
	if err == sql.ErrNoRows {
		return model.PullRequest{}, ErrNotFound
	}
	if err != nil {
		return model.PullRequest{}, fmt.Errorf("store: get PR for story %s: %w", storyID, err)
	}
	return pr, nil
}

func scanPullRequests(rows *sql.Rows) ([]model.PullRequest, error) {
	var out []model.PullRequest
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// UpdatePullRequestStatus transitions a PR's status.
func (s *Store) UpdatePullRequestStatus(ctx context.Context, id string, status model.PullRequestStatus) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE pull_requests SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().UTC().Format(time.RFC3339Nano), id)
		if err != nil {
			return fmt.Errorf("store: update PR %s status: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// BackfillPullRequestNumber sets code_host_number from code_host_url
// when the number column is still unset, idempotently.
func (s *Store) BackfillPullRequestNumber(ctx context.Context, id string, number int) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE pull_requests SET code_host_number = ?, updated_at = ? WHERE id = ? AND code_host_number = 0`,
			number, time.Now().UTC().Format(time.RFC3339Nano), id)
		if err != nil {
			return fmt.Errorf("store: backfill PR number %s: %w", id, err)
		}
		return nil
	})
}

// ListPullRequestsMissingNumber returns PRs that have a URL but no
// backfilled code_host_number yet.
func (s *Store) ListPullRequestsMissingNumber(ctx context.Context) ([]model.PullRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prColumns+` FROM pull_requests WHERE code_host_number = 0 AND code_host_url != ''`)
	if err != nil {
		return nil, fmt.Errorf("store: list PRs missing number: %w", err)
	}
	defer rows.Close()
	return scanPullRequests(rows)
}
