package store

import (
	"context"
	"database/sql"
	"fmt"

	"hive/internal/model"
)

// CreateTeam inserts a new team row.
func (s *Store) CreateTeam(ctx context.Context, t model.Team) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO teams(id, name, repo_url, repo_path) VALUES (?, ?, ?, ?)`,
			t.ID, t.Name, t.RepoURL, t.RepoPath)
		if err != nil {
			return fmt.Errorf("store: create team %s: %w", t.Name, err)
		}
		return nil
	})
}

// GetTeam looks up a team by id.
func (s *Store) GetTeam(ctx context.Context, id string) (model.Team, error) {
	var t model.Team
	row := s.db.QueryRowContext(ctx, `SELECT id, name, repo_url, repo_path FROM teams WHERE id = ?`, id)
	if err := row.Scan(&t.ID, &t.Name, &t.RepoURL, &t.RepoPath); err != nil {
		if err == sql.ErrNoRows {
			return model.Team{}, ErrNotFound
		}
		return model.Team{}, fmt.Errorf("store: get team %s: %w", id, err)
	}
	return t, nil
}

// ListTeams returns every team, ordered by name.
func (s *Store) ListTeams(ctx context.Context) ([]model.Team, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, repo_url, repo_path FROM teams ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list teams: %w", err)
	}
	defer rows.Close()

	var out []model.Team
	for rows.Next() {
		var t model.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.RepoURL, &t.RepoPath); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
