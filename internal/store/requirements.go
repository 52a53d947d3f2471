package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hive/internal/model"
)

// CreateRequirement inserts a new requirement, stamping created/updated timestamps.
func (s *Store) CreateRequirement(ctx context.Context, r model.Requirement) error {
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO requirements(id, title, description, status, godmode, target_branch,
				feature_branch, external_epic_key, external_epic_id, external_epic_provider,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Title, r.Description, string(r.Status), r.Godmode, r.TargetBranch,
			r.FeatureBranch, r.ExternalEpicKey, r.ExternalEpicID, r.ExternalEpicProvider,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("store: create requirement %s: %w", r.ID, err)
		}
		return nil
	})
}

// UpdateRequirementStatus transitions a requirement's status. The caller is
// responsible for only requesting valid transitions.
func (s *Store) UpdateRequirementStatus(ctx context.Context, id string, status model.RequirementStatus) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE requirements SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().UTC().Format(time.RFC3339Nano), id)
		if err != nil {
			return fmt.Errorf("store: update requirement %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanRequirement(row interface{ Scan(...any) error }) (model.Requirement, error) {
	var r model.Requirement
	var status, created, updated string
	err := row.Scan(&r.ID, &r.Title, &r.Description, &status, &r.Godmode, &r.TargetBranch,
		&r.FeatureBranch, &r.ExternalEpicKey, &r.ExternalEpicID, &r.ExternalEpicProvider,
		&created, &updated)
	if err != nil {
		return model.Requirement{}, err
	}
	r.Status = model.RequirementStatus(status)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return r, nil
}

const requirementColumns = `id, title, description, status, godmode, target_branch,
	feature_branch, external_epic_key, external_epic_id, external_epic_provider,
	created_at, updated_at`

// GetRequirement looks up a requirement by id.
func (s *Store) GetRequirement(ctx context.Context, id string) (model.Requirement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE id = ?`, id)
	r, err := scanRequirement(row)
	if err == sql.ErrNoRows {
		return model.Requirement{}, ErrNotFound
	}
	if err != nil {
		return model.Requirement{}, fmt.Errorf("store: get requirement %s: %w", id, err)
	}
	return r, nil
}

// ListRequirements returns every requirement, most recently created first.
func (s *Store) ListRequirements(ctx context.Context) ([]model.Requirement, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+requirementColumns+` FROM requirements ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list requirements: %w", err)
	}
	defer rows.Close()

	var out []model.Requirement
	for rows.Next() {
		r, err := scanRequirement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
