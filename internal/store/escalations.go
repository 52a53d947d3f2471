package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hive/internal/model"
)

const escalationColumns = `id, story_id, from_agent_id, to_agent_id, reason, status, resolution, created_at, updated_at`

// CreateEscalation inserts a new escalation in status pending. An empty
// ToAgentID means the escalation is addressed to a human.
func (s *Store) CreateEscalation(ctx context.Context, e model.Escalation) error {
	now := time.Now().UTC()
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO escalations(id, story_id, from_agent_id, to_agent_id, reason, status, resolution, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.StoryID, e.FromAgentID, e.ToAgentID, e.Reason,
			string(model.EscalationPending), e.Resolution,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("store: create escalation %s: %w", e.ID, err)
		}
		return nil
	})
}

func scanEscalation(row interface{ Scan(...any) error }) (model.Escalation, error) {
	var e model.Escalation
	var status, created, updated string
	err := row.Scan(&e.ID, &e.StoryID, &e.FromAgentID, &e.ToAgentID, &e.Reason,
		&status, &e.Resolution, &created, &updated)
	if err != nil {
		return model.Escalation{}, err
	}
	e.Status = model.EscalationStatus(status)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return e, nil
}

// FindRecentEscalation returns the most recent escalation raised by
// fromAgentID for a story that is pending/acknowledged, or was created
// within `within` of now, used by the Manager's escalation-gating step
// to avoid duplicate escalations for the same stall.
func (s *Store) FindRecentEscalation(ctx context.Context, fromAgentID string, within time.Duration) (model.Escalation, error) {
	cutoff := time.Now().UTC().Add(-within).Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations
			WHERE from_agent_id = ?
			  AND (status != ? OR created_at >= ?)
			ORDER BY created_at DESC LIMIT 1`,
		fromAgentID, string(model.EscalationResolved), cutoff)
	e, err := scanEscalation(row)
	if err == sql.ErrNoRows {
		return model.Escalation{}, ErrNotFound
	}
	if err != nil {
		return model.Escalation{}, fmt.Errorf("store: find recent escalation for %s: %w", fromAgentID, err)
	}
	return e, nil
}

// ListEscalationsByStatus returns every escalation in a status.
func (s *Store) ListEscalationsByStatus(ctx context.Context, status model.EscalationStatus) ([]model.Escalation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("store: list escalations by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []model.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AcknowledgeEscalation flips a pending escalation to acknowledged.
func (s *Store) AcknowledgeEscalation(ctx context.Context, id string) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE escalations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(model.EscalationAcknowledged), time.Now().UTC().Format(time.RFC3339Nano), id, string(model.EscalationPending))
		if err != nil {
			return fmt.Errorf("store: acknowledge escalation %s: %w", id, err)
		}
		return nil
	})
}

// ResolveEscalation sets the resolution text and flips status to
// resolved, used both for human resolution and the Manager's
// auto-resolve step.
func (s *Store) ResolveEscalation(ctx context.Context, id, resolution string) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE escalations SET status = ?, resolution = ?, updated_at = ? WHERE id = ?`,
			string(model.EscalationResolved), resolution, time.Now().UTC().Format(time.RFC3339Nano), id)
		if err != nil {
			return fmt.Errorf("store: resolve escalation %s: %w", id, err)
		}
		return nil
	})
}
