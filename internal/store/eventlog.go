package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"hive/internal/model"
)

// CreateLog appends one row to the append-only event log.
// The log is never mutated once written; there is deliberately no
// Update/Delete counterpart in this file.
func (s *Store) CreateLog(ctx context.Context, agentID, storyID, eventType, status, message string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("store: marshal event metadata: %w", err)
	}
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_log(agent_id, story_id, event_type, status, message, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			agentID, storyID, eventType, status, message, string(metaJSON),
			time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("store: append event %s: %w", eventType, err)
		}
		return nil
	})
}

func scanEvent(row interface{ Scan(...any) error }) (model.Event, error) {
	var e model.Event
	var metaJSON, ts string
	err := row.Scan(&e.ID, &e.AgentID, &e.StoryID, &e.EventType, &e.Status, &e.Message, &metaJSON, &ts)
	if err != nil {
		return model.Event{}, err
	}
	_ = json.Unmarshal([]byte(metaJSON), &e.Metadata)
	e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	return e, nil
}

const eventColumns = `id, agent_id, story_id, event_type, status, message, metadata, timestamp`

// ListRecentEvents returns the most recent `limit` event-log rows,
// newest first, for operator-facing inspection (the `status` CLI
// surface and replay-based debugging).
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM event_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEventsForStory returns every event recorded against a story, in
// commit order.
func (s *Store) ListEventsForStory(ctx context.Context, storyID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM event_log WHERE story_id = ? ORDER BY id ASC`, storyID)
	if err != nil {
		return nil, fmt.Errorf("store: list events for story %s: %w", storyID, err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
