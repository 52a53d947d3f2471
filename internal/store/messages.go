package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hive/internal/model"
)

const messageColumns = `id, from_session, to_session, subject, body, reply, status, created_at, updated_at`

// SendMessage inserts a new message row in status pending.
func (s *Store) SendMessage(ctx context.Context, msg model.Message) error {
	now := time.Now().UTC()
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages(id, from_session, to_session, subject, body, reply, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.FromSession, msg.ToSession, msg.Subject, msg.Body, msg.Reply,
			string(model.MessagePending), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("store: send message %s: %w", msg.ID, err)
		}
		return nil
	})
}

func scanMessage(row interface{ Scan(...any) error }) (model.Message, error) {
	var m model.Message
	var status, created, updated string
	err := row.Scan(&m.ID, &m.FromSession, &m.ToSession, &m.Subject, &m.Body, &m.Reply,
		&status, &created, &updated)
	if err != nil {
		return model.Message{}, err
	}
	m.Status = model.MessageStatus(status)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return m, nil
}

// Inbox returns messages addressed to a session. With includeRead
// false (the default) it returns only pending messages;
// otherwise it returns every message regardless of status.
func (s *Store) Inbox(ctx context.Context, toSession string, includeRead bool) ([]model.Message, error) {
	var rows *sql.Rows
	var err error
	if includeRead {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE to_session = ? ORDER BY created_at ASC`, toSession)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE to_session = ? AND status = ? ORDER BY created_at ASC`,
			toSession, string(model.MessagePending))
	}
	if err != nil {
		return nil, fmt.Errorf("store: inbox %s: %w", toSession, err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Outbox returns every message sent from a session, most recent first.
func (s *Store) Outbox(ctx context.Context, fromSession string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE from_session = ? ORDER BY created_at DESC`, fromSession)
	if err != nil {
		return nil, fmt.Errorf("store: outbox %s: %w", fromSession, err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessage looks up a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (model.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("store: get message %s: %w", id, err)
	}
	return m, nil
}

// ReadMessage idempotently flips a pending message to read: re-reading an already-read message is a no-op.
func (s *Store) ReadMessage(ctx context.Context, id string) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(model.MessageRead), time.Now().UTC().Format(time.RFC3339Nano), id, string(model.MessagePending))
		if err != nil {
			return fmt.Errorf("store: read message %s: %w", id, err)
		}
		return nil
	})
}

// ReplyMessage sets a message's reply text and flips it to replied.
// Replying to an already-replied message is a no-op.
func (s *Store) ReplyMessage(ctx context.Context, id, reply string) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE messages SET reply = ?, status = ?, updated_at = ? WHERE id = ? AND status != ?`,
			reply, string(model.MessageReplied), time.Now().UTC().Format(time.RFC3339Nano), id, string(model.MessageReplied))
		if err != nil {
			return fmt.Errorf("store: reply message %s: %w", id, err)
		}
		return nil
	})
}

// MarkMessagesRead flips every given message id from pending to read in
// one transaction, for the Manager's batched mark-read step.
func (s *Store) MarkMessagesRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
				string(model.MessageRead), now, id, string(model.MessagePending)); err != nil {
				return fmt.Errorf("store: mark message %s read: %w", id, err)
			}
		}
		return nil
	})
}
