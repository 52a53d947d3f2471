// Package messaging renders and delivers the two-party mailbox and
// human-escalation flows on top of internal/store's
// Message and Escalation tables.
package messaging

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"hive/internal/model"
)

// Store is the subset of *store.Store messaging depends on.
type Store interface {
	SendMessage(ctx context.Context, msg model.Message) error
	Inbox(ctx context.Context, toSession string, includeRead bool) ([]model.Message, error)
	Outbox(ctx context.Context, fromSession string) ([]model.Message, error)
	GetMessage(ctx context.Context, id string) (model.Message, error)
	ReadMessage(ctx context.Context, id string) error
	ReplyMessage(ctx context.Context, id, reply string) error
	MarkMessagesRead(ctx context.Context, ids []string) error

	CreateEscalation(ctx context.Context, e model.Escalation) error
	FindRecentEscalation(ctx context.Context, fromAgentID string, within time.Duration) (model.Escalation, error)
	ListEscalationsByStatus(ctx context.Context, status model.EscalationStatus) ([]model.Escalation, error)
	AcknowledgeEscalation(ctx context.Context, id string) error
	ResolveEscalation(ctx context.Context, id, resolution string) error
}

// Service wraps the mailbox store methods with Markdown rendering, so
// terminal delivery always sees plain text regardless of how the
// sender composed the body.
type Service struct {
	store Store
}

// New returns a messaging Service over store.
func New(store Store) *Service {
	return &Service{store: store}
}

// Send inserts a pending message, rendering body from Markdown to
// plain text.
func (s *Service) Send(ctx context.Context, from, to, subject, body string) (model.Message, error) {
	rendered, err := RenderPlainText(body)
	if err != nil {
		return model.Message{}, fmt.Errorf("messaging: render body: %w", err)
	}
	msg := model.Message{
		ID:          uuid.NewString(),
		FromSession: from,
		ToSession:   to,
		Subject:     subject,
		Body:        rendered,
		Status:      model.MessagePending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.SendMessage(ctx, msg); err != nil {
		return model.Message{}, fmt.Errorf("messaging: send: %w", err)
	}
	return msg, nil
}

// Inbox returns a session's messages, defaulting to pending-only.
func (s *Service) Inbox(ctx context.Context, toSession string, includeRead bool) ([]model.Message, error) {
	return s.store.Inbox(ctx, toSession, includeRead)
}

// Outbox returns messages a session has sent.
func (s *Service) Outbox(ctx context.Context, fromSession string) ([]model.Message, error) {
	return s.store.Outbox(ctx, fromSession)
}

// Read flips a message pending -> read; idempotent.
func (s *Service) Read(ctx context.Context, id string) error {
	return s.store.ReadMessage(ctx, id)
}

// Reply records a reply and marks the message replied; idempotent.
func (s *Service) Reply(ctx context.Context, id, text string) error {
	rendered, err := RenderPlainText(text)
	if err != nil {
		return fmt.Errorf("messaging: render reply: %w", err)
	}
	return s.store.ReplyMessage(ctx, id, rendered)
}

// DeliverBatch marks a set of delivered messages read in one batch,
// used by the Manager after forwarding a session's pending mail.
func (s *Service) DeliverBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.store.MarkMessagesRead(ctx, ids)
}

// Escalate is the human-escalation half of the mailbox: human
// escalations carry no ToAgentID. Escalate itself does no dedup; the
// Manager checks HasRecentEscalation before calling it.
func (s *Service) Escalate(ctx context.Context, fromAgentID, toAgentID, storyID, reason string) (model.Escalation, error) {
	esc := model.Escalation{
		ID:          uuid.NewString(),
		StoryID:     storyID,
		FromAgentID: fromAgentID,
		ToAgentID:   toAgentID,
		Reason:      reason,
		Status:      model.EscalationPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateEscalation(ctx, esc); err != nil {
		return model.Escalation{}, fmt.Errorf("messaging: create escalation: %w", err)
	}
	return esc, nil
}

// HasRecentEscalation reports whether fromAgentID already has a
// pending/acknowledged escalation, or one created within the cooldown
// window, implementing the Manager's escalation dedup gate.
func (s *Service) HasRecentEscalation(ctx context.Context, fromAgentID string, within time.Duration) bool {
	_, err := s.store.FindRecentEscalation(ctx, fromAgentID, within)
	return err == nil
}

// Resolve closes out an escalation once the agent is no longer waiting.
func (s *Service) Resolve(ctx context.Context, id, resolution string) error {
	return s.store.ResolveEscalation(ctx, id, resolution)
}

// PendingEscalations lists escalations still open.
func (s *Service) PendingEscalations(ctx context.Context) ([]model.Escalation, error) {
	return s.store.ListEscalationsByStatus(ctx, model.EscalationPending)
}

// RenderPlainText renders Markdown down to plain text for terminal
// delivery.
func RenderPlainText(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return stripTags(buf.String()), nil
}

// stripTags removes goldmark's HTML wrapper tags, leaving readable
// plain text suitable for a terminal session (the core never renders
// HTML; it only uses goldmark's Markdown parsing).
func stripTags(html string) string {
	var out bytes.Buffer
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			out.WriteRune(r)
		}
	}
	return string(bytes.TrimSpace(out.Bytes()))
}
