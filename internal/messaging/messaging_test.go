package messaging

import (
	"context"
	"fmt"
	"testing"
	"time"

	"hive/internal/model"
)

type fakeStore struct {
	messages    map[string]model.Message
	escalations map[string]model.Escalation
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: map[string]model.Message{}, escalations: map[string]model.Escalation{}}
}

func (f *fakeStore) SendMessage(_ context.Context, msg model.Message) error {
	f.messages[msg.ID] = msg
	return nil
}
func (f *fakeStore) Inbox(_ context.Context, toSession string, includeRead bool) ([]model.Message, error) {
	var out []model.Message
	for _, m := range f.messages {
		if m.ToSession != toSession {
			continue
		}
		if !includeRead && m.Status != model.MessagePending {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
func (f *fakeStore) Outbox(_ context.Context, fromSession string) ([]model.Message, error) {
	var out []model.Message
	for _, m := range f.messages {
		if m.FromSession == fromSession {
			out = append(out, m)
		}
	}
	return out, nil
}
func (f *fakeStore) GetMessage(_ context.Context, id string) (model.Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return model.Message{}, fmt.Errorf("not found")
	}
	return m, nil
}
func (f *fakeStore) ReadMessage(_ context.Context, id string) error {
	m := f.messages[id]
	if m.Status == model.MessagePending {
		m.Status = model.MessageRead
		f.messages[id] = m
	}
	return nil
}
func (f *fakeStore) ReplyMessage(_ context.Context, id, reply string) error {
	m := f.messages[id]
	if m.Status != model.MessageReplied {
		m.Reply = reply
		m.Status = model.MessageReplied
		f.messages[id] = m
	}
	return nil
}
func (f *fakeStore) MarkMessagesRead(_ context.Context, ids []string) error {
	for _, id := range ids {
		if err := f.ReadMessage(context.Background(), id); err != nil {
			return err
		}
	}
	return nil
}
func (f *fakeStore) CreateEscalation(_ context.Context, e model.Escalation) error {
	f.escalations[e.ID] = e
	return nil
}
func (f *fakeStore) FindRecentEscalation(_ context.Context, fromAgentID string, within time.Duration) (model.Escalation, error) {
	for _, e := range f.escalations {
		if e.FromAgentID != fromAgentID {
			continue
		}
		if e.Status != model.EscalationResolved || time.Since(e.CreatedAt) < within {
			return e, nil
		}
	}
	return model.Escalation{}, fmt.Errorf("not found")
}
func (f *fakeStore) ListEscalationsByStatus(_ context.Context, status model.EscalationStatus) ([]model.Escalation, error) {
	var out []model.Escalation
	for _, e := range f.escalations {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}
func (f *fakeStore) AcknowledgeEscalation(_ context.Context, id string) error {
	e := f.escalations[id]
	e.Status = model.EscalationAcknowledged
	f.escalations[id] = e
	return nil
}
func (f *fakeStore) ResolveEscalation(_ context.Context, id, resolution string) error {
	e := f.escalations[id]
	e.Status = model.EscalationResolved
	e.Resolution = resolution
	f.escalations[id] = e
	return nil
}

func TestSendRendersMarkdownToPlainText(t *testing.T) {
	store := newFakeStore()
	svc := New(store)
	msg, err := svc.Send(context.Background(), "hive-senior-t", "hive-junior-t", "heads up", "**please** rebase")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Status != model.MessagePending {
		t.Fatalf("expected pending status, got %s", msg.Status)
	}
	if msg.Body == "**please** rebase" {
		t.Fatalf("expected markdown to be rendered, got raw: %q", msg.Body)
	}
}

func TestReadIsIdempotent(t *testing.T) {
	store := newFakeStore()
	svc := New(store)
	msg, _ := svc.Send(context.Background(), "a", "b", "", "hello")

	if err := svc.Read(context.Background(), msg.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Read(context.Background(), msg.ID); err != nil {
		t.Fatalf("unexpected error on second read: %v", err)
	}
	got, _ := store.GetMessage(context.Background(), msg.ID)
	if got.Status != model.MessageRead {
		t.Fatalf("expected read status, got %s", got.Status)
	}
}

func TestReplyIsIdempotent(t *testing.T) {
	store := newFakeStore()
	svc := New(store)
	msg, _ := svc.Send(context.Background(), "a", "b", "", "hello")

	if err := svc.Reply(context.Background(), msg.ID, "first reply"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Reply(context.Background(), msg.ID, "second reply"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := store.GetMessage(context.Background(), msg.ID)
	if got.Reply != "first reply" {
		t.Fatalf("expected first reply to stick, got %q", got.Reply)
	}
}

func TestHasRecentEscalationDedup(t *testing.T) {
	store := newFakeStore()
	svc := New(store)
	if svc.HasRecentEscalation(context.Background(), "agent-1", 30*time.Minute) {
		t.Fatalf("expected no escalation yet")
	}
	if _, err := svc.Escalate(context.Background(), "agent-1", "", "", "needs human input"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !svc.HasRecentEscalation(context.Background(), "agent-1", 30*time.Minute) {
		t.Fatalf("expected recent escalation to be found")
	}
}
