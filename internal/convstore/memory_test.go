package convstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/connexus/finchat/internal/apperr"
	"github.com/connexus/finchat/internal/model"
)

func TestFindOrCreateSession_CreatesWhenEmpty(t *testing.T) {
	s := NewMemoryStore()
	id, err := s.FindOrCreateSession(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("FindOrCreateSession() error: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty session id")
	}
}

func TestFindOrCreateSession_ReturnsOwnedSession(t *testing.T) {
	s := NewMemoryStore()
	id, _ := s.FindOrCreateSession(context.Background(), "user-1", "")

	got, err := s.FindOrCreateSession(context.Background(), "user-1", id)
	if err != nil {
		t.Fatalf("FindOrCreateSession() error: %v", err)
	}
	if got != id {
		t.Errorf("got %q, want %q", got, id)
	}
}

func TestFindOrCreateSession_NotOwnedIsNotFound(t *testing.T) {
	s := NewMemoryStore()
	id, _ := s.FindOrCreateSession(context.Background(), "user-1", "")

	_, err := s.FindOrCreateSession(context.Background(), "user-2", id)
	if !errors.Is(err, apperr.NotFound) {
		t.Errorf("error = %v, want apperr.NotFound (never reveal existence to the wrong user)", err)
	}
}

func TestAppendMessage_TouchesSessionLastActive(t *testing.T) {
	s := NewMemoryStore()
	id, _ := s.FindOrCreateSession(context.Background(), "user-1", "")

	before, err := s.ListSessions(context.Background(), "user-1", 0, 10)
	if err != nil {
		t.Fatalf("ListSessions() error: %v", err)
	}
	beforeActive := before[0].Session.LastActiveAt

	time.Sleep(time.Millisecond)
	if _, err := s.AppendMessage(context.Background(), model.ChatMessage{SessionID: id, Role: model.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}

	after, _ := s.ListSessions(context.Background(), "user-1", 0, 10)
	if !after[0].Session.LastActiveAt.After(beforeActive) {
		t.Error("AppendMessage must advance the session's last-activity timestamp")
	}
}

func TestListSessions_OrderedByLastActiveDescWithPreviewAndCount(t *testing.T) {
	s := NewMemoryStore()
	older, _ := s.FindOrCreateSession(context.Background(), "user-1", "")
	time.Sleep(time.Millisecond)
	newer, _ := s.FindOrCreateSession(context.Background(), "user-1", "")

	s.AppendMessage(context.Background(), model.ChatMessage{SessionID: older, Role: model.RoleUser, Content: "older first message"})
	s.AppendMessage(context.Background(), model.ChatMessage{SessionID: older, Role: model.RoleAssistant, Content: "reply"})
	s.AppendMessage(context.Background(), model.ChatMessage{SessionID: newer, Role: model.RoleUser, Content: "newer first message"})

	out, err := s.ListSessions(context.Background(), "user-1", 0, 10)
	if err != nil {
		t.Fatalf("ListSessions() error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d sessions, want 2", len(out))
	}
	if out[0].Session.ID != newer {
		t.Errorf("most recently active session must sort first; got %s want %s", out[0].Session.ID, newer)
	}
	if out[1].Preview != "older first message" || out[1].MessageCount != 2 {
		t.Errorf("got preview=%q count=%d, want preview=%q count=2", out[1].Preview, out[1].MessageCount, "older first message")
	}
}

func TestListMessages_EnforcesOwnership(t *testing.T) {
	s := NewMemoryStore()
	id, _ := s.FindOrCreateSession(context.Background(), "user-1", "")
	s.AppendMessage(context.Background(), model.ChatMessage{SessionID: id, Role: model.RoleUser, Content: "hi"})

	_, err := s.ListMessages(context.Background(), id, "user-2", 0, 10)
	if !errors.Is(err, apperr.NotFound) {
		t.Errorf("error = %v, want apperr.NotFound", err)
	}
}

func TestListMessages_ReturnsInOrder(t *testing.T) {
	s := NewMemoryStore()
	id, _ := s.FindOrCreateSession(context.Background(), "user-1", "")
	s.AppendMessage(context.Background(), model.ChatMessage{SessionID: id, Role: model.RoleUser, Content: "first"})
	s.AppendMessage(context.Background(), model.ChatMessage{SessionID: id, Role: model.RoleAssistant, Content: "second"})

	msgs, err := s.ListMessages(context.Background(), id, "user-1", 0, 10)
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("got %+v, want [first, second] in order", msgs)
	}
}
