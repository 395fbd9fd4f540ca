package convstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connexus/finchat/internal/apperr"
	"github.com/connexus/finchat/internal/model"
)

// MemoryStore is an in-process Store used by tests. Not safe for multi-
// replica deployment since it holds all state in-process.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]model.ChatSession
	messages map[string][]model.ChatMessage
	seq      int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]model.ChatSession),
		messages: make(map[string][]model.ChatMessage),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) FindOrCreateSession(_ context.Context, userID, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == "" {
		id := uuid.New().String()
		now := time.Now().UTC()
		s.sessions[id] = model.ChatSession{ID: id, UserID: userID, CreatedAt: now, LastActiveAt: now}
		return id, nil
	}

	sess, ok := s.sessions[sessionID]
	if !ok {
		now := time.Now().UTC()
		s.sessions[sessionID] = model.ChatSession{ID: sessionID, UserID: userID, CreatedAt: now, LastActiveAt: now}
		return sessionID, nil
	}
	if sess.UserID != userID {
		return "", apperr.Wrap(apperr.NotFound, "convstore.FindOrCreateSession: session not found")
	}
	return sessionID, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg model.ChatMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.seq++

	sess, ok := s.sessions[msg.SessionID]
	if !ok {
		return "", apperr.Wrap(apperr.NotFound, "convstore.AppendMessage: session not found")
	}
	sess.LastActiveAt = msg.CreatedAt
	s.sessions[msg.SessionID] = sess

	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return msg.ID, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, userID string, skip, limit int) ([]model.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.SessionSummary
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		msgs := s.messages[sess.ID]
		preview := ""
		for _, m := range msgs {
			if m.Role == model.RoleUser {
				preview = m.Content
				break
			}
		}
		out = append(out, model.SessionSummary{Session: sess, Preview: preview, MessageCount: len(msgs)})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Session.LastActiveAt.After(out[j].Session.LastActiveAt)
	})

	return paginateSummaries(out, skip, limit), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID, userID string, skip, limit int) ([]model.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return nil, apperr.Wrap(apperr.NotFound, "convstore.ListMessages: session not found")
	}

	msgs := s.messages[sessionID]
	sorted := make([]model.ChatMessage, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	return paginateMessages(sorted, skip, limit), nil
}

func (s *MemoryStore) ListRecentMessages(_ context.Context, sessionID, userID string, n int) ([]model.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return nil, apperr.Wrap(apperr.NotFound, "convstore.ListRecentMessages: session not found")
	}

	msgs := s.messages[sessionID]
	sorted := make([]model.ChatMessage, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	if n > 0 && n < len(sorted) {
		sorted = sorted[len(sorted)-n:]
	}
	return sorted, nil
}

func paginateSummaries(in []model.SessionSummary, skip, limit int) []model.SessionSummary {
	if skip >= len(in) {
		return nil
	}
	in = in[skip:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func paginateMessages(in []model.ChatMessage, skip, limit int) []model.ChatMessage {
	if skip >= len(in) {
		return nil
	}
	in = in[skip:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
