package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/connexus/finchat/internal/apperr"
	"github.com/connexus/finchat/internal/cacheclient"
	"github.com/connexus/finchat/internal/chatservice"
	"github.com/connexus/finchat/internal/convstore"
	"github.com/connexus/finchat/internal/llmclient"
	"github.com/connexus/finchat/internal/middleware"
	"github.com/connexus/finchat/internal/model"
)

type chatFakeRetriever struct{}

func (chatFakeRetriever) Retrieve(_ context.Context, _ string, _ int, _ float64) (model.RetrievalResult, error) {
	return model.RetrievalResult{Sources: []string{"doc-1"}}, nil
}

type chatFakeLLM struct {
	parts []string
	err   error
}

func (f *chatFakeLLM) CompleteStream(ctx context.Context, _ []llmclient.Message, _ llmclient.Options) (<-chan string, <-chan error) {
	out := make(chan string, len(f.parts)+1)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for _, p := range f.parts {
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
		if f.err != nil {
			errc <- f.err
		}
	}()
	return out, errc
}

func newTestChatDeps(t *testing.T, llm chatservice.LLMClient) ChatDeps {
	t.Helper()
	conv := convstore.NewMemoryStore()
	persist := chatservice.NewBackgroundExecutor(2, 16, 5*time.Second)
	t.Cleanup(func() { persist.Shutdown(context.Background()) })
	svc := chatservice.New(conv, cacheclient.NewMemoryCache(), chatFakeRetriever{}, llm, nil, persist, chatservice.Config{})
	return ChatDeps{Chat: svc, Conv: conv}
}

func TestChatMessage_Unauthorized(t *testing.T) {
	deps := newTestChatDeps(t, &chatFakeLLM{parts: []string{"hi"}})
	req := httptest.NewRequest(http.MethodPost, "/api/chat/message", bytes.NewBufferString(`{"message":"hello"}`))
	rec := httptest.NewRecorder()
	ChatMessage(deps)(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestChatMessage_Success(t *testing.T) {
	deps := newTestChatDeps(t, &chatFakeLLM{parts: []string{"hel", "lo"}})
	body, _ := json.Marshal(chatMessageRequest{Message: "hi there", UseRAG: true})
	req := httptest.NewRequest(http.MethodPost, "/api/chat/message", bytes.NewBuffer(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), "user-1"))
	rec := httptest.NewRecorder()
	ChatMessage(deps)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if !env.Success {
		t.Fatalf("success = false, error = %v", env.Error)
	}
}

func TestChatMessage_EmptyMessageRejected(t *testing.T) {
	deps := newTestChatDeps(t, &chatFakeLLM{parts: []string{"hi"}})
	body, _ := json.Marshal(chatMessageRequest{Message: "   "})
	req := httptest.NewRequest(http.MethodPost, "/api/chat/message", bytes.NewBuffer(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), "user-1"))
	rec := httptest.NewRecorder()
	ChatMessage(deps)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestChatMessageStream_EmitsSSEFrames(t *testing.T) {
	deps := newTestChatDeps(t, &chatFakeLLM{parts: []string{"hel", "lo"}})
	body, _ := json.Marshal(chatMessageRequest{Message: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat/message/stream", bytes.NewBuffer(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), "user-1"))
	rec := httptest.NewRecorder()
	ChatMessageStream(deps)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	out := rec.Body.String()
	if !strings.Contains(out, "event: response") {
		t.Errorf("output missing response events: %q", out)
	}
	if !strings.Contains(out, `"done":true`) {
		t.Errorf("output missing terminal done frame: %q", out)
	}
}

func TestChatSessions_ListsOwnedSessions(t *testing.T) {
	deps := newTestChatDeps(t, &chatFakeLLM{parts: []string{"ok"}})
	events, err := deps.Chat.SendMessage(context.Background(), "user-1", chatservice.Request{Message: "hi", SessionID: "11111111-1111-1111-1111-111111111111"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	for range events {
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sessions, _ := deps.Conv.ListSessions(context.Background(), "user-1", 0, 20)
		if len(sessions) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/chat/sessions", nil)
	req = req.WithContext(middleware.WithUserID(req.Context(), "user-1"))
	rec := httptest.NewRecorder()
	ChatSessions(deps)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestChatSessionMessages_ForeignSessionIs404(t *testing.T) {
	deps := newTestChatDeps(t, &chatFakeLLM{parts: []string{"ok"}})
	sessionID := "22222222-2222-2222-2222-222222222222"
	if _, err := deps.Conv.FindOrCreateSession(context.Background(), "owner", sessionID); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	r := chi.NewRouter()
	r.Get("/api/chat/sessions/{id}/messages", ChatSessionMessages(deps))

	req := httptest.NewRequest(http.MethodGet, "/api/chat/sessions/"+sessionID+"/messages", nil)
	req = req.WithContext(middleware.WithUserID(req.Context(), "someone-else"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestClassifyChatError_MapsKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apperr.Wrap(apperr.InputError, "bad"), http.StatusBadRequest},
		{apperr.Wrap(apperr.AuthError, "nope"), http.StatusUnauthorized},
		{apperr.Wrap(apperr.NotFound, "missing"), http.StatusNotFound},
		{apperr.NewRateLimited("slow down", 5), http.StatusTooManyRequests},
		{apperr.Wrap(apperr.Transient, "down"), http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		status, _ := classifyChatError(c.err)
		if status != c.status {
			t.Errorf("classifyChatError(%v) = %d, want %d", c.err, status, c.status)
		}
	}
}
