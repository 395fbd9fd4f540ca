package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"firebase.google.com/go/v4/auth"

	"github.com/connexus/finchat/internal/cacheclient"
	"github.com/connexus/finchat/internal/chatservice"
	"github.com/connexus/finchat/internal/convstore"
	"github.com/connexus/finchat/internal/handler"
	"github.com/connexus/finchat/internal/llmclient"
	"github.com/connexus/finchat/internal/model"
	"github.com/connexus/finchat/internal/service"
)

// mockDB implements handler.DBPinger for testing.
type mockDB struct {
	err error
}

func (m *mockDB) Ping(ctx context.Context) error {
	return m.err
}

// mockAuthClient implements service.AuthClient for testing.
type mockAuthClient struct {
	uid string
	err error
}

func (m *mockAuthClient) VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &auth.Token{UID: m.uid}, nil
}

type routerFakeRetriever struct{}

func (routerFakeRetriever) Retrieve(_ context.Context, _ string, _ int, _ float64) (model.RetrievalResult, error) {
	return model.RetrievalResult{}, nil
}

type routerFakeLLM struct{}

func (routerFakeLLM) CompleteStream(ctx context.Context, _ []llmclient.Message, _ llmclient.Options) (<-chan string, <-chan error) {
	out := make(chan string, 1)
	errc := make(chan error, 1)
	out <- "hi"
	close(out)
	close(errc)
	return out, errc
}

func newTestChatDeps() handler.ChatDeps {
	conv := convstore.NewMemoryStore()
	persist := chatservice.NewBackgroundExecutor(1, 4, time.Second)
	svc := chatservice.New(conv, cacheclient.NewMemoryCache(), routerFakeRetriever{}, routerFakeLLM{}, nil, persist, chatservice.Config{})
	return handler.ChatDeps{Chat: svc, Conv: conv}
}

func newTestRouter(authErr error) http.Handler {
	client := &mockAuthClient{uid: "test-user", err: authErr}
	deps := &Dependencies{
		DB:          &mockDB{},
		AuthService: service.NewAuthService(client),
		FrontendURL: "http://localhost:3000",
		Version:     "0.2.0",
		ChatDeps:    newTestChatDeps(),
	}
	return New(deps)
}

func TestHealth_IsPublic(t *testing.T) {
	r := newTestRouter(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want %q", body["status"], "healthy")
	}
	if body["version"] != "0.2.0" {
		t.Errorf("version = %q, want %q", body["version"], "0.2.0")
	}
}

func TestHealth_DBDown(t *testing.T) {
	client := &mockAuthClient{uid: "test-user"}
	deps := &Dependencies{
		DB:          &mockDB{err: fmt.Errorf("connection refused")},
		AuthService: service.NewAuthService(client),
		FrontendURL: "http://localhost:3000",
		ChatDeps:    newTestChatDeps(),
	}
	r := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["database"] != "disconnected" {
		t.Errorf("database = %q, want %q", body["database"], "disconnected")
	}
}

func TestHealthDetailed_IsPublic(t *testing.T) {
	r := newTestRouter(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health/detailed", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestChatMessage_RequiresAuth(t *testing.T) {
	r := newTestRouter(fmt.Errorf("invalid token"))

	req := httptest.NewRequest(http.MethodPost, "/api/chat/message", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestChatSessions_RequiresAuth(t *testing.T) {
	r := newTestRouter(fmt.Errorf("invalid token"))

	req := httptest.NewRequest(http.MethodGet, "/api/chat/sessions", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestUnknownRoute_Returns404(t *testing.T) {
	r := newTestRouter(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/nonexistent", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["success"] != false {
		t.Error("expected success=false for 404")
	}
}

func TestInternalAuth_Bypasses_Firebase(t *testing.T) {
	client := &mockAuthClient{uid: "test-user", err: fmt.Errorf("firebase should not be called")}
	deps := &Dependencies{
		DB:                 &mockDB{},
		AuthService:        service.NewAuthService(client),
		FrontendURL:        "http://localhost:3000",
		InternalAuthSecret: "test-secret-123",
		ChatDeps:           newTestChatDeps(),
	}
	r := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/chat/sessions", nil)
	req.Header.Set("X-Internal-Auth", "test-secret-123")
	req.Header.Set("X-User-ID", "internal-user-42")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestInternalAuth_BadSecret_Returns401(t *testing.T) {
	client := &mockAuthClient{uid: "test-user", err: fmt.Errorf("firebase should not be called")}
	deps := &Dependencies{
		DB:                 &mockDB{},
		AuthService:        service.NewAuthService(client),
		FrontendURL:        "http://localhost:3000",
		InternalAuthSecret: "correct-secret",
		ChatDeps:           newTestChatDeps(),
	}
	r := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/chat/sessions", nil)
	req.Header.Set("X-Internal-Auth", "wrong-secret")
	req.Header.Set("X-User-ID", "internal-user-42")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
