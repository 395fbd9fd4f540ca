package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/connexus/finchat/internal/apperr"
	"github.com/connexus/finchat/internal/chatservice"
	"github.com/connexus/finchat/internal/convstore"
	"github.com/connexus/finchat/internal/middleware"
	"github.com/connexus/finchat/internal/model"
)

// ChatDeps bundles the Chat Service and Conversation Store dependencies for
// the chat-related HTTP handlers (spec §6.1).
type ChatDeps struct {
	Chat *chatservice.Service
	Conv convstore.Store
}

type chatMessageRequest struct {
	Message    string `json:"message"`
	SessionID  string `json:"session_id"`
	UseRAG     bool   `json:"use_rag"`
	UseHistory bool   `json:"use_history"`
}

type chatUsageResponse struct {
	TokensOut int `json:"tokens_out"`
}

type chatMessageResponse struct {
	SessionID string            `json:"session_id"`
	Response  string            `json:"response"`
	Sources   []string          `json:"sources"`
	Cached    bool              `json:"cached"`
	Usage     chatUsageResponse `json:"usage"`
}

// ChatMessage handles POST /api/chat/message: the synchronous variant of
// the Chat Service cycle (spec §6.1). It drains the Chat Service's event
// stream to completion before responding, so callers that don't want a
// streaming transport still get the Chat Service's single-cycle semantics.
func ChatMessage(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		var req chatMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}

		events, err := deps.Chat.SendMessage(r.Context(), userID, chatservice.Request{
			Message:    req.Message,
			SessionID:  req.SessionID,
			UseRAG:     req.UseRAG,
			UseHistory: req.UseHistory,
		})
		if err != nil {
			status, msg := classifyChatError(err)
			respondJSON(w, status, envelope{Success: false, Error: msg})
			return
		}

		resp := drainToResponse(events)
		if resp.err != nil {
			status, msg := classifyChatError(resp.err)
			respondJSON(w, status, envelope{Success: false, Error: msg})
			return
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: chatMessageResponse{
			SessionID: resp.sessionID,
			Response:  resp.text,
			Sources:   resp.sources,
			Cached:    resp.cached,
			Usage:     chatUsageResponse{TokensOut: resp.tokensOut},
		}})
	}
}

// ChatMessageStream handles POST /api/chat/message/stream: the server-sent
// variant of the same cycle, carrying the same frame vocabulary as the
// bidirectional endpoint (spec §6.1) except with no in-band authenticate
// frame — auth is via the request's bearer token, already verified by
// middleware before this handler runs.
func ChatMessageStream(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		var req chatMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}

		events, err := deps.Chat.SendMessage(r.Context(), userID, chatservice.Request{
			Message:    req.Message,
			SessionID:  req.SessionID,
			UseRAG:     req.UseRAG,
			UseHistory: req.UseHistory,
		})
		if err != nil {
			status, msg := classifyChatError(err)
			respondJSON(w, status, envelope{Success: false, Error: msg})
			return
		}

		f, ok := w.(http.Flusher)
		if !ok {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "streaming unsupported"})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		f.Flush()

		for ev := range events {
			switch {
			case ev.Err != nil:
				data, _ := json.Marshal(map[string]string{"message": ev.Err.Error()})
				sendEvent(w, f, "error", string(data))
			case ev.Done:
				data, _ := json.Marshal(map[string]interface{}{
					"session_id": ev.SessionID,
					"done":       true,
					"sources":    ev.Sources,
					"cached":     ev.Usage.Cached,
				})
				sendEvent(w, f, "response", string(data))
			case ev.Delta != "":
				data, _ := json.Marshal(map[string]interface{}{
					"session_id": ev.SessionID,
					"content":    ev.Delta,
					"done":       false,
					"cached":     false,
				})
				sendEvent(w, f, "response", string(data))
			default:
				// The bare session-id event carries nothing else worth forwarding.
			}
		}
	}
}

func sendEvent(w http.ResponseWriter, f http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	f.Flush()
}

type drainedTurn struct {
	sessionID string
	text      string
	sources   []string
	cached    bool
	tokensOut int
	err       error
}

// drainToResponse consumes a Chat Service event stream to completion,
// accumulating deltas into the full reply text.
func drainToResponse(events <-chan chatservice.Event) drainedTurn {
	var out drainedTurn
	var text string
	for ev := range events {
		if ev.SessionID != "" {
			out.sessionID = ev.SessionID
		}
		if ev.Err != nil {
			out.err = ev.Err
			continue
		}
		text += ev.Delta
		if ev.Done {
			out.sources = ev.Sources
			out.cached = ev.Usage.Cached
			out.tokensOut = ev.Usage.TokensOut
		}
	}
	out.text = text
	return out
}

// ChatSessions handles GET /api/chat/sessions?skip=&limit= (spec §6.1).
func ChatSessions(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		skip := queryInt(r, "skip", 0)
		limit := queryInt(r, "limit", 20)
		if limit <= 0 || limit > 100 {
			limit = 20
		}

		sessions, err := deps.Conv.ListSessions(r.Context(), userID, skip, limit)
		if err != nil {
			status, msg := classifyChatError(err)
			respondJSON(w, status, envelope{Success: false, Error: msg})
			return
		}
		if sessions == nil {
			sessions = []model.SessionSummary{}
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]interface{}{
			"sessions": sessions,
		}})
	}
}

// ChatSessionMessages handles GET /api/chat/sessions/{id}/messages?skip=&limit=
// (spec §6.1). Ownership is enforced by the Conversation Store itself, which
// reports a foreign session as apperr.NotFound rather than leaking its
// existence via a distinct auth error.
func ChatSessionMessages(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		sessionID := chi.URLParam(r, "id")
		if !validateUUID(sessionID) {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid session ID format"})
			return
		}

		skip := queryInt(r, "skip", 0)
		limit := queryInt(r, "limit", 20)
		if limit <= 0 || limit > 100 {
			limit = 20
		}

		messages, err := deps.Conv.ListMessages(r.Context(), sessionID, userID, skip, limit)
		if err != nil {
			status, msg := classifyChatError(err)
			respondJSON(w, status, envelope{Success: false, Error: msg})
			return
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]interface{}{
			"messages": messages,
		}})
	}
}

func queryInt(r *http.Request, param string, fallback int) int {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// classifyChatError maps an apperr.Kind to its HTTP status and a
// client-safe message.
func classifyChatError(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.InputError):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, apperr.AuthError):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperr.NotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, apperr.RateLimited):
		var rl *apperr.RateLimitedError
		if errors.As(err, &rl) {
			return http.StatusTooManyRequests, fmt.Sprintf("rate limit exceeded, retry after %ds", rl.RetryAfterSeconds)
		}
		return http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, apperr.Transient):
		return http.StatusServiceUnavailable, "temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
