package model

import "time"

// ChatSession is a conversation container. A session is owned by exactly one
// user; callers must never leak its existence to a non-owning user (an
// ownership mismatch surfaces as apperr.NotFound, never AuthError).
type ChatSession struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Title        *string   `json:"title,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// MessageRole is one of the three roles a ChatMessage can carry.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ChatMessage is an append-only record within a session. A session's message
// list is the ground truth of the conversation; messages carry monotonically
// non-decreasing creation timestamps, ties broken by insertion order.
type ChatMessage struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"sessionId"`
	Role          MessageRole `json:"role"`
	Content       string      `json:"content"`
	CreatedAt     time.Time   `json:"createdAt"`
	TokensUsed    *int        `json:"tokensUsed,omitempty"`
	Cost          *float64    `json:"cost,omitempty"`
	SourcesCount  int         `json:"sourcesCount"`
	Cached        bool        `json:"cached"`
}

// SessionSummary is the per-row shape returned by ListSessions: the session
// plus a derived preview and total message count, computed in a single
// aggregated query (never N+1).
type SessionSummary struct {
	Session      ChatSession `json:"session"`
	Preview      string      `json:"preview"`
	MessageCount int         `json:"messageCount"`
}
