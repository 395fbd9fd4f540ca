// Package convstore implements the Conversation Store component (spec
// §4.6): a persistent mapping of user -> sessions -> ordered messages.
// Grounded in repository/thread.go's get-or-create + append-touches-parent
// pattern, generalized from the single unified "mercury thread" shape to
// per-user multi-session ChatSession/ChatMessage.
package convstore

import (
	"context"

	"github.com/connexus/finchat/internal/model"
)

// Store is the abstract contract consumed by the Chat Service.
type Store interface {
	// FindOrCreateSession returns sessionID unchanged if it is non-empty and
	// owned by userID; creates a session under sessionID for userID if no
	// session with that id exists yet (the Chat Service mints ids locally
	// before anything is persisted); creates a new session and returns its
	// id if sessionID is empty. Returns apperr.NotFound (never AuthError) if
	// sessionID names a session owned by another user, so existence is never
	// leaked.
	FindOrCreateSession(ctx context.Context, userID, sessionID string) (string, error)
	// AppendMessage inserts msg and atomically touches the parent session's
	// last-activity timestamp. msg.ID and msg.CreatedAt are assigned if zero.
	AppendMessage(ctx context.Context, msg model.ChatMessage) (string, error)
	// ListSessions returns userID's sessions ordered by last-activity
	// descending, each with a preview and message count from a single
	// aggregated query.
	ListSessions(ctx context.Context, userID string, skip, limit int) ([]model.SessionSummary, error)
	// ListMessages returns sessionID's messages in order. Returns
	// apperr.NotFound if sessionID is not owned by userID.
	ListMessages(ctx context.Context, sessionID, userID string, skip, limit int) ([]model.ChatMessage, error)
	// ListRecentMessages returns up to the last n messages of sessionID,
	// oldest-first, in a single query (no fetch-count-then-fetch-page
	// round trip). Used by the Chat Service's history prefetch (spec
	// §4.7 step 3). Returns apperr.NotFound if sessionID is not owned by
	// userID.
	ListRecentMessages(ctx context.Context, sessionID, userID string, n int) ([]model.ChatMessage, error)
}
