package convstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus/finchat/internal/apperr"
	"github.com/connexus/finchat/internal/model"
)

// PostgresStore is the production Store adapter, grounded in
// repository.ThreadRepo's get-or-create-thread and append-touches-parent
// pattern against the `sessions`/`messages` tables from migration 002.
type PostgresStore struct {
	pool   *pgxpool.Pool
	notify *Invalidator
}

// NewPostgresStore wraps an already-constructed pool. notify may be nil to
// disable cross-instance cache invalidation (§12 supplemented feature) —
// correctness never depends on it, only cache-staleness latency in a
// multi-replica deployment.
func NewPostgresStore(pool *pgxpool.Pool, notify *Invalidator) *PostgresStore {
	return &PostgresStore{pool: pool, notify: notify}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) FindOrCreateSession(ctx context.Context, userID, sessionID string) (string, error) {
	if sessionID == "" {
		id := uuid.New().String()
		now := time.Now().UTC()
		_, err := s.pool.Exec(ctx, `
			INSERT INTO sessions (id, user_id, created_at, last_active_at)
			VALUES ($1, $2, $3, $3)`,
			id, userID, now,
		)
		if err != nil {
			return "", fmt.Errorf("convstore.FindOrCreateSession: create: %w", apperr.Wrap(apperr.Transient, err.Error()))
		}
		return id, nil
	}

	var owner string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM sessions WHERE id = $1`, sessionID).Scan(&owner)
	if err == pgx.ErrNoRows {
		// Unknown id: create it for userID. ON CONFLICT covers a concurrent
		// create of the same id; the owner is read back so that a session
		// created by another user in between still reports NotFound.
		now := time.Now().UTC()
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO sessions (id, user_id, created_at, last_active_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (id) DO NOTHING`,
			sessionID, userID, now,
		); err != nil {
			return "", fmt.Errorf("convstore.FindOrCreateSession: create: %w", apperr.Wrap(apperr.Transient, err.Error()))
		}
		err = s.pool.QueryRow(ctx, `SELECT user_id FROM sessions WHERE id = $1`, sessionID).Scan(&owner)
	}
	if err != nil {
		return "", fmt.Errorf("convstore.FindOrCreateSession: lookup: %w", apperr.Wrap(apperr.Transient, err.Error()))
	}
	if owner != userID {
		return "", apperr.Wrap(apperr.NotFound, "convstore.FindOrCreateSession: session not found")
	}
	return sessionID, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg model.ChatMessage) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("convstore.AppendMessage: begin: %w", apperr.Wrap(apperr.Transient, err.Error()))
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, session_id, role, content, created_at, tokens_used, cost, sources_count, cached)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.CreatedAt,
		msg.TokensUsed, msg.Cost, msg.SourcesCount, msg.Cached,
	)
	if err != nil {
		return "", fmt.Errorf("convstore.AppendMessage: insert: %w", apperr.Wrap(apperr.Transient, err.Error()))
	}

	_, err = tx.Exec(ctx, `UPDATE sessions SET last_active_at = $1 WHERE id = $2`, msg.CreatedAt, msg.SessionID)
	if err != nil {
		return "", fmt.Errorf("convstore.AppendMessage: touch session: %w", apperr.Wrap(apperr.Transient, err.Error()))
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("convstore.AppendMessage: commit: %w", apperr.Wrap(apperr.Transient, err.Error()))
	}
	s.notify.Publish(context.WithoutCancel(ctx), msg.SessionID)
	return msg.ID, nil
}

// ListSessions aggregates preview + message count in a single query, as
// required by spec §4.6's "no N+1" invariant: a lateral join pulls the
// first user message as the preview alongside a count(*) over messages.
func (s *PostgresStore) ListSessions(ctx context.Context, userID string, skip, limit int) ([]model.SessionSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.user_id, s.title, s.created_at, s.last_active_at,
			COALESCE(preview.content, ''), COALESCE(counts.n, 0)
		FROM sessions s
		LEFT JOIN LATERAL (
			SELECT content FROM messages
			WHERE session_id = s.id AND role = 'user'
			ORDER BY created_at ASC LIMIT 1
		) preview ON true
		LEFT JOIN LATERAL (
			SELECT count(*) AS n FROM messages WHERE session_id = s.id
		) counts ON true
		WHERE s.user_id = $1
		ORDER BY s.last_active_at DESC
		OFFSET $2 LIMIT $3`,
		userID, skip, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("convstore.ListSessions: %w", apperr.Wrap(apperr.Transient, err.Error()))
	}
	defer rows.Close()

	var out []model.SessionSummary
	for rows.Next() {
		var sum model.SessionSummary
		if err := rows.Scan(
			&sum.Session.ID, &sum.Session.UserID, &sum.Session.Title,
			&sum.Session.CreatedAt, &sum.Session.LastActiveAt,
			&sum.Preview, &sum.MessageCount,
		); err != nil {
			return nil, fmt.Errorf("convstore.ListSessions: scan: %w", apperr.Wrap(apperr.Transient, err.Error()))
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convstore.ListSessions: %w", apperr.Wrap(apperr.Transient, err.Error()))
	}
	return out, nil
}

// ListRecentMessages fetches the last n messages newest-first with a single
// ORDER BY ... DESC ... LIMIT query, then reverses in memory to return them
// oldest-first — avoiding a separate count query to compute an offset.
func (s *PostgresStore) ListRecentMessages(ctx context.Context, sessionID, userID string, n int) ([]model.ChatMessage, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM sessions WHERE id = $1`, sessionID).Scan(&owner)
	if err == pgx.ErrNoRows {
		return nil, apperr.Wrap(apperr.NotFound, "convstore.ListRecentMessages: session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("convstore.ListRecentMessages: lookup: %w", apperr.Wrap(apperr.Transient, err.Error()))
	}
	if owner != userID {
		return nil, apperr.Wrap(apperr.NotFound, "convstore.ListRecentMessages: session not found")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, content, created_at, tokens_used, cost, sources_count, cached
		FROM messages
		WHERE session_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`,
		sessionID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("convstore.ListRecentMessages: %w", apperr.Wrap(apperr.Transient, err.Error()))
	}
	defer rows.Close()

	var out []model.ChatMessage
	for rows.Next() {
		var msg model.ChatMessage
		var role string
		if err := rows.Scan(
			&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.CreatedAt,
			&msg.TokensUsed, &msg.Cost, &msg.SourcesCount, &msg.Cached,
		); err != nil {
			return nil, fmt.Errorf("convstore.ListRecentMessages: scan: %w", apperr.Wrap(apperr.Transient, err.Error()))
		}
		msg.Role = model.MessageRole(role)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convstore.ListRecentMessages: %w", apperr.Wrap(apperr.Transient, err.Error()))
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID, userID string, skip, limit int) ([]model.ChatMessage, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM sessions WHERE id = $1`, sessionID).Scan(&owner)
	if err == pgx.ErrNoRows {
		return nil, apperr.Wrap(apperr.NotFound, "convstore.ListMessages: session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("convstore.ListMessages: lookup: %w", apperr.Wrap(apperr.Transient, err.Error()))
	}
	if owner != userID {
		return nil, apperr.Wrap(apperr.NotFound, "convstore.ListMessages: session not found")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, content, created_at, tokens_used, cost, sources_count, cached
		FROM messages
		WHERE session_id = $1
		ORDER BY created_at ASC, seq ASC
		OFFSET $2 LIMIT $3`,
		sessionID, skip, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("convstore.ListMessages: %w", apperr.Wrap(apperr.Transient, err.Error()))
	}
	defer rows.Close()

	var out []model.ChatMessage
	for rows.Next() {
		var msg model.ChatMessage
		var role string
		if err := rows.Scan(
			&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.CreatedAt,
			&msg.TokensUsed, &msg.Cost, &msg.SourcesCount, &msg.Cached,
		); err != nil {
			return nil, fmt.Errorf("convstore.ListMessages: scan: %w", apperr.Wrap(apperr.Transient, err.Error()))
		}
		msg.Role = model.MessageRole(role)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convstore.ListMessages: %w", apperr.Wrap(apperr.Transient, err.Error()))
	}
	return out, nil
}
