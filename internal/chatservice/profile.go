package chatservice

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus/finchat/internal/apperr"
	"github.com/connexus/finchat/internal/model"
)

// PostgresProfileSource is the production ProfileSource: a thin read-only
// adapter over the users table's display_name (migration 001) and
// preferences/risk_tolerance (migration 002) columns, all written by out-of-scope
// account-settings flows.
type PostgresProfileSource struct {
	pool *pgxpool.Pool
}

// NewPostgresProfileSource wraps an already-constructed pool.
func NewPostgresProfileSource(pool *pgxpool.Pool) *PostgresProfileSource {
	return &PostgresProfileSource{pool: pool}
}

var _ ProfileSource = (*PostgresProfileSource)(nil)

// GetProfile returns userID's profile, or apperr.NotFound if no such user
// row exists. A user with no preferences/risk_tolerance set yet still
// returns successfully, with those fields empty.
func (s *PostgresProfileSource) GetProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	var name, prefs, risk sql.NullString
	err := s.pool.QueryRow(ctx, `
		SELECT display_name, preferences, risk_tolerance FROM users WHERE id = $1`,
		userID,
	).Scan(&name, &prefs, &risk)
	if err == pgx.ErrNoRows {
		return nil, apperr.Wrap(apperr.NotFound, "chatservice.GetProfile: user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("chatservice.GetProfile: %w", apperr.Wrap(apperr.Transient, err.Error()))
	}
	return &model.UserProfile{
		UserID:        userID,
		Name:          name.String,
		Preferences:   prefs.String,
		RiskTolerance: risk.String,
	}, nil
}
