// Package authtoken adapts the Firebase-backed AuthService to the narrower
// Verifier surface the Streaming Endpoint and the HTTP auth middleware both
// need: a single (ctx, token string) -> (userID string, err error) call.
package authtoken

import (
	"context"

	"github.com/connexus/finchat/internal/service"
)

// Verifier verifies a bearer token and returns the user ID it names.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// FirebaseVerifier wraps service.AuthService to satisfy Verifier, so both
// the bidirectional streaming endpoint's authenticate frame (spec §6.2) and
// any other in-band token check share the exact same verification path as
// the HTTP middleware's Firebase fallback.
type FirebaseVerifier struct {
	auth *service.AuthService
}

// NewFirebaseVerifier wraps an AuthService as a Verifier.
func NewFirebaseVerifier(auth *service.AuthService) *FirebaseVerifier {
	return &FirebaseVerifier{auth: auth}
}

// VerifyToken delegates to the wrapped AuthService.
func (v *FirebaseVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	return v.auth.VerifyToken(ctx, token)
}
