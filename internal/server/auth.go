package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/zonedesk/zonedesk/internal/config"
	"github.com/zonedesk/zonedesk/internal/events"
	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
	"github.com/zonedesk/zonedesk/internal/pkg/security"
)

// Identity is what a bearer credential resolves to.
type Identity struct {
	UserID string
	Role   events.Role

	// ExpiresAt is when the credential stops being valid. Zero means never.
	ExpiresAt time.Time
}

// Authenticator resolves a bearer credential to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// StaticAuthenticator resolves tokens from a fixed table.
type StaticAuthenticator struct {
	tokens map[string]Identity
	now    func() time.Time
}

// NewStaticAuthenticator builds an authenticator from the configured token table.
func NewStaticAuthenticator(tokens map[string]config.TokenConfig) *StaticAuthenticator {
	a := &StaticAuthenticator{
		tokens: make(map[string]Identity, len(tokens)),
		now:    time.Now,
	}
	for token, tc := range tokens {
		a.tokens[token] = Identity{
			UserID:    tc.User,
			Role:      events.Role(tc.Role),
			ExpiresAt: tc.ExpiresAt,
		}
	}
	return a
}

// Authenticate implements Authenticator.
func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, apperrors.UnauthorizedError()
	}
	id, ok := a.tokens[token]
	if !ok {
		return Identity{}, apperrors.UnauthorizedError()
	}
	if !id.ExpiresAt.IsZero() && !a.now().Before(id.ExpiresAt) {
		return Identity{}, apperrors.SessionExpiredError()
	}
	if err := security.ValidateIdentifier("user_id", id.UserID); err != nil {
		return Identity{}, apperrors.ValidationError(err.Error())
	}
	return id, nil
}

// bearerToken returns the credential from the token query parameter or,
// failing that, an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
