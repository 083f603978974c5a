package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
)

const sessionUserClaim = "user_id"

// JwtManager issues and verifies the HS256 session tokens of the basic provider.
type JwtManager struct {
	auth   *jwtauth.JWTAuth
	expiry time.Duration
}

func NewJwtManager(secret []byte, expiry time.Duration) *JwtManager {
	return &JwtManager{auth: jwtauth.New("HS256", secret, nil), expiry: expiry}
}

// Verifier reads the token from the Authorization header or the jwt cookie.
func (m *JwtManager) Verifier() func(http.Handler) http.Handler {
	return jwtauth.Verifier(m.auth)
}

func (m *JwtManager) Authenticator() func(http.Handler) http.Handler {
	return jwtauth.Authenticator(m.auth)
}

func (m *JwtManager) CreateUserJwt(userId uuid.UUID) (string, error) {
	_, token, err := m.auth.Encode(map[string]interface{}{
		sessionUserClaim: userId.String(),
		"exp":            time.Now().Add(m.expiry),
	})
	if err != nil {
		slog.Error("error signing session token", "user_id", userId, "error", err)
		return "", fmt.Errorf("error signing session token for user %v: %w", userId, err)
	}
	return token, nil
}

// sessionUser returns the user id of the verified token in the request.
func sessionUser(r *http.Request) (uuid.UUID, error) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return uuid.Nil, fmt.Errorf("session token missing: %w", err)
	}
	raw, ok := claims[sessionUserClaim].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("session token has no %v claim", sessionUserClaim)
	}
	userId, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("session token names invalid user %q: %w", raw, err)
	}
	return userId, nil
}

func tokenExpiration(r *http.Request) (time.Time, error) {
	token, _, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return time.Time{}, fmt.Errorf("session token missing: %w", err)
	}
	return token.Expiration(), nil
}
