package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidMediaLink = errors.New("invalid or expired media link")

type mediaClaims struct {
	ResourceId uuid.UUID `json:"resource_id"`
	Kind       string    `json:"kind"`
	jwt.RegisteredClaims
}

// MediaLinkSigner issues short lived tokens for serving protected media files
// without the caller's session token.
type MediaLinkSigner struct {
	secret []byte
	expiry time.Duration
}

func NewMediaLinkSigner(secret []byte, expiry time.Duration) *MediaLinkSigner {
	return &MediaLinkSigner{secret: secret, expiry: expiry}
}

func (s *MediaLinkSigner) Expiry() time.Duration { return s.expiry }

func (s *MediaLinkSigner) Sign(resourceId uuid.UUID, kind string, userId uuid.UUID) (string, error) {
	now := time.Now()
	claims := mediaClaims{
		ResourceId: resourceId,
		Kind:       kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userId.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("error signing media link: %w", err)
	}
	return token, nil
}

func (s *MediaLinkSigner) Verify(token string) (uuid.UUID, string, error) {
	var claims mediaClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: %v", ErrInvalidMediaLink, err)
	}
	return claims.ResourceId, claims.Kind, nil
}
