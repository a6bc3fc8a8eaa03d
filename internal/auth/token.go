package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiryBuffer is how long before the real expiry a token stops being handed out.
const TokenExpiryBuffer = 60 * time.Second

// Token is a gateway bearer token. It is replaced as a whole on refresh, never edited.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsValid reports whether the token can still be used at now.
func (t *Token) IsValid(now time.Time) bool {
	if t == nil || t.Value == "" {
		return false
	}
	return now.Add(TokenExpiryBuffer).Before(t.ExpiresAt)
}

// ExpiryFromJWT reads the exp claim of an access token without verifying it.
// The gateway signs its own tokens; we only need to know when to stop using one.
func ExpiryFromJWT(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("empty token")
	}

	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse token: %w", err)
	}

	exp, err := token.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, errors.New("exp claim not found in token")
	}
	return exp.Time, nil
}
