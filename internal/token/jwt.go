// Package token inspects upstream access tokens.
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the registered claims read from a JWT access token.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// ParseUnverified decodes a JWT access token without checking its
// signature. The provider is the only party able to verify it; callers use
// the claims as hints only.
func ParseUnverified(raw string) (Claims, bool) {
	if strings.Count(raw, ".") != 2 {
		return Claims{}, false
	}

	claims := Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return Claims{}, false
	}
	return claims, true
}

// ExpiryFromJWT returns the exp claim of a JWT access token. Opaque tokens
// and tokens without exp yield false.
func ExpiryFromJWT(raw string) (time.Time, bool) {
	claims, ok := ParseUnverified(raw)
	if !ok || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
