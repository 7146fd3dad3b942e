package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// opaqueTokenBytes is 32 bytes = 256 bits, the entropy floor spec.md
	// §3 requires for invite tokens; session IDs reuse the same generator.
	opaqueTokenBytes = 32

	bearerTokenTTL = 15 * time.Minute
)

// bearerClaims is the self-contained bearer token payload (spec.md §3):
// subject plus expiry, HMAC-SHA256 signed, never stored server-side.
type bearerClaims struct {
	jwt.RegisteredClaims
}

// MintBearerToken signs a new 15-minute bearer token for username.
func MintBearerToken(secret, username string) (string, time.Time, error) {
	expiresAt := time.Now().Add(bearerTokenTTL)
	claims := bearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ErrTokenInvalid covers a malformed, wrongly signed, or otherwise invalid
// token; an expired token is reported as ErrTokenExpired instead, since
// spec.md §4.1 requires the Gateway to distinguish "invalid" from "expired"
// in its own response.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("expired token")
)

// ParseBearerToken verifies signature and expiry and returns the subject.
func ParseBearerToken(secret, raw string) (string, error) {
	claims := &bearerClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}
	if !token.Valid {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}

// ExtractBearerToken extracts a bearer token from the Authorization header.
// Returns empty string if not present or malformed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// GenerateOpaqueToken returns a random, URL-safe token with at least 256
// bits of entropy — used for invite-token values and session IDs.
func GenerateOpaqueToken() (string, error) {
	raw := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
