package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// signExpiredToken builds a bearer token whose expiry is already in the
// past, to exercise ParseBearerToken's expired-vs-invalid distinction
// without sleeping past the real 15-minute TTL.
func signExpiredToken(secret, username string, past time.Duration) (string, error) {
	claims := bearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(past)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(2 * past)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func TestMintAndParseBearerToken(t *testing.T) {
	secret := "shared-secret"
	token, expiresAt, err := MintBearerToken(secret, "alice")
	if err != nil {
		t.Fatalf("MintBearerToken: %v", err)
	}
	if time.Until(expiresAt) > 15*time.Minute || time.Until(expiresAt) < 14*time.Minute {
		t.Errorf("expiresAt = %s from now, want ~15m", time.Until(expiresAt))
	}

	sub, err := ParseBearerToken(secret, token)
	if err != nil {
		t.Fatalf("ParseBearerToken: %v", err)
	}
	if sub != "alice" {
		t.Errorf("subject = %q, want alice", sub)
	}
}

func TestParseBearerTokenRejectsBadSecret(t *testing.T) {
	token, _, err := MintBearerToken("secret-a", "alice")
	if err != nil {
		t.Fatalf("MintBearerToken: %v", err)
	}
	if _, err := ParseBearerToken("secret-b", token); err == nil {
		t.Fatal("expected ParseBearerToken to fail with the wrong secret")
	}
}

func TestParseBearerTokenDistinguishesExpired(t *testing.T) {
	secret := "shared-secret"
	expired, err := signExpiredToken(secret, "alice", -time.Minute)
	if err != nil {
		t.Fatalf("signExpiredToken: %v", err)
	}
	if _, err := ParseBearerToken(secret, expired); err != ErrTokenExpired {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}

	if _, err := ParseBearerToken(secret, "not-a-jwt"); err != ErrTokenInvalid {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestExtractBearerToken(t *testing.T) {
	t.Run("extracts from Bearer header", func(t *testing.T) {
		got := ExtractBearerToken("Bearer my-token-123")
		if got != "my-token-123" {
			t.Errorf("expected %q, got %q", "my-token-123", got)
		}
	})

	t.Run("returns empty for missing prefix", func(t *testing.T) {
		got := ExtractBearerToken("Basic dXNlcjpwYXNz")
		if got != "" {
			t.Errorf("expected empty string, got %q", got)
		}
	})

	t.Run("case sensitive prefix", func(t *testing.T) {
		got := ExtractBearerToken("bearer my-token")
		if got != "" {
			t.Errorf("expected empty string for lowercase 'bearer', got %q", got)
		}
	})
}

func TestGenerateOpaqueTokenEntropyAndUniqueness(t *testing.T) {
	a, err := GenerateOpaqueToken()
	if err != nil {
		t.Fatalf("GenerateOpaqueToken: %v", err)
	}
	b, err := GenerateOpaqueToken()
	if err != nil {
		t.Fatalf("GenerateOpaqueToken: %v", err)
	}
	if a == b {
		t.Error("two generated tokens should not be identical")
	}
	// base64 RawURLEncoding of 32 bytes is 43 chars.
	if len(a) != 43 {
		t.Errorf("len(token) = %d, want 43", len(a))
	}
}
