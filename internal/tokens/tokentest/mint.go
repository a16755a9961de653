// Package tokentest mints HS256 tokens for tests that exercise the token lifecycle.
package tokentest

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningKey signs every minted token. Signatures are never verified by the session layer.
var SigningKey = []byte("session-test-signing-key")

// SessionClaims mirror what the upstream API issues.
type SessionClaims struct {
	UserEmail string `json:"user_email,omitempty"`
	jwt.RegisteredClaims
}

// Fields describes a token to mint. Zero times omit the claim.
type Fields struct {
	Subject   string
	Issuer    string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Mint signs fields with SigningKey.
func Mint(fields Fields) (string, error) {
	claims := SessionClaims{
		UserEmail: fields.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  fields.Issuer,
			Subject: fields.Subject,
		},
	}
	if !fields.IssuedAt.IsZero() {
		claims.IssuedAt = jwt.NewNumericDate(fields.IssuedAt)
	}
	if !fields.ExpiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(fields.ExpiresAt)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(SigningKey)
}

// MustMint is Mint that fails the test on error.
func MustMint(t testing.TB, fields Fields) string {
	t.Helper()
	token, err := Mint(fields)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

// Expiring mints a structurally complete token for subject that expires ttl after now.
func Expiring(t testing.TB, subject string, now time.Time, ttl time.Duration) string {
	t.Helper()
	return MustMint(t, Fields{
		Subject:   subject,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	})
}
