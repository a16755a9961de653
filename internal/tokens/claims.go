package tokens

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefreshThreshold is how long before expiry a token counts as expiring soon.
const RefreshThreshold = 5 * time.Minute

// Claims are the payload fields the session layer inspects. Signatures are never verified.
type Claims struct {
	Subject     string
	Issuer      string
	ExpiresAt   time.Time
	IssuedAt    time.Time
	HasExpiry   bool
	HasIssuedAt bool
}

// Structural reports whether exp, iat, and sub are all present.
func (claims Claims) Structural() bool {
	return claims.HasExpiry && claims.HasIssuedAt && claims.Subject != ""
}

var unverifiedParser = jwt.NewParser()

// Decode base64url-decodes and JSON-parses the payload of token.
func Decode(token string) (Claims, error) {
	if strings.Count(token, ".") != 2 {
		return Claims{}, fmt.Errorf("tokens.decode: %w: expected three segments", ErrMalformedToken)
	}
	parsed, _, parseErr := unverifiedParser.ParseUnverified(token, jwt.MapClaims{})
	if parseErr != nil {
		return Claims{}, fmt.Errorf("tokens.decode: %w: %v", ErrMalformedToken, parseErr)
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("tokens.decode: %w: unexpected claims type", ErrMalformedToken)
	}

	var claims Claims
	expiresAt, expErr := mapClaims.GetExpirationTime()
	if expErr != nil {
		return Claims{}, fmt.Errorf("tokens.decode: %w: exp: %v", ErrMalformedToken, expErr)
	}
	if expiresAt != nil {
		claims.ExpiresAt = expiresAt.Time
		claims.HasExpiry = true
	}
	issuedAt, iatErr := mapClaims.GetIssuedAt()
	if iatErr != nil {
		return Claims{}, fmt.Errorf("tokens.decode: %w: iat: %v", ErrMalformedToken, iatErr)
	}
	if issuedAt != nil {
		claims.IssuedAt = issuedAt.Time
		claims.HasIssuedAt = true
	}
	subject, subErr := mapClaims.GetSubject()
	if subErr != nil {
		return Claims{}, fmt.Errorf("tokens.decode: %w: sub: %v", ErrMalformedToken, subErr)
	}
	claims.Subject = subject
	issuer, issErr := mapClaims.GetIssuer()
	if issErr != nil {
		return Claims{}, fmt.Errorf("tokens.decode: %w: iss: %v", ErrMalformedToken, issErr)
	}
	claims.Issuer = issuer
	return claims, nil
}

// IsTokenValid reports whether token decodes, has an exp strictly after now,
// and, when it carries an iss claim and expectedIssuer is set, names that issuer.
func IsTokenValid(token string, now time.Time, expectedIssuer string) bool {
	claims, err := Decode(token)
	if err != nil || !claims.HasExpiry {
		return false
	}
	if !claims.ExpiresAt.After(now) {
		return false
	}
	if claims.Issuer != "" && expectedIssuer != "" && claims.Issuer != expectedIssuer {
		return false
	}
	return true
}

// IsTokenExpiringSoon reports whether token is undecodable or expires within RefreshThreshold of now.
func IsTokenExpiringSoon(token string, now time.Time) bool {
	claims, err := Decode(token)
	if err != nil || !claims.HasExpiry {
		return true
	}
	return claims.ExpiresAt.Sub(now) < RefreshThreshold
}

// TokenTimeLeft returns the time until exp, floored at zero; zero when undecodable.
func TokenTimeLeft(token string, now time.Time) time.Duration {
	claims, err := Decode(token)
	if err != nil || !claims.HasExpiry {
		return 0
	}
	remaining := claims.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsAccessToken is a structural check only. The upstream issues no type claim,
// so it cannot tell access tokens from refresh tokens and is not a security boundary.
func IsAccessToken(token string) bool {
	claims, err := Decode(token)
	return err == nil && claims.Structural()
}

// IsRefreshToken is the same structural check as IsAccessToken.
func IsRefreshToken(token string) bool {
	claims, err := Decode(token)
	return err == nil && claims.Structural()
}

// Phase classifies an access token along its lifetime.
type Phase string

const (
	PhaseUnauthenticated Phase = "unauthenticated"
	PhaseFresh           Phase = "fresh"
	PhaseExpiringSoon    Phase = "expiring_soon"
	PhaseExpired         Phase = "expired"
)

// ClassifyPhase maps an access token to its lifecycle phase at now.
func ClassifyPhase(accessToken string, now time.Time) Phase {
	if strings.TrimSpace(accessToken) == "" {
		return PhaseUnauthenticated
	}
	claims, err := Decode(accessToken)
	if err != nil || !claims.HasExpiry || !claims.ExpiresAt.After(now) {
		return PhaseExpired
	}
	if claims.ExpiresAt.Sub(now) < RefreshThreshold {
		return PhaseExpiringSoon
	}
	return PhaseFresh
}
