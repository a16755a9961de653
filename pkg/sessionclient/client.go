// Package sessionclient lets local Go services borrow the bearer token held by
// a running session agent.
package sessionclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Client.
type Config struct {
	AgentBaseURL string
	HTTPClient   *http.Client
	Clock        Clock
	// ReuseMargin is how long before expiry a cached token is dropped.
	ReuseMargin time.Duration
}

// DefaultReuseMargin matches the agent's refresh threshold.
const DefaultReuseMargin = 5 * time.Minute

const tokenPath = "/api/session/token"

// Sentinel errors exposed by the client.
var (
	ErrMissingAgentURL  = errors.New("session.client.missing_agent_url")
	ErrNotAuthenticated = errors.New("session.client.not_authenticated")
	ErrAgentUnavailable = errors.New("session.client.agent_unavailable")
	ErrInvalidToken     = errors.New("session.client.invalid_token")
)

// Token is a bearer token handed out by the agent.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// Header renders the Authorization header value.
func (token Token) Header() string {
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + token.AccessToken
}

// Claims are the unverified claims carried by an access token.
type Claims struct {
	UserEmail string `json:"user_email"`
	jwt.RegisteredClaims
}

// GetUserEmail returns the email associated with the session.
func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.UserEmail
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Client fetches and caches tokens from the agent.
type Client struct {
	tokenURL    string
	httpClient  *http.Client
	clock       Clock
	reuseMargin time.Duration

	mutex  sync.Mutex
	cached *Token
}

// New constructs a Client after validating the supplied configuration.
func New(configuration Config) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(configuration.AgentBaseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("session.client.new: %w", ErrMissingAgentURL)
	}
	tokenURL, joinErr := url.JoinPath(trimmed, tokenPath)
	if joinErr != nil {
		return nil, fmt.Errorf("session.client.new: %w", joinErr)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	reuseMargin := configuration.ReuseMargin
	if reuseMargin <= 0 {
		reuseMargin = DefaultReuseMargin
	}
	return &Client{
		tokenURL:    tokenURL,
		httpClient:  httpClient,
		clock:       clock,
		reuseMargin: reuseMargin,
	}, nil
}

// Token returns a cached token while it has more than the reuse margin left,
// otherwise asks the agent, which refreshes upstream when needed.
func (client *Client) Token(ctx context.Context) (Token, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if client.cached != nil && client.cached.ExpiresAt.Sub(client.clock.Now()) > client.reuseMargin {
		return *client.cached, nil
	}
	client.cached = nil

	token, err := client.fetch(ctx)
	if err != nil {
		return Token{}, err
	}
	client.cached = &token
	return token, nil
}

// Invalidate drops the cached token, e.g. after a 401 from a downstream API.
func (client *Client) Invalidate() {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.cached = nil
}

func (client *Client) fetch(ctx context.Context) (Token, error) {
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, client.tokenURL, nil)
	if requestErr != nil {
		return Token{}, fmt.Errorf("session.client.token: %w", requestErr)
	}
	request.Header.Set("Accept", "application/json")
	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return Token{}, fmt.Errorf("session.client.token: %w: %w", ErrAgentUnavailable, doErr)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusUnauthorized:
		return Token{}, fmt.Errorf("session.client.token: %w", ErrNotAuthenticated)
	case response.StatusCode != http.StatusOK:
		return Token{}, fmt.Errorf("session.client.token: %w: status %d", ErrAgentUnavailable, response.StatusCode)
	}

	var body struct {
		AccessToken string `json:"accessToken"`
		TokenType   string `json:"tokenType"`
		ExpiresIn   int64  `json:"expiresIn"`
	}
	if err := json.NewDecoder(io.LimitReader(response.Body, 1<<20)).Decode(&body); err != nil {
		return Token{}, fmt.Errorf("session.client.token: %w: %w", ErrInvalidToken, err)
	}
	if strings.TrimSpace(body.AccessToken) == "" {
		return Token{}, fmt.Errorf("session.client.token: %w", ErrInvalidToken)
	}
	return Token{
		AccessToken: body.AccessToken,
		TokenType:   body.TokenType,
		ExpiresAt:   client.clock.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

// Claims decodes the current token's claims without verifying the signature;
// the agent does not hold the upstream signing key either.
func (client *Client) Claims(ctx context.Context) (*Claims, error) {
	token, err := client.Token(ctx)
	if err != nil {
		return nil, err
	}
	return ParseClaims(token.AccessToken)
}

// ParseClaims decodes an access token's claims without verification.
func ParseClaims(accessToken string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("session.client.parse_claims: %w", ErrInvalidToken)
	}
	return claims, nil
}

// Transport returns a RoundTripper that adds the agent's bearer token to each
// request and drops the cached token when the downstream answers 401.
func (client *Client) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &bearerTransport{client: client, base: base}
}

type bearerTransport struct {
	client *Client
	base   http.RoundTripper
}

func (transport *bearerTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	token, err := transport.client.Token(request.Context())
	if err != nil {
		return nil, err
	}
	outbound := request.Clone(request.Context())
	outbound.Header.Set("Authorization", token.Header())
	response, roundTripErr := transport.base.RoundTrip(outbound)
	if roundTripErr == nil && response.StatusCode == http.StatusUnauthorized {
		transport.client.Invalidate()
	}
	return response, roundTripErr
}
