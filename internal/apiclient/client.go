// Package apiclient talks to the portal API on behalf of the session agent.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/medsession/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultRefreshPath = "/auth/refresh-token"
	DefaultLoginPath   = "/auth/login"
	DefaultProfilePath = "/auth/profile"
	DefaultHealthPath  = "/health"

	requestIDHeader = "X-Request-Id"
	maxBodyBytes    = 1 << 20
)

// Config describes the upstream API.
type Config struct {
	BaseURL     string
	RefreshPath string
	LoginPath   string
	ProfilePath string
	HealthPath  string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client issues the refresh, login, profile, and health calls.
type Client struct {
	baseURL     *url.URL
	refreshPath string
	loginPath   string
	profilePath string
	healthPath  string
	httpClient  *http.Client
	logger      *zap.Logger
}

// New validates config and applies default paths.
func New(config Config) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(config.BaseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("apiclient.new: %w: %q", ErrInvalidBaseURL, config.BaseURL)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	client := &Client{
		baseURL:     parsed,
		refreshPath: firstNonEmpty(config.RefreshPath, DefaultRefreshPath),
		loginPath:   firstNonEmpty(config.LoginPath, DefaultLoginPath),
		profilePath: firstNonEmpty(config.ProfilePath, DefaultProfilePath),
		healthPath:  firstNonEmpty(config.HealthPath, DefaultHealthPath),
		httpClient:  config.HTTPClient,
		logger:      config.Logger,
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if client.logger == nil {
		client.logger = zap.NewNop()
	}
	return client, nil
}

// RefreshToken exchanges refreshToken for a new pair. The returned RefreshToken
// is empty when the upstream did not rotate it.
func (client *Client) RefreshToken(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	const op = "apiclient.refresh_token"
	body, err := client.postJSON(ctx, op, client.refreshPath, map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return models.TokenPair{}, err
	}
	parsed, err := ParseTokenResponse(body)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	client.logger.Debug("refresh response parsed", zap.Stringer("shape", parsed.Shape))
	return parsed.Pair, nil
}

// Login authenticates with email and password.
func (client *Client) Login(ctx context.Context, email string, password string) (TokenResponse, error) {
	const op = "apiclient.login"
	body, err := client.postJSON(ctx, op, client.loginPath, map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return TokenResponse{}, err
	}
	parsed, err := ParseTokenResponse(body)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("%s: %w", op, err)
	}
	return parsed, nil
}

// FetchProfile loads the authenticated user's profile envelope.
func (client *Client) FetchProfile(ctx context.Context, accessToken string) (models.ProfileEnvelope, error) {
	const op = "apiclient.fetch_profile"
	request, err := client.newRequest(ctx, http.MethodGet, client.profilePath, nil)
	if err != nil {
		return models.ProfileEnvelope{}, fmt.Errorf("%s: new_request: %w", op, err)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	body, err := client.do(op, request)
	if err != nil {
		return models.ProfileEnvelope{}, err
	}
	var envelope models.ProfileEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return models.ProfileEnvelope{}, fmt.Errorf("%s: %w: %v", op, ErrMalformedResponse, err)
	}
	if envelope.Data == nil {
		return models.ProfileEnvelope{}, fmt.Errorf("%s: %w", op, ErrMissingProfile)
	}
	return envelope, nil
}

// CheckReachable reports whether the upstream answered the health endpoint at all.
// Any HTTP response counts; only transport failures report false.
func (client *Client) CheckReachable(ctx context.Context) bool {
	request, err := client.newRequest(ctx, http.MethodGet, client.healthPath, nil)
	if err != nil {
		return false
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		client.logger.Debug("upstream unreachable", zap.Error(err))
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxBodyBytes))
	_ = response.Body.Close()
	return true
}

func (client *Client) postJSON(ctx context.Context, op string, path string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode: %w", op, err)
	}
	request, err := client.newRequest(ctx, http.MethodPost, path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("%s: new_request: %w", op, err)
	}
	request.Header.Set("Content-Type", "application/json")
	return client.do(op, request)
}

func (client *Client) newRequest(ctx context.Context, method string, path string, body io.Reader) (*http.Request, error) {
	target := client.baseURL.JoinPath(path)
	request, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set(requestIDHeader, uuid.NewString())
	return request, nil
}

func (client *Client) do(op string, request *http.Request) ([]byte, error) {
	response, err := client.httpClient.Do(request)
	if err != nil {
		client.logger.Warn("upstream request failed",
			zap.String("code", op+".transport"),
			zap.String("path", request.URL.Path),
			zap.Error(err))
		return nil, fmt.Errorf("%s: do: %w", op, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read: %w", op, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		client.logger.Warn("upstream rejected request",
			zap.String("code", op+".status"),
			zap.String("path", request.URL.Path),
			zap.Int("status", response.StatusCode),
			zap.String("request_id", request.Header.Get(requestIDHeader)))
		return nil, &StatusError{
			Operation:  op,
			StatusCode: response.StatusCode,
			Message:    upstreamMessage(body),
		}
	}
	return body, nil
}

func firstNonEmpty(value string, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
