package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tyemirov/medsession/internal/models"
)

// ResponseShape names where a token response carried its tokens.
type ResponseShape int

const (
	ShapeUnknown ResponseShape = iota
	// ShapeTopLevel is {"accessToken": ..., "refreshToken": ...}.
	ShapeTopLevel
	// ShapeNestedData is {"data": {"accessToken": ..., "refreshToken": ...}}.
	ShapeNestedData
)

func (shape ResponseShape) String() string {
	switch shape {
	case ShapeTopLevel:
		return "top-level"
	case ShapeNestedData:
		return "nested-data"
	default:
		return "unknown"
	}
}

// TokenResponse is a parsed refresh or login response.
type TokenResponse struct {
	Pair  models.TokenPair
	User  models.UserProfile
	Shape ResponseShape
}

type tokenFields struct {
	AccessToken  string             `json:"accessToken"`
	RefreshToken string             `json:"refreshToken"`
	TokenType    string             `json:"tokenType"`
	User         models.UserProfile `json:"user"`
}

type tokenEnvelope struct {
	tokenFields
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ParseTokenResponse reads the tokens from body. The top-level shape wins;
// the nested data shape is consulted only when no top-level access token exists.
func ParseTokenResponse(body []byte) (TokenResponse, error) {
	var envelope tokenEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return TokenResponse{}, fmt.Errorf("apiclient.parse_tokens: %w: %v", ErrMalformedResponse, err)
	}
	if strings.TrimSpace(envelope.AccessToken) != "" {
		return envelope.tokenFields.response(ShapeTopLevel), nil
	}

	nested := bytes.TrimSpace(envelope.Data)
	if len(nested) > 0 && nested[0] == '{' {
		var fields tokenFields
		if err := json.Unmarshal(nested, &fields); err != nil {
			return TokenResponse{}, fmt.Errorf("apiclient.parse_tokens: %w: data: %v", ErrMalformedResponse, err)
		}
		if strings.TrimSpace(fields.AccessToken) != "" {
			if fields.User == nil {
				fields.User = envelope.User
			}
			return fields.response(ShapeNestedData), nil
		}
	}
	return TokenResponse{}, fmt.Errorf("apiclient.parse_tokens: %w", ErrMissingAccessToken)
}

func (fields tokenFields) response(shape ResponseShape) TokenResponse {
	return TokenResponse{
		Pair: models.TokenPair{
			AccessToken:  strings.TrimSpace(fields.AccessToken),
			RefreshToken: strings.TrimSpace(fields.RefreshToken),
			TokenType:    strings.TrimSpace(fields.TokenType),
		},
		User:  fields.User,
		Shape: shape,
	}
}

// upstreamMessage extracts a "message" or "error" string from an error body.
func upstreamMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
