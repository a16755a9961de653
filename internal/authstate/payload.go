package authstate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/medsession/internal/models"
)

var (
	// ErrMissingUser indicates a login payload without a user object.
	ErrMissingUser = errors.New("authstate.login.missing_user")
	// ErrInvalidPayload indicates a login payload that is not a JSON object.
	ErrInvalidPayload = errors.New("authstate.login.invalid_payload")
)

// LoginPayload is what a successful login hands to the store. Password logins
// carry only User; OAuth logins carry the tokens as well.
type LoginPayload struct {
	User         models.UserProfile
	AccessToken  string
	RefreshToken string
	TokenType    string
}

// HasTokens reports whether the payload carries an access token.
func (payload LoginPayload) HasTokens() bool {
	return strings.TrimSpace(payload.AccessToken) != ""
}

// TokenPair returns the carried tokens.
func (payload LoginPayload) TokenPair() models.TokenPair {
	tokenType := payload.TokenType
	if tokenType == "" {
		tokenType = models.DefaultTokenType
	}
	return models.TokenPair{
		AccessToken:  strings.TrimSpace(payload.AccessToken),
		RefreshToken: strings.TrimSpace(payload.RefreshToken),
		TokenType:    tokenType,
	}
}

type envelopedLogin struct {
	User         json.RawMessage `json:"user"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	TokenType    string          `json:"tokenType"`
}

// DecodeLoginPayload accepts either {user, accessToken, refreshToken} or a bare user object.
func DecodeLoginPayload(raw []byte) (LoginPayload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return LoginPayload{}, fmt.Errorf("authstate.decode_login: %w", ErrInvalidPayload)
	}
	var enveloped envelopedLogin
	if err := json.Unmarshal(trimmed, &enveloped); err != nil {
		return LoginPayload{}, fmt.Errorf("authstate.decode_login: %w: %v", ErrInvalidPayload, err)
	}

	userJSON := bytes.TrimSpace(enveloped.User)
	if len(userJSON) > 0 && userJSON[0] == '{' {
		var user models.UserProfile
		if err := json.Unmarshal(userJSON, &user); err != nil {
			return LoginPayload{}, fmt.Errorf("authstate.decode_login: %w: user: %v", ErrInvalidPayload, err)
		}
		return LoginPayload{
			User:         user,
			AccessToken:  enveloped.AccessToken,
			RefreshToken: enveloped.RefreshToken,
			TokenType:    enveloped.TokenType,
		}, nil
	}

	var user models.UserProfile
	if err := json.Unmarshal(trimmed, &user); err != nil {
		return LoginPayload{}, fmt.Errorf("authstate.decode_login: %w: %v", ErrInvalidPayload, err)
	}
	if len(user) == 0 {
		return LoginPayload{}, fmt.Errorf("authstate.decode_login: %w", ErrMissingUser)
	}
	return LoginPayload{User: user}, nil
}
