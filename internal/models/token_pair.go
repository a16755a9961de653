package models

import "strings"

// DefaultTokenType is reported when the upstream omits tokenType.
const DefaultTokenType = "Bearer"

// TokenPair is the access/refresh credential pair persisted under the "token" key.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType,omitempty"`
}

// HasAccessToken reports whether the pair carries a non-blank access token.
func (pair TokenPair) HasAccessToken() bool {
	return strings.TrimSpace(pair.AccessToken) != ""
}

// HasRefreshToken reports whether the pair carries a non-blank refresh token.
func (pair TokenPair) HasRefreshToken() bool {
	return strings.TrimSpace(pair.RefreshToken) != ""
}
