package tokens

import "errors"

var (
	// ErrMalformedToken indicates a token that is not a decodable three-segment JWT.
	ErrMalformedToken = errors.New("tokens.malformed")
	// ErrRefreshFailed wraps every failure of the refresh path; the session has been cleared.
	ErrRefreshFailed = errors.New("tokens.refresh.failed")
	// ErrInvalidRefreshToken indicates the stored refresh token lacks exp, iat, or sub.
	ErrInvalidRefreshToken = errors.New("tokens.refresh.invalid_refresh_token")
	// ErrInvalidAccessToken indicates the refreshed access token lacks exp, iat, or sub.
	ErrInvalidAccessToken = errors.New("tokens.refresh.invalid_access_token")
	// ErrRefreshAbandoned indicates a refresh whose result arrived after Cleanup, ClearToken, or SetToken.
	ErrRefreshAbandoned = errors.New("tokens.refresh.abandoned")
	// ErrMissingDependency indicates that NewManager was given a nil collaborator.
	ErrMissingDependency = errors.New("tokens.manager.missing_dependency")
)
