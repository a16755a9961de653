package apiclient

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBaseURL indicates a base URL that is empty or not absolute.
	ErrInvalidBaseURL = errors.New("apiclient.invalid_base_url")
	// ErrUnexpectedStatus indicates a non-2xx upstream response.
	ErrUnexpectedStatus = errors.New("apiclient.unexpected_status")
	// ErrMissingAccessToken indicates a token response with no accessToken in either shape.
	ErrMissingAccessToken = errors.New("apiclient.response.missing_access_token")
	// ErrMissingProfile indicates a profile response without data.
	ErrMissingProfile = errors.New("apiclient.response.missing_profile")
	// ErrMalformedResponse indicates a body that is not the expected JSON object.
	ErrMalformedResponse = errors.New("apiclient.response.malformed")
)

// StatusError carries the status code and upstream message of a non-2xx response.
type StatusError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (statusError *StatusError) Error() string {
	if statusError.Message == "" {
		return fmt.Sprintf("%s: %s: status=%d", statusError.Operation, ErrUnexpectedStatus, statusError.StatusCode)
	}
	return fmt.Sprintf("%s: %s: status=%d: %s", statusError.Operation, ErrUnexpectedStatus, statusError.StatusCode, statusError.Message)
}

func (statusError *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}
