// Package kvstore persists the session agent's small set of string records
// (token pair, user profile envelope, last activity) behind one interface
// with interchangeable backends.
package kvstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates that no value is stored under the key.
	ErrNotFound = errors.New("kvstore.not_found")
	// ErrEmptyKey indicates that a blank key was supplied.
	ErrEmptyKey = errors.New("kvstore.empty_key")
	// ErrCorruptRecord indicates that a stored value could not be decoded.
	ErrCorruptRecord = errors.New("kvstore.corrupt_record")
	// ErrUnsupportedScheme indicates that no backend is registered for the store URL scheme.
	ErrUnsupportedScheme = errors.New("kvstore.unsupported_scheme")
)

// Store is a persistent string key-value store.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value string) error
	// Remove deletes key; removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Driver labels the backend for logs.
	Driver() string
	// Close releases backend resources.
	Close() error
}
