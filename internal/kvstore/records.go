package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tyemirov/medsession/internal/models"
)

// Keys of the persisted session records.
const (
	KeyToken        = "token"
	KeyUserProfile  = "userProfile"
	KeyLastActivity = "lastActivity"
)

// Records is the typed view over a Store used by the session components.
type Records struct {
	store Store
}

// NewRecords wraps store.
func NewRecords(store Store) *Records {
	return &Records{store: store}
}

// Store exposes the underlying backend.
func (records *Records) Store() Store {
	return records.store
}

// Token loads the persisted token pair. The boolean is false when nothing is stored.
func (records *Records) Token(ctx context.Context) (models.TokenPair, bool, error) {
	var pair models.TokenPair
	found, err := records.getJSON(ctx, KeyToken, &pair)
	if err != nil || !found {
		return models.TokenPair{}, false, err
	}
	return pair, true, nil
}

// SetToken replaces the persisted token pair.
func (records *Records) SetToken(ctx context.Context, pair models.TokenPair) error {
	return records.setJSON(ctx, KeyToken, pair)
}

// RemoveToken deletes the persisted token pair.
func (records *Records) RemoveToken(ctx context.Context) error {
	return records.store.Remove(ctx, KeyToken)
}

// UserProfile loads the persisted profile envelope.
func (records *Records) UserProfile(ctx context.Context) (models.ProfileEnvelope, bool, error) {
	var envelope models.ProfileEnvelope
	found, err := records.getJSON(ctx, KeyUserProfile, &envelope)
	if err != nil || !found {
		return models.ProfileEnvelope{}, false, err
	}
	return envelope, true, nil
}

// SetUserProfile wraps profile in a success envelope and persists it.
func (records *Records) SetUserProfile(ctx context.Context, profile models.UserProfile) error {
	return records.setJSON(ctx, KeyUserProfile, models.ProfileEnvelope{
		Success: true,
		Message: "",
		Data:    profile,
	})
}

// RemoveUserProfile deletes the persisted profile envelope.
func (records *Records) RemoveUserProfile(ctx context.Context) error {
	return records.store.Remove(ctx, KeyUserProfile)
}

// LastActivity loads the persisted last-activity instant (unix milliseconds).
func (records *Records) LastActivity(ctx context.Context) (time.Time, bool, error) {
	raw, err := records.store.Get(ctx, KeyLastActivity)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	milliseconds, parseErr := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if parseErr != nil {
		return time.Time{}, false, fmt.Errorf("kvstore.records.%s: %w", KeyLastActivity, ErrCorruptRecord)
	}
	return time.UnixMilli(milliseconds).UTC(), true, nil
}

// SetLastActivity persists instant as stringified unix milliseconds.
func (records *Records) SetLastActivity(ctx context.Context, instant time.Time) error {
	return records.store.Set(ctx, KeyLastActivity, strconv.FormatInt(instant.UnixMilli(), 10))
}

func (records *Records) getJSON(ctx context.Context, key string, target any) (bool, error) {
	raw, err := records.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if decodeErr := json.Unmarshal([]byte(raw), target); decodeErr != nil {
		return false, fmt.Errorf("kvstore.records.%s: %w", key, ErrCorruptRecord)
	}
	return true, nil
}

func (records *Records) setJSON(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvstore.records.%s: %w", key, err)
	}
	return records.store.Set(ctx, key, string(encoded))
}
