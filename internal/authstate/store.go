package authstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tyemirov/medsession/internal/kvstore"
	"github.com/tyemirov/medsession/internal/models"
	"go.uber.org/zap"
)

// Store is the single source of truth for the auth state. Mutations are
// applied one at a time; observers for one mutation finish before the next starts.
type Store struct {
	records *kvstore.Records
	logger  *zap.Logger

	dispatchMutex sync.Mutex
	stateMutex    sync.RWMutex
	state         State
	observers     []Observer
}

// NewStore constructs an unauthenticated store over records.
func NewStore(records *kvstore.Records, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{records: records, logger: logger}
}

// Observe registers observer for every later mutation.
func (store *Store) Observe(observer Observer) {
	store.dispatchMutex.Lock()
	defer store.dispatchMutex.Unlock()
	store.observers = append(store.observers, observer)
}

// Snapshot returns a copy of the current state.
func (store *Store) Snapshot() State {
	store.stateMutex.RLock()
	defer store.stateMutex.RUnlock()
	return store.state.clone()
}

// Restore seeds the state from persisted records. Authentication requires both
// an access token and a profile; anything less wipes both records.
func (store *Store) Restore(ctx context.Context) (State, error) {
	pair, tokenFound, tokenErr := store.records.Token(ctx)
	if tokenErr != nil && !errors.Is(tokenErr, kvstore.ErrCorruptRecord) {
		return store.Snapshot(), fmt.Errorf("authstate.restore: %w", tokenErr)
	}
	envelope, profileFound, profileErr := store.records.UserProfile(ctx)
	if profileErr != nil && !errors.Is(profileErr, kvstore.ErrCorruptRecord) {
		return store.Snapshot(), fmt.Errorf("authstate.restore: %w", profileErr)
	}

	if tokenFound && pair.HasAccessToken() && profileFound && envelope.Data != nil {
		user := envelope.Data.Clone()
		return store.apply(ctx, KindRestore, LoginPayload{}, func(state *State) bool {
			*state = State{IsAuthenticated: true, User: user, AvatarURL: user.Avatar()}
			return true
		}), nil
	}

	if tokenFound || profileFound || tokenErr != nil || profileErr != nil {
		store.logger.Warn("partial persisted session discarded",
			zap.String("code", "authstate.restore.partial"),
			zap.Bool("token", tokenFound),
			zap.Bool("profile", profileFound))
	}
	var wipeErr error
	if err := store.records.RemoveToken(ctx); err != nil {
		wipeErr = errors.Join(wipeErr, err)
	}
	if err := store.records.RemoveUserProfile(ctx); err != nil {
		wipeErr = errors.Join(wipeErr, err)
	}
	state := store.apply(ctx, KindRestore, LoginPayload{}, func(state *State) bool {
		*state = State{}
		return true
	})
	if wipeErr != nil {
		return state, fmt.Errorf("authstate.restore: wipe: %w", wipeErr)
	}
	return state, nil
}

// LoginStarted marks a login in progress.
func (store *Store) LoginStarted(ctx context.Context) State {
	return store.apply(ctx, KindLoginStarted, LoginPayload{}, func(state *State) bool {
		state.Loading = true
		state.Error = ""
		return true
	})
}

// LoginSuccess authenticates payload.User. Tokens in the payload are handed
// on by the bridge; a payload without tokens assumes they were set already.
func (store *Store) LoginSuccess(ctx context.Context, payload LoginPayload) (State, error) {
	if len(payload.User) == 0 {
		return store.Snapshot(), fmt.Errorf("authstate.login_success: %w", ErrMissingUser)
	}
	user := payload.User.Clone()
	payload.User = user.Clone()
	return store.apply(ctx, KindLoginSuccess, payload, func(state *State) bool {
		*state = State{IsAuthenticated: true, User: user, AvatarURL: user.Avatar()}
		return true
	}), nil
}

// LoginFailed records message and drops any user. Persisted tokens are not touched.
func (store *Store) LoginFailed(ctx context.Context, message string) State {
	return store.apply(ctx, KindLoginFailed, LoginPayload{}, func(state *State) bool {
		*state = State{Error: message}
		return true
	})
}

// Logout clears the state; the bridge removes the persisted records.
func (store *Store) Logout(ctx context.Context) State {
	return store.apply(ctx, KindLogout, LoginPayload{}, func(state *State) bool {
		*state = State{}
		return true
	})
}

// UpdateUserAvatar patches the avatar of the current user. No-op without a user.
func (store *Store) UpdateUserAvatar(ctx context.Context, avatarURL string) State {
	avatarURL = strings.TrimSpace(avatarURL)
	return store.apply(ctx, KindAvatarUpdate, LoginPayload{}, func(state *State) bool {
		if state.User == nil {
			return false
		}
		state.User = state.User.Merge(models.UserProfile{models.ProfileFieldAvatar: avatarURL})
		state.AvatarURL = avatarURL
		return true
	})
}

// UpdateUserProfile shallow-merges partial into the current user. No-op without a user.
func (store *Store) UpdateUserProfile(ctx context.Context, partial models.UserProfile) State {
	partial = partial.Clone()
	return store.apply(ctx, KindProfileUpdate, LoginPayload{}, func(state *State) bool {
		if state.User == nil {
			return false
		}
		state.User = state.User.Merge(partial)
		if avatar := state.User.Avatar(); avatar != "" {
			state.AvatarURL = avatar
		}
		return true
	})
}

// apply runs transition under the state lock and, when it reports a change,
// notifies observers in order.
func (store *Store) apply(ctx context.Context, kind Kind, login LoginPayload, transition func(state *State) bool) State {
	store.dispatchMutex.Lock()
	defer store.dispatchMutex.Unlock()

	store.stateMutex.Lock()
	previous := store.state.clone()
	next := store.state.clone()
	changed := transition(&next)
	if changed {
		store.state = next
	}
	store.stateMutex.Unlock()

	if !changed {
		return previous
	}
	store.logger.Debug("auth state mutated", zap.Stringer("kind", kind))
	for _, observer := range store.observers {
		observer.Observe(ctx, Mutation{
			Kind:     kind,
			Previous: previous.clone(),
			Current:  next.clone(),
			Login:    login,
		})
	}
	return next.clone()
}
