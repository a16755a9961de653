// Package authstate holds the process-wide auth state and mirrors its
// transitions into persisted storage through the Bridge.
package authstate

import (
	"context"

	"github.com/tyemirov/medsession/internal/models"
)

// State is the snapshot of who is logged in.
type State struct {
	IsAuthenticated bool               `json:"isAuthenticated"`
	User            models.UserProfile `json:"user"`
	AvatarURL       string             `json:"avatarUrl,omitempty"`
	Loading         bool               `json:"loading"`
	Error           string             `json:"error,omitempty"`
}

func (state State) clone() State {
	state.User = state.User.Clone()
	return state
}

// Kind enumerates the mutations of the store.
type Kind int

const (
	KindRestore Kind = iota + 1
	KindLoginStarted
	KindLoginSuccess
	KindLoginFailed
	KindLogout
	KindAvatarUpdate
	KindProfileUpdate
)

func (kind Kind) String() string {
	switch kind {
	case KindRestore:
		return "restore"
	case KindLoginStarted:
		return "login_started"
	case KindLoginSuccess:
		return "login_success"
	case KindLoginFailed:
		return "login_failed"
	case KindLogout:
		return "logout"
	case KindAvatarUpdate:
		return "avatar_update"
	case KindProfileUpdate:
		return "profile_update"
	default:
		return "unknown"
	}
}

// Mutation describes a completed transition. Observers receive copies.
type Mutation struct {
	Kind     Kind
	Previous State
	Current  State
	// Login is set for KindLoginSuccess.
	Login LoginPayload
}

// Observer runs after every mutation, in registration order.
type Observer interface {
	Observe(ctx context.Context, mutation Mutation)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, mutation Mutation)

// Observe calls function.
func (function ObserverFunc) Observe(ctx context.Context, mutation Mutation) {
	function(ctx, mutation)
}
