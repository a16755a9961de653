package authstate

import (
	"context"

	"github.com/tyemirov/medsession/internal/events"
	"github.com/tyemirov/medsession/internal/kvstore"
	"github.com/tyemirov/medsession/internal/metrics"
	"github.com/tyemirov/medsession/internal/models"
	"go.uber.org/zap"
)

// TokenSink owns the persisted token pair.
type TokenSink interface {
	SetToken(ctx context.Context, pair models.TokenPair) error
	ClearToken(ctx context.Context) error
}

// BridgeOptions wires a Bridge.
type BridgeOptions struct {
	Records   *kvstore.Records
	Tokens    TokenSink
	Publisher events.Publisher
	Logger    *zap.Logger
	Metrics   metrics.Recorder
}

// Bridge mirrors login, logout, avatar, and profile transitions into storage
// and the event bus. Failures are logged and counted; state is never rolled back.
type Bridge struct {
	records   *kvstore.Records
	tokens    TokenSink
	publisher events.Publisher
	logger    *zap.Logger
	metrics   metrics.Recorder
}

// NewBridge constructs a Bridge. Attach it with Store.Observe.
func NewBridge(options BridgeOptions) *Bridge {
	bridge := &Bridge{
		records:   options.Records,
		tokens:    options.Tokens,
		publisher: options.Publisher,
		logger:    options.Logger,
		metrics:   options.Metrics,
	}
	if bridge.logger == nil {
		bridge.logger = zap.NewNop()
	}
	if bridge.metrics == nil {
		bridge.metrics = metrics.Nop()
	}
	return bridge
}

// Observe implements Observer.
func (bridge *Bridge) Observe(ctx context.Context, mutation Mutation) {
	switch mutation.Kind {
	case KindLoginSuccess:
		bridge.persistProfile(ctx, mutation)
		if mutation.Login.HasTokens() && bridge.tokens != nil {
			bridge.check(mutation, "set_token", bridge.tokens.SetToken(ctx, mutation.Login.TokenPair()))
		}
	case KindLogout:
		bridge.check(mutation, "remove_profile", bridge.records.RemoveUserProfile(ctx))
		if bridge.tokens != nil {
			bridge.check(mutation, "clear_token", bridge.tokens.ClearToken(ctx))
		}
	case KindAvatarUpdate:
		bridge.persistProfile(ctx, mutation)
		if bridge.publisher != nil {
			bridge.publisher.Publish(events.TopicAvatarUpdated, map[string]any{
				"avatarUrl": mutation.Current.AvatarURL,
			})
		}
	case KindProfileUpdate:
		bridge.persistProfile(ctx, mutation)
	}
}

func (bridge *Bridge) persistProfile(ctx context.Context, mutation Mutation) {
	if mutation.Current.User == nil {
		return
	}
	bridge.check(mutation, "persist_profile", bridge.records.SetUserProfile(ctx, mutation.Current.User))
}

func (bridge *Bridge) check(mutation Mutation, step string, err error) {
	if err == nil {
		return
	}
	bridge.metrics.Increment(metrics.EventBridgeFailure)
	bridge.logger.Error("auth state side effect failed",
		zap.String("code", "authstate.bridge."+step),
		zap.Stringer("kind", mutation.Kind),
		zap.Error(err))
}
