package authstate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tyemirov/medsession/internal/authstate"
	"github.com/tyemirov/medsession/internal/clock"
	"github.com/tyemirov/medsession/internal/events"
	"github.com/tyemirov/medsession/internal/kvstore"
	"github.com/tyemirov/medsession/internal/metrics"
	"github.com/tyemirov/medsession/internal/models"
	"github.com/tyemirov/medsession/internal/tokens"
	"github.com/tyemirov/medsession/internal/tokens/tokentest"
	"go.uber.org/zap/zaptest"
)

var referenceInstant = time.Unix(1700000000, 0).UTC()

type unusedRefresher struct{}

func (unusedRefresher) RefreshToken(context.Context, string) (models.TokenPair, error) {
	return models.TokenPair{}, errors.New("refresh not expected")
}

type sessionHarness struct {
	store   *authstate.Store
	records *kvstore.Records
	manager *tokens.Manager
	bus     *events.Bus
	metrics *metrics.CounterMetrics
}

func newSessionHarness(t *testing.T, backing kvstore.Store) *sessionHarness {
	t.Helper()
	if backing == nil {
		backing = kvstore.NewMemoryStore()
	}
	records := kvstore.NewRecords(backing)
	recorder := metrics.NewCounterMetrics()
	manager, err := tokens.NewManager(tokens.Options{
		Records:   records,
		Refresher: unusedRefresher{},
		Clock:     clock.NewManualClock(referenceInstant),
		Logger:    zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(manager.Cleanup)
	bus := events.NewBus()
	store := authstate.NewStore(records, zaptest.NewLogger(t))
	store.Observe(authstate.NewBridge(authstate.BridgeOptions{
		Records:   records,
		Tokens:    manager,
		Publisher: bus,
		Logger:    zaptest.NewLogger(t),
		Metrics:   recorder,
	}))
	return &sessionHarness{store: store, records: records, manager: manager, bus: bus, metrics: recorder}
}

func (harness *sessionHarness) seedToken(t *testing.T) models.TokenPair {
	t.Helper()
	pair := models.TokenPair{
		AccessToken:  tokentest.Expiring(t, "user-1", referenceInstant, time.Hour),
		RefreshToken: tokentest.Expiring(t, "user-1", referenceInstant, 24*time.Hour),
	}
	if err := harness.records.SetToken(context.Background(), pair); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	return pair
}

func (harness *sessionHarness) seedProfile(t *testing.T, profile models.UserProfile) {
	t.Helper()
	if err := harness.records.SetUserProfile(context.Background(), profile); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
}

func (harness *sessionHarness) assertNoPersistedSession(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := harness.records.Store().Get(ctx, kvstore.KeyToken); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("expected token key to be absent, got %v", err)
	}
	if _, err := harness.records.Store().Get(ctx, kvstore.KeyUserProfile); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("expected userProfile key to be absent, got %v", err)
	}
}

func TestRestoreWithTokenAndProfileAuthenticates(t *testing.T) {
	t.Parallel()

	harness := newSessionHarness(t, nil)
	harness.seedToken(t)
	harness.seedProfile(t, models.UserProfile{"email": "a@b.com", "avatar": "https://cdn/a.png"})

	state, err := harness.store.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !state.IsAuthenticated || state.User.Email() != "a@b.com" || state.AvatarURL != "https://cdn/a.png" {
		t.Fatalf("unexpected restored state %+v", state)
	}
}

func TestRestoreWithPartialStateWipesBoth(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		seed func(t *testing.T, harness *sessionHarness)
	}{
		{name: "token only", seed: func(t *testing.T, harness *sessionHarness) { harness.seedToken(t) }},
		{name: "profile only", seed: func(t *testing.T, harness *sessionHarness) {
			harness.seedProfile(t, models.UserProfile{"email": "a@b.com"})
		}},
		{name: "corrupt profile", seed: func(t *testing.T, harness *sessionHarness) {
			harness.seedToken(t)
			if err := harness.records.Store().Set(context.Background(), kvstore.KeyUserProfile, "{oops"); err != nil {
				t.Fatalf("seed corrupt profile: %v", err)
			}
		}},
		{name: "refresh token without access token", seed: func(t *testing.T, harness *sessionHarness) {
			if err := harness.records.SetToken(context.Background(), models.TokenPair{RefreshToken: "R1"}); err != nil {
				t.Fatalf("seed token: %v", err)
			}
			harness.seedProfile(t, models.UserProfile{"email": "a@b.com"})
		}},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			harness := newSessionHarness(t, nil)
			testCase.seed(t, harness)

			state, err := harness.store.Restore(context.Background())
			if err != nil {
				t.Fatalf("restore: %v", err)
			}
			if state.IsAuthenticated || state.User != nil || state.AvatarURL != "" {
				t.Fatalf("expected cleared state, got %+v", state)
			}
			harness.assertNoPersistedSession(t)
		})
	}
}

func TestLoginSuccessWithTokensPersistsBoth(t *testing.T) {
	t.Parallel()

	harness := newSessionHarness(t, nil)
	accessToken := tokentest.Expiring(t, "1", referenceInstant, time.Hour)
	refreshToken := tokentest.Expiring(t, "1", referenceInstant, 24*time.Hour)
	payload, err := authstate.DecodeLoginPayload([]byte(`{"user":{"id":1,"email":"a@b.com"},"accessToken":"` + accessToken + `","refreshToken":"` + refreshToken + `"}`))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}

	state, err := harness.store.LoginSuccess(context.Background(), payload)
	if err != nil {
		t.Fatalf("login success: %v", err)
	}
	if !state.IsAuthenticated || state.User.Email() != "a@b.com" {
		t.Fatalf("unexpected state %+v", state)
	}
	pair, found, err := harness.records.Token(context.Background())
	if err != nil || !found {
		t.Fatalf("expected persisted token, got %v %v", found, err)
	}
	if pair.AccessToken != accessToken || pair.RefreshToken != refreshToken {
		t.Fatalf("unexpected persisted pair %+v", pair)
	}
	envelope, found, err := harness.records.UserProfile(context.Background())
	if err != nil || !found || !envelope.Success || envelope.Data.Email() != "a@b.com" {
		t.Fatalf("unexpected persisted profile %+v %v %v", envelope, found, err)
	}
}

func TestLoginSuccessWithBareUserLeavesTokensAlone(t *testing.T) {
	t.Parallel()

	harness := newSessionHarness(t, nil)
	existing := harness.seedToken(t)
	payload, err := authstate.DecodeLoginPayload([]byte(`{"id":2,"email":"c@d.com"}`))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.HasTokens() {
		t.Fatalf("expected bare user payload to carry no tokens")
	}
	if _, err := harness.store.LoginSuccess(context.Background(), payload); err != nil {
		t.Fatalf("login success: %v", err)
	}
	pair, _, _ := harness.records.Token(context.Background())
	if pair != existing {
		t.Fatalf("expected existing token to be untouched")
	}
}

func TestLoginSuccessRequiresUser(t *testing.T) {
	t.Parallel()

	harness := newSessionHarness(t, nil)
	if _, err := harness.store.LoginSuccess(context.Background(), authstate.LoginPayload{AccessToken: "A"}); !errors.Is(err, authstate.ErrMissingUser) {
		t.Fatalf("expected missing user, got %v", err)
	}
	if harness.store.Snapshot().IsAuthenticated {
		t.Fatalf("expected state to stay unauthenticated")
	}
}

func TestLogoutRemovesPersistedSession(t *testing.T) {
	t.Parallel()

	harness := newSessionHarness(t, nil)
	accessToken := tokentest.Expiring(t, "1", referenceInstant, time.Hour)
	if _, err := harness.store.LoginSuccess(context.Background(), authstate.LoginPayload{
		User:         models.UserProfile{"id": 1, "email": "a@b.com"},
		AccessToken:  accessToken,
		RefreshToken: accessToken,
	}); err != nil {
		t.Fatalf("login: %v", err)
	}

	state := harness.store.Logout(context.Background())
	if state.IsAuthenticated || state.User != nil {
		t.Fatalf("expected cleared state, got %+v", state)
	}
	harness.assertNoPersistedSession(t)
}

func TestLoginStartedAndFailed(t *testing.T) {
	t.Parallel()

	harness := newSessionHarness(t, nil)
	existing := harness.seedToken(t)

	started := harness.store.LoginStarted(context.Background())
	if !started.Loading || started.Error != "" {
		t.Fatalf("expected loading state, got %+v", started)
	}
	failed := harness.store.LoginFailed(context.Background(), "invalid credentials")
	if failed.Loading || failed.IsAuthenticated || failed.Error != "invalid credentials" {
		t.Fatalf("unexpected failed state %+v", failed)
	}
	pair, found, _ := harness.records.Token(context.Background())
	if !found || pair != existing {
		t.Fatalf("expected login failure not to touch persisted tokens")
	}
}

func TestUpdateUserAvatarPersistsAndBroadcasts(t *testing.T) {
	t.Parallel()

	harness := newSessionHarness(t, nil)
	avatars, cancel := harness.bus.Subscribe(events.TopicAvatarUpdated)
	defer cancel()

	unchanged := harness.store.UpdateUserAvatar(context.Background(), "https://cdn/ignored.png")
	if unchanged.AvatarURL != "" {
		t.Fatalf("expected avatar update without a user to be a no-op")
	}
	select {
	case event := <-avatars:
		t.Fatalf("expected no broadcast without a user, got %+v", event)
	default:
	}

	if _, err := harness.store.LoginSuccess(context.Background(), authstate.LoginPayload{
		User: models.UserProfile{"email": "a@b.com", "fullName": "Ada"},
	}); err != nil {
		t.Fatalf("login: %v", err)
	}
	state := harness.store.UpdateUserAvatar(context.Background(), "https://cdn/new.png")
	if state.AvatarURL != "https://cdn/new.png" || state.User.Avatar() != "https://cdn/new.png" {
		t.Fatalf("unexpected state %+v", state)
	}

	event := <-avatars
	if event.Payload["avatarUrl"] != "https://cdn/new.png" {
		t.Fatalf("unexpected broadcast %+v", event)
	}
	envelope, _, _ := harness.records.UserProfile(context.Background())
	if envelope.Data.Avatar() != "https://cdn/new.png" || envelope.Data["fullName"] != "Ada" {
		t.Fatalf("expected patched profile to be persisted, got %+v", envelope.Data)
	}
}

func TestUpdateUserProfileMergesAndPersists(t *testing.T) {
	t.Parallel()

	harness := newSessionHarness(t, nil)
	if _, err := harness.store.LoginSuccess(context.Background(), authstate.LoginPayload{
		User: models.UserProfile{"email": "a@b.com", "phone": "1", "avatar": "https://cdn/old.png"},
	}); err != nil {
		t.Fatalf("login: %v", err)
	}

	state := harness.store.UpdateUserProfile(context.Background(), models.UserProfile{"phone": "2"})
	if state.User["phone"] != "2" || state.User.Email() != "a@b.com" || state.AvatarURL != "https://cdn/old.png" {
		t.Fatalf("unexpected merged state %+v", state)
	}
	state = harness.store.UpdateUserProfile(context.Background(), models.UserProfile{"avatar": "https://cdn/merged.png"})
	if state.AvatarURL != "https://cdn/merged.png" {
		t.Fatalf("expected avatar url to follow the merged profile, got %q", state.AvatarURL)
	}
	envelope, _, _ := harness.records.UserProfile(context.Background())
	if envelope.Data["phone"] != "2" || envelope.Data.Avatar() != "https://cdn/merged.png" {
		t.Fatalf("expected merged profile to be persisted, got %+v", envelope.Data)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	harness := newSessionHarness(t, nil)
	if _, err := harness.store.LoginSuccess(context.Background(), authstate.LoginPayload{User: models.UserProfile{"email": "a@b.com"}}); err != nil {
		t.Fatalf("login: %v", err)
	}
	snapshot := harness.store.Snapshot()
	snapshot.User["email"] = "mutated@b.com"
	if harness.store.Snapshot().User.Email() != "a@b.com" {
		t.Fatalf("expected snapshot mutation not to leak into the store")
	}
}

type failingStore struct {
	*kvstore.MemoryStore
}

func (failingStore) Set(context.Context, string, string) error {
	return errors.New("disk full")
}

func TestBridgeFailureKeepsInMemoryTransition(t *testing.T) {
	t.Parallel()

	harness := newSessionHarness(t, failingStore{MemoryStore: kvstore.NewMemoryStore()})
	state, err := harness.store.LoginSuccess(context.Background(), authstate.LoginPayload{User: models.UserProfile{"email": "a@b.com"}})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !state.IsAuthenticated {
		t.Fatalf("expected in-memory login to stand")
	}
	if harness.metrics.Count(metrics.EventBridgeFailure) != 1 {
		t.Fatalf("expected bridge failure to be counted, got %d", harness.metrics.Count(metrics.EventBridgeFailure))
	}
}

func TestObserversSeeMutationsInOrder(t *testing.T) {
	t.Parallel()

	harness := newSessionHarness(t, nil)
	var kinds []authstate.Kind
	harness.store.Observe(authstate.ObserverFunc(func(_ context.Context, mutation authstate.Mutation) {
		kinds = append(kinds, mutation.Kind)
	}))
	ctx := context.Background()
	harness.store.LoginStarted(ctx)
	if _, err := harness.store.LoginSuccess(ctx, authstate.LoginPayload{User: models.UserProfile{"email": "a@b.com"}}); err != nil {
		t.Fatalf("login: %v", err)
	}
	harness.store.Logout(ctx)

	expected := []authstate.Kind{authstate.KindLoginStarted, authstate.KindLoginSuccess, authstate.KindLogout}
	if len(kinds) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, kinds)
	}
	for index := range expected {
		if kinds[index] != expected[index] {
			t.Fatalf("expected %v, got %v", expected, kinds)
		}
	}
}
