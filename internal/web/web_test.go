package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tyemirov/medsession/internal/activity"
	"github.com/tyemirov/medsession/internal/apiclient"
	"github.com/tyemirov/medsession/internal/authstate"
	"github.com/tyemirov/medsession/internal/clock"
	"github.com/tyemirov/medsession/internal/events"
	"github.com/tyemirov/medsession/internal/kvstore"
	"github.com/tyemirov/medsession/internal/models"
	"github.com/tyemirov/medsession/internal/tokens"
	"github.com/tyemirov/medsession/internal/tokens/tokentest"
	webassets "github.com/tyemirov/medsession/web"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var referenceInstant = time.Unix(1700000000, 0).UTC()

type stubRefresher struct {
	pair models.TokenPair
	err  error
}

func (refresher stubRefresher) RefreshToken(context.Context, string) (models.TokenPair, error) {
	return refresher.pair, refresher.err
}

type stubAuthenticator struct {
	response apiclient.TokenResponse
	loginErr error
	profile  models.ProfileEnvelope
}

func (authenticator stubAuthenticator) Login(context.Context, string, string) (apiclient.TokenResponse, error) {
	return authenticator.response, authenticator.loginErr
}

func (authenticator stubAuthenticator) FetchProfile(context.Context, string) (models.ProfileEnvelope, error) {
	return authenticator.profile, nil
}

type routeHarness struct {
	router  *gin.Engine
	store   *authstate.Store
	manager *tokens.Manager
	records *kvstore.Records
	bus     *events.Bus
}

func newRouteHarness(t *testing.T, refresher tokens.Refresher, authenticator Authenticator) *routeHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	manualClock := clock.NewManualClock(referenceInstant)
	records := kvstore.NewRecords(kvstore.NewMemoryStore())
	logger := zaptest.NewLogger(t)
	manager, err := tokens.NewManager(tokens.Options{Records: records, Refresher: refresher, Clock: manualClock, Logger: logger})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() {
		manager.Cleanup()
		manager.Wait()
	})
	bus := events.NewBus()
	store := authstate.NewStore(records, logger)
	store.Observe(authstate.NewBridge(authstate.BridgeOptions{Records: records, Tokens: manager, Publisher: bus, Logger: logger}))
	monitor, err := activity.NewMonitor(activity.Options{Records: records, Restorer: manager, Publisher: bus, Clock: manualClock, Logger: logger})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	router := gin.New()
	MountSessionRoutes(router, SessionDependencies{
		Store:         store,
		Tokens:        manager,
		Monitor:       monitor,
		Authenticator: authenticator,
		Logger:        logger,
	})
	return &routeHarness{router: router, store: store, manager: manager, records: records, bus: bus}
}

func (harness *routeHarness) do(t *testing.T, method string, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func freshTokens(t *testing.T) (string, string) {
	t.Helper()
	return tokentest.Expiring(t, "user-1", referenceInstant, time.Hour), tokentest.Expiring(t, "user-1", referenceInstant, 24*time.Hour)
}

func TestServeEmbeddedStaticJS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/client.js", func(contextGin *gin.Context) {
		ServeEmbeddedStaticJS(contextGin, webassets.FS, "session-client.js")
	})
	router.GET("/missing.js", func(contextGin *gin.Context) {
		ServeEmbeddedStaticJS(contextGin, webassets.FS, "missing.js")
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/client.js", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if contentType := recorder.Header().Get("Content-Type"); !strings.HasPrefix(contentType, "application/javascript") {
		t.Fatalf("unexpected content type %q", contentType)
	}
	if !strings.Contains(recorder.Body.String(), "window.MedSession") {
		t.Fatalf("expected shim body")
	}

	missRecorder := httptest.NewRecorder()
	router.ServeHTTP(missRecorder, httptest.NewRequest(http.MethodGet, "/missing.js", nil))
	if missRecorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing asset, got %d", missRecorder.Code)
	}
}

func TestServeClientConfig(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/config.js", func(contextGin *gin.Context) {
		ServeClientConfig(contextGin, ClientConfig{ActivityEvents: []string{"click"}, PointerMoveGap: 2500})
	})
	request := httptest.NewRequest(http.MethodGet, "/config.js", nil)
	request.Host = "agent.local:7070"
	request.Header.Set("X-Forwarded-Proto", "https")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	body := recorder.Body.String()
	if !strings.Contains(body, `"agentBaseUrl":"https://agent.local:7070"`) {
		t.Fatalf("expected derived base url, got %s", body)
	}
	if !strings.Contains(body, `"eventsUrl":"wss://agent.local:7070/api/events"`) {
		t.Fatalf("expected websocket url, got %s", body)
	}
	if recorder.Header().Get("Cache-Control") == "" {
		t.Fatalf("expected no-cache headers")
	}
}

func TestConfigureCORS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zap.NewNop(), []string{"http://localhost:3000", "http://localhost:3000/"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.OPTIONS("/api/session", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/api/session", nil)
	request.Header.Set("Origin", "http://localhost:3000")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:3000" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
}

func TestSanitizeOriginsRejectsUnsafeInput(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		origins  []string
		expected error
	}{
		{name: "nil", origins: nil, expected: errEmptyAllowedOrigins},
		{name: "blank", origins: []string{"  "}, expected: errEmptyAllowedOrigins},
		{name: "wildcard", origins: []string{"*"}, expected: errWildcardOrigin},
		{name: "path", origins: []string{"https://portal.example.com/app"}, expected: errInvalidOrigin},
		{name: "scheme", origins: []string{"ftp://portal.example.com"}, expected: errInvalidOrigin},
	}
	for _, testCase := range testCases {
		if _, err := SanitizeOrigins(zap.NewNop(), testCase.origins); !errors.Is(err, testCase.expected) {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, err)
		}
	}
}

func TestLoginWithTokensThenSessionThenLogout(t *testing.T) {
	t.Parallel()

	harness := newRouteHarness(t, stubRefresher{err: errors.New("unused")}, nil)
	accessToken, refreshToken := freshTokens(t)

	loginRecorder := harness.do(t, http.MethodPost, "/api/session/login",
		`{"user":{"id":1,"email":"a@b.com"},"accessToken":"`+accessToken+`","refreshToken":"`+refreshToken+`"}`)
	if loginRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d: %s", loginRecorder.Code, loginRecorder.Body.String())
	}
	var loginState authstate.State
	decodeJSON(t, loginRecorder, &loginState)
	if !loginState.IsAuthenticated {
		t.Fatalf("expected authenticated state")
	}

	sessionRecorder := harness.do(t, http.MethodGet, "/api/session", "")
	var view sessionView
	decodeJSON(t, sessionRecorder, &view)
	if view.Phase != tokens.PhaseFresh || view.TokenTimeLeft != 3600 || view.Connection == nil || !view.Connection.Online {
		t.Fatalf("unexpected session view %+v", view)
	}

	tokenRecorder := harness.do(t, http.MethodGet, "/api/session/token", "")
	var tokenBody map[string]any
	decodeJSON(t, tokenRecorder, &tokenBody)
	if tokenBody["accessToken"] != accessToken || tokenBody["tokenType"] != "Bearer" {
		t.Fatalf("unexpected token body %v", tokenBody)
	}

	if recorder := harness.do(t, http.MethodPost, "/api/session/logout", ""); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from logout, got %d", recorder.Code)
	}
	if recorder := harness.do(t, http.MethodGet, "/api/session/token", ""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", recorder.Code)
	}
}

func TestLoginRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	harness := newRouteHarness(t, stubRefresher{}, nil)
	if recorder := harness.do(t, http.MethodPost, "/api/session/login", `[1,2]`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if recorder := harness.do(t, http.MethodPost, "/api/session/login", `{}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty user, got %d", recorder.Code)
	}
}

func TestPasswordLoginFetchesProfileWhenMissing(t *testing.T) {
	t.Parallel()

	accessToken, refreshToken := freshTokens(t)
	harness := newRouteHarness(t, stubRefresher{}, stubAuthenticator{
		response: apiclient.TokenResponse{Pair: models.TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}},
		profile:  models.ProfileEnvelope{Success: true, Data: models.UserProfile{"email": "a@b.com"}},
	})

	recorder := harness.do(t, http.MethodPost, "/api/session/login/password", `{"email":"a@b.com","password":"secret"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	state := harness.store.Snapshot()
	if !state.IsAuthenticated || state.User.Email() != "a@b.com" {
		t.Fatalf("unexpected state %+v", state)
	}
	pair, found, _ := harness.records.Token(context.Background())
	if !found || pair.AccessToken != accessToken || pair.TokenType != models.DefaultTokenType {
		t.Fatalf("expected token to be persisted, got %+v", pair)
	}
}

func TestPasswordLoginFailureRecordsMessage(t *testing.T) {
	t.Parallel()

	harness := newRouteHarness(t, stubRefresher{}, stubAuthenticator{
		loginErr: &apiclient.StatusError{Operation: "apiclient.login", StatusCode: http.StatusUnauthorized, Message: "Wrong password"},
	})

	recorder := harness.do(t, http.MethodPost, "/api/session/login/password", `{"email":"a@b.com","password":"nope"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	state := harness.store.Snapshot()
	if state.IsAuthenticated || state.Error != "Wrong password" || state.Loading {
		t.Fatalf("unexpected state %+v", state)
	}
	if _, found, _ := harness.records.Token(context.Background()); found {
		t.Fatalf("expected no token after failed login")
	}
}

func TestProfileAndAvatarRequireSession(t *testing.T) {
	t.Parallel()

	harness := newRouteHarness(t, stubRefresher{}, nil)
	if recorder := harness.do(t, http.MethodPatch, "/api/session/profile", `{"phone":"1"}`); recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 without session, got %d", recorder.Code)
	}

	if _, err := harness.store.LoginSuccess(context.Background(), authstate.LoginPayload{User: models.UserProfile{"email": "a@b.com"}}); err != nil {
		t.Fatalf("login: %v", err)
	}
	avatars, cancel := harness.bus.Subscribe(events.TopicAvatarUpdated)
	defer cancel()

	if recorder := harness.do(t, http.MethodPatch, "/api/session/profile", `{"phone":"1"}`); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from profile update, got %d", recorder.Code)
	}
	if recorder := harness.do(t, http.MethodPut, "/api/session/avatar", `{"avatarUrl":"https://cdn/a.png"}`); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from avatar update, got %d", recorder.Code)
	}
	if event := <-avatars; event.Payload["avatarUrl"] != "https://cdn/a.png" {
		t.Fatalf("unexpected avatar event %+v", event)
	}
	state := harness.store.Snapshot()
	if state.User["phone"] != "1" || state.AvatarURL != "https://cdn/a.png" {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestRefreshEndpointReportsFailure(t *testing.T) {
	t.Parallel()

	harness := newRouteHarness(t, stubRefresher{err: errors.New("revoked")}, nil)
	if recorder := harness.do(t, http.MethodPost, "/api/session/refresh", ""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d", recorder.Code)
	}

	pair := models.TokenPair{
		AccessToken:  tokentest.Expiring(t, "user-1", referenceInstant, time.Minute),
		RefreshToken: tokentest.Expiring(t, "user-1", referenceInstant, time.Hour),
	}
	if err := harness.records.SetToken(context.Background(), pair); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	recorder := harness.do(t, http.MethodPost, "/api/session/refresh", "")
	if recorder.Code != http.StatusUnauthorized || !strings.Contains(recorder.Body.String(), "refresh_failed") {
		t.Fatalf("expected refresh_failed, got %d %s", recorder.Code, recorder.Body.String())
	}
	if _, found, _ := harness.records.Token(context.Background()); found {
		t.Fatalf("expected token to be cleared after failed refresh")
	}
}

func TestActivityEvents(t *testing.T) {
	t.Parallel()

	harness := newRouteHarness(t, stubRefresher{}, nil)
	warnings, cancel := harness.bus.Subscribe(events.TopicConnectionWarning)
	defer cancel()

	recorder := harness.do(t, http.MethodPost, "/api/activity/offline", "")
	var status activity.Status
	decodeJSON(t, recorder, &status)
	if status.Online || status.ConnectionStable {
		t.Fatalf("expected offline status, got %+v", status)
	}
	<-warnings

	recorder = harness.do(t, http.MethodPost, "/api/activity/online", "")
	decodeJSON(t, recorder, &status)
	if !status.Online {
		t.Fatalf("expected online status")
	}

	for _, event := range []string{"click", "keypress", "focus", "visible", "hidden"} {
		if recorder := harness.do(t, http.MethodPost, "/api/activity/"+event, ""); recorder.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", event, recorder.Code)
		}
	}
	if _, found, _ := harness.records.LastActivity(context.Background()); !found {
		t.Fatalf("expected last activity to be persisted")
	}
	if recorder := harness.do(t, http.MethodPost, "/api/activity/teleport", ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown event, got %d", recorder.Code)
	}
}

func TestStreamEventsForwardsBusEvents(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	bus := events.NewBus()
	router := gin.New()
	router.GET("/api/events", StreamEvents(bus, []string{"http://localhost:3000"}, zap.NewNop()))
	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/events"

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	if _, response, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatalf("expected foreign origin to be refused")
	} else if response != nil && response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", response.StatusCode)
	}

	header.Set("Origin", "http://localhost:3000")
	connection, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer connection.Close()

	deadline := time.Now().Add(5 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected the stream to subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(events.TopicSessionExpired, map[string]any{"reason": "refresh_failed"})

	_ = connection.SetReadDeadline(time.Now().Add(5 * time.Second))
	var received events.Event
	if err := connection.ReadJSON(&received); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if received.Topic != events.TopicSessionExpired || received.Payload["reason"] != "refresh_failed" {
		t.Fatalf("unexpected event %+v", received)
	}
}
