// Package web exposes the session agent to the dashboards over HTTP.
package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/medsession/internal/activity"
	"github.com/tyemirov/medsession/internal/apiclient"
	"github.com/tyemirov/medsession/internal/authstate"
	"github.com/tyemirov/medsession/internal/models"
	"github.com/tyemirov/medsession/internal/tokens"
	"go.uber.org/zap"
)

const maxRequestBytes = 1 << 20

// Authenticator is the upstream login and profile API.
type Authenticator interface {
	Login(ctx context.Context, email string, password string) (apiclient.TokenResponse, error)
	FetchProfile(ctx context.Context, accessToken string) (models.ProfileEnvelope, error)
}

// SessionDependencies wires the session routes.
type SessionDependencies struct {
	Store         *authstate.Store
	Tokens        *tokens.Manager
	Monitor       *activity.Monitor
	Authenticator Authenticator
	Logger        *zap.Logger
}

// MountSessionRoutes registers the /api/session and /api/activity endpoints.
func MountSessionRoutes(router gin.IRouter, dependencies SessionDependencies) {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handlers := sessionHandlers{
		store:         dependencies.Store,
		tokens:        dependencies.Tokens,
		monitor:       dependencies.Monitor,
		authenticator: dependencies.Authenticator,
		logger:        logger,
	}

	router.GET("/api/session", handlers.getSession)
	router.GET("/api/session/token", handlers.getToken)
	router.POST("/api/session/login", handlers.login)
	router.POST("/api/session/login/password", handlers.loginWithPassword)
	router.POST("/api/session/logout", handlers.logout)
	router.PATCH("/api/session/profile", handlers.updateProfile)
	router.PUT("/api/session/avatar", handlers.updateAvatar)
	router.POST("/api/session/refresh", handlers.refresh)
	router.POST("/api/activity/:event", handlers.recordActivity)
}

type sessionHandlers struct {
	store         *authstate.Store
	tokens        *tokens.Manager
	monitor       *activity.Monitor
	authenticator Authenticator
	logger        *zap.Logger
}

type sessionView struct {
	State         authstate.State  `json:"state"`
	Phase         tokens.Phase     `json:"phase"`
	TokenTimeLeft int64            `json:"tokenTimeLeftSeconds"`
	Connection    *activity.Status `json:"connection,omitempty"`
}

func (handlers sessionHandlers) view(ctx context.Context) sessionView {
	view := sessionView{State: handlers.store.Snapshot(), Phase: tokens.PhaseUnauthenticated}
	pair, found, err := handlers.tokens.Token(ctx)
	if err != nil {
		handlers.logger.Warn("token read failed", zap.String("code", "web.session.token_read"), zap.Error(err))
	}
	if found {
		view.Phase, _ = handlers.tokens.Phase(ctx)
		view.TokenTimeLeft = int64(handlers.tokens.TokenTimeLeft(pair.AccessToken).Seconds())
	}
	if handlers.monitor != nil {
		status := handlers.monitor.Status()
		view.Connection = &status
	}
	return view
}

func (handlers sessionHandlers) getSession(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, handlers.view(contextGin.Request.Context()))
}

// getToken hands the dashboards a usable access token, refreshing first when needed.
func (handlers sessionHandlers) getToken(contextGin *gin.Context) {
	ctx := contextGin.Request.Context()
	pair, err := handlers.tokens.RefreshTokenIfNeeded(ctx)
	if err != nil {
		handlers.abortRefresh(contextGin, err)
		return
	}
	if pair == nil {
		current, found, readErr := handlers.tokens.Token(ctx)
		if readErr != nil || !found || !current.HasAccessToken() {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not_authenticated"})
			return
		}
		pair = &current
	}
	if !handlers.tokens.IsTokenValid(pair.AccessToken) {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token_expired"})
		return
	}
	tokenType := pair.TokenType
	if tokenType == "" {
		tokenType = models.DefaultTokenType
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"accessToken": pair.AccessToken,
		"tokenType":   tokenType,
		"expiresIn":   int64(handlers.tokens.TokenTimeLeft(pair.AccessToken).Seconds()),
	})
}

func (handlers sessionHandlers) login(contextGin *gin.Context) {
	body, readErr := io.ReadAll(io.LimitReader(contextGin.Request.Body, maxRequestBytes))
	if readErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	payload, decodeErr := authstate.DecodeLoginPayload(body)
	if decodeErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_login_payload"})
		return
	}
	state, loginErr := handlers.store.LoginSuccess(contextGin.Request.Context(), payload)
	if loginErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_user"})
		return
	}
	contextGin.JSON(http.StatusOK, state)
}

func (handlers sessionHandlers) loginWithPassword(contextGin *gin.Context) {
	var inbound struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if handlers.authenticator == nil {
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "upstream_not_configured"})
		return
	}

	ctx := contextGin.Request.Context()
	handlers.store.LoginStarted(ctx)
	response, loginErr := handlers.authenticator.Login(ctx, strings.TrimSpace(inbound.Email), inbound.Password)
	if loginErr != nil {
		handlers.failLogin(contextGin, loginErr)
		return
	}
	response.Pair.TokenType = firstNonEmpty(response.Pair.TokenType, models.DefaultTokenType)
	if err := handlers.tokens.SetToken(ctx, response.Pair); err != nil {
		handlers.logger.Error("persist token failed", zap.String("code", "web.login.set_token"), zap.Error(err))
		handlers.store.LoginFailed(ctx, "Could not store the session.")
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token_persist_failed"})
		return
	}

	user := response.User
	if len(user) == 0 {
		envelope, profileErr := handlers.authenticator.FetchProfile(ctx, response.Pair.AccessToken)
		if profileErr != nil {
			_ = handlers.tokens.ClearToken(ctx)
			handlers.failLogin(contextGin, profileErr)
			return
		}
		user = envelope.Data
	}
	state, successErr := handlers.store.LoginSuccess(ctx, authstate.LoginPayload{User: user})
	if successErr != nil {
		_ = handlers.tokens.ClearToken(ctx)
		handlers.failLogin(contextGin, successErr)
		return
	}
	contextGin.JSON(http.StatusOK, state)
}

func (handlers sessionHandlers) failLogin(contextGin *gin.Context, cause error) {
	message := "Login failed."
	status := http.StatusBadGateway
	var statusError *apiclient.StatusError
	if errors.As(cause, &statusError) {
		status = http.StatusUnauthorized
		if statusError.Message != "" {
			message = statusError.Message
		}
	}
	handlers.logger.Warn("login failed", zap.String("code", "web.login.failed"), zap.Error(cause))
	state := handlers.store.LoginFailed(contextGin.Request.Context(), message)
	contextGin.AbortWithStatusJSON(status, gin.H{"error": "login_failed", "state": state})
}

func (handlers sessionHandlers) logout(contextGin *gin.Context) {
	handlers.store.Logout(contextGin.Request.Context())
	contextGin.Status(http.StatusNoContent)
}

func (handlers sessionHandlers) updateProfile(contextGin *gin.Context) {
	var partial models.UserProfile
	if err := contextGin.ShouldBindJSON(&partial); err != nil || len(partial) == 0 {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if !handlers.store.Snapshot().IsAuthenticated {
		contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "not_authenticated"})
		return
	}
	contextGin.JSON(http.StatusOK, handlers.store.UpdateUserProfile(contextGin.Request.Context(), partial))
}

func (handlers sessionHandlers) updateAvatar(contextGin *gin.Context) {
	var inbound struct {
		AvatarURL string `json:"avatarUrl"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.AvatarURL) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if !handlers.store.Snapshot().IsAuthenticated {
		contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "not_authenticated"})
		return
	}
	contextGin.JSON(http.StatusOK, handlers.store.UpdateUserAvatar(contextGin.Request.Context(), inbound.AvatarURL))
}

func (handlers sessionHandlers) refresh(contextGin *gin.Context) {
	pair, err := handlers.tokens.RefreshTokenIfNeeded(contextGin.Request.Context())
	if err != nil {
		handlers.abortRefresh(contextGin, err)
		return
	}
	if pair == nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not_authenticated"})
		return
	}
	contextGin.JSON(http.StatusOK, handlers.view(contextGin.Request.Context()))
}

func (handlers sessionHandlers) abortRefresh(contextGin *gin.Context, err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		contextGin.AbortWithStatus(http.StatusRequestTimeout)
	case errors.Is(err, tokens.ErrRefreshAbandoned):
		contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "refresh_superseded"})
	default:
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "refresh_failed"})
	}
}

func (handlers sessionHandlers) recordActivity(contextGin *gin.Context) {
	if handlers.monitor == nil {
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "monitor_disabled"})
		return
	}
	ctx := contextGin.Request.Context()
	var err error
	switch event := strings.ToLower(contextGin.Param("event")); event {
	case "online":
		err = handlers.monitor.HandleOnline(ctx)
	case "offline":
		handlers.monitor.HandleOffline()
	case "focus":
		err = handlers.monitor.HandleFocus(ctx)
	case "visible":
		err = handlers.monitor.HandleVisibility(ctx, true)
	case "hidden":
		err = handlers.monitor.HandleVisibility(ctx, false)
	default:
		kind, parseErr := activity.ParseInputKind(event)
		if parseErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown_event"})
			return
		}
		err = handlers.monitor.RecordInput(ctx, kind)
	}
	if err != nil {
		handlers.logger.Debug("activity event handled with error", zap.Error(err))
	}
	contextGin.JSON(http.StatusOK, handlers.monitor.Status())
}

func firstNonEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
