// Package tokens owns the persisted access/refresh token pair: it classifies
// expiry from the unverified JWT payload, keeps a single proactive refresh
// timer armed, and collapses concurrent refreshes into one upstream call.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tyemirov/medsession/internal/clock"
	"github.com/tyemirov/medsession/internal/kvstore"
	"github.com/tyemirov/medsession/internal/metrics"
	"github.com/tyemirov/medsession/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRefreshTimeout bounds a single refresh call.
	DefaultRefreshTimeout = 15 * time.Second
	// DefaultMinRescheduleDelay spaces out refreshes when the upstream keeps issuing short-lived tokens.
	DefaultMinRescheduleDelay = 30 * time.Second
)

// Refresher exchanges a refresh token for a new pair.
// An empty RefreshToken in the result means the old one stays valid.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (models.TokenPair, error)
}

// Options wires a Manager.
type Options struct {
	Records            *kvstore.Records
	Refresher          Refresher
	Clock              clock.Clock
	Logger             *zap.Logger
	Metrics            metrics.Recorder
	Issuer             string
	RefreshTimeout     time.Duration
	MinRescheduleDelay time.Duration
	// OnRefreshFailure runs after a failed refresh has cleared the token.
	OnRefreshFailure func(err error)
}

// Manager is the token lifecycle manager. It is safe for concurrent use.
type Manager struct {
	records            *kvstore.Records
	refresher          Refresher
	clock              clock.Clock
	logger             *zap.Logger
	metrics            metrics.Recorder
	issuer             string
	refreshTimeout     time.Duration
	minRescheduleDelay time.Duration
	onRefreshFailure   func(err error)

	flights    singleflight.Group
	background sync.WaitGroup

	mutex            sync.Mutex
	timer            clock.Timer
	scheduleSequence uint64
	generation       uint64
}

// NewManager validates options and applies defaults.
func NewManager(options Options) (*Manager, error) {
	if options.Records == nil {
		return nil, fmt.Errorf("tokens.new_manager: %w: records", ErrMissingDependency)
	}
	if options.Refresher == nil {
		return nil, fmt.Errorf("tokens.new_manager: %w: refresher", ErrMissingDependency)
	}
	manager := &Manager{
		records:            options.Records,
		refresher:          options.Refresher,
		clock:              options.Clock,
		logger:             options.Logger,
		metrics:            options.Metrics,
		issuer:             options.Issuer,
		refreshTimeout:     options.RefreshTimeout,
		minRescheduleDelay: options.MinRescheduleDelay,
		onRefreshFailure:   options.OnRefreshFailure,
	}
	if manager.clock == nil {
		manager.clock = clock.NewSystemClock()
	}
	if manager.logger == nil {
		manager.logger = zap.NewNop()
	}
	if manager.metrics == nil {
		manager.metrics = metrics.Nop()
	}
	if manager.refreshTimeout <= 0 {
		manager.refreshTimeout = DefaultRefreshTimeout
	}
	if manager.minRescheduleDelay <= 0 {
		manager.minRescheduleDelay = DefaultMinRescheduleDelay
	}
	return manager, nil
}

// IsTokenValid applies IsTokenValid with the manager's clock and issuer.
func (manager *Manager) IsTokenValid(token string) bool {
	return IsTokenValid(token, manager.clock.Now(), manager.issuer)
}

// IsTokenExpiringSoon applies IsTokenExpiringSoon with the manager's clock.
func (manager *Manager) IsTokenExpiringSoon(token string) bool {
	return IsTokenExpiringSoon(token, manager.clock.Now())
}

// TokenTimeLeft applies TokenTimeLeft with the manager's clock.
func (manager *Manager) TokenTimeLeft(token string) time.Duration {
	return TokenTimeLeft(token, manager.clock.Now())
}

// Token returns the persisted pair. A corrupt record reads as absent.
func (manager *Manager) Token(ctx context.Context) (models.TokenPair, bool, error) {
	pair, found, err := manager.records.Token(ctx)
	if err != nil {
		if errors.Is(err, kvstore.ErrCorruptRecord) {
			manager.logger.Warn("persisted token unreadable",
				zap.String("code", "tokens.token.corrupt"),
				zap.Error(err))
			return models.TokenPair{}, false, nil
		}
		return models.TokenPair{}, false, err
	}
	return pair, found, nil
}

// Phase classifies the persisted access token.
func (manager *Manager) Phase(ctx context.Context) (Phase, error) {
	pair, found, err := manager.Token(ctx)
	if err != nil {
		return PhaseUnauthenticated, err
	}
	if !found {
		return PhaseUnauthenticated, nil
	}
	return ClassifyPhase(pair.AccessToken, manager.clock.Now()), nil
}

// SetToken persists pair and re-arms the refresh schedule from its access token.
// Any refresh still in flight for the previous pair is abandoned.
func (manager *Manager) SetToken(ctx context.Context, pair models.TokenPair) error {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	manager.invalidateFlightLocked()
	if err := manager.records.SetToken(ctx, pair); err != nil {
		return fmt.Errorf("tokens.set_token: %w", err)
	}
	manager.scheduleLocked(pair.AccessToken, false)
	return nil
}

// ClearToken removes the persisted pair and cancels any scheduled refresh.
func (manager *Manager) ClearToken(ctx context.Context) error {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	manager.invalidateFlightLocked()
	manager.stopTimerLocked()
	if err := manager.records.RemoveToken(ctx); err != nil {
		return fmt.Errorf("tokens.clear_token: %w", err)
	}
	return nil
}

// ScheduleTokenRefresh replaces any armed timer. With less than
// RefreshThreshold left the refresh path is dispatched at once; otherwise a
// timer fires RefreshThreshold before expiry.
func (manager *Manager) ScheduleTokenRefresh(accessToken string) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	manager.scheduleLocked(accessToken, false)
}

// Init arms the schedule from the persisted access token, if any.
func (manager *Manager) Init(ctx context.Context) error {
	pair, found, err := manager.Token(ctx)
	if err != nil {
		return fmt.Errorf("tokens.init: %w", err)
	}
	if !found || !pair.HasAccessToken() {
		return nil
	}
	manager.ScheduleTokenRefresh(pair.AccessToken)
	return nil
}

// Cleanup cancels the timer and forgets the in-flight refresh. A network call
// already sent is not aborted, but its result will not be applied.
func (manager *Manager) Cleanup() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	manager.stopTimerLocked()
	manager.invalidateFlightLocked()
}

// Wait blocks until refreshes dispatched by the schedule have returned.
func (manager *Manager) Wait() {
	manager.background.Wait()
}

// HandleConnectionRestore refreshes if needed when a refresh token is held.
func (manager *Manager) HandleConnectionRestore(ctx context.Context) error {
	pair, found, err := manager.Token(ctx)
	if err != nil {
		return fmt.Errorf("tokens.connection_restore: %w", err)
	}
	if !found || !pair.HasRefreshToken() {
		return nil
	}
	_, refreshErr := manager.RefreshTokenIfNeeded(ctx)
	return refreshErr
}

// RefreshTokenIfNeeded returns the current pair, refreshing it first when the
// access token is expiring soon. At most one refresh call is in flight; every
// concurrent caller receives that call's pair or error. It returns nil, nil
// when no refresh token is held. Abandoning ctx stops waiting but not the call.
func (manager *Manager) RefreshTokenIfNeeded(ctx context.Context) (*models.TokenPair, error) {
	return manager.refresh(ctx, false)
}

// refresh joins or starts the flight. due is set by the schedule: a token at
// exactly RefreshThreshold left is then refreshed rather than returned as is.
func (manager *Manager) refresh(ctx context.Context, due bool) (*models.TokenPair, error) {
	pair, found, err := manager.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("tokens.refresh: %w", err)
	}
	if !found || !pair.HasRefreshToken() {
		return nil, nil
	}

	manager.mutex.Lock()
	generation := manager.generation
	manager.mutex.Unlock()

	detached := context.WithoutCancel(ctx)
	resultChannel := manager.flights.DoChan(flightKey(generation), func() (any, error) {
		return manager.runRefresh(detached, generation, due)
	})

	select {
	case result := <-resultChannel:
		if result.Shared {
			manager.metrics.Increment(metrics.EventRefreshJoined)
		}
		if result.Err != nil {
			return nil, result.Err
		}
		refreshed, _ := result.Val.(*models.TokenPair)
		if refreshed == nil {
			return nil, nil
		}
		copied := *refreshed
		return &copied, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (manager *Manager) runRefresh(ctx context.Context, generation uint64, due bool) (*models.TokenPair, error) {
	current, found, err := manager.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("tokens.refresh: %w", err)
	}
	if !found || !current.HasRefreshToken() {
		return nil, nil
	}
	expiring := manager.IsTokenExpiringSoon(current.AccessToken)
	if due && manager.TokenTimeLeft(current.AccessToken) <= RefreshThreshold {
		expiring = true
	}
	if !expiring {
		return &current, nil
	}

	manager.metrics.Increment(metrics.EventRefreshAttempt)
	if !IsRefreshToken(current.RefreshToken) {
		return nil, manager.failRefresh(ctx, generation, ErrInvalidRefreshToken)
	}

	requestContext, cancel := context.WithTimeout(ctx, manager.refreshTimeout)
	refreshed, refreshErr := manager.refresher.RefreshToken(requestContext, current.RefreshToken)
	cancel()
	if refreshErr != nil {
		return nil, manager.failRefresh(ctx, generation, refreshErr)
	}
	if !refreshed.HasRefreshToken() {
		refreshed.RefreshToken = current.RefreshToken
	}
	if refreshed.TokenType == "" {
		refreshed.TokenType = current.TokenType
	}
	if !IsAccessToken(refreshed.AccessToken) {
		return nil, manager.failRefresh(ctx, generation, ErrInvalidAccessToken)
	}

	manager.mutex.Lock()
	if manager.generation != generation {
		manager.mutex.Unlock()
		manager.metrics.Increment(metrics.EventRefreshAbandoned)
		return nil, ErrRefreshAbandoned
	}
	if persistErr := manager.records.SetToken(ctx, refreshed); persistErr != nil {
		manager.mutex.Unlock()
		return nil, manager.failRefresh(ctx, generation, persistErr)
	}
	manager.scheduleLocked(refreshed.AccessToken, true)
	manager.mutex.Unlock()

	manager.metrics.Increment(metrics.EventRefreshSuccess)
	manager.logger.Info("token refreshed",
		zap.Duration("time_left", manager.TokenTimeLeft(refreshed.AccessToken)))
	return &refreshed, nil
}

func (manager *Manager) failRefresh(ctx context.Context, generation uint64, cause error) error {
	manager.mutex.Lock()
	if manager.generation != generation {
		manager.mutex.Unlock()
		manager.metrics.Increment(metrics.EventRefreshAbandoned)
		return ErrRefreshAbandoned
	}
	manager.invalidateFlightLocked()
	manager.stopTimerLocked()
	removeErr := manager.records.RemoveToken(ctx)
	manager.mutex.Unlock()

	manager.metrics.Increment(metrics.EventRefreshFailure)
	failure := fmt.Errorf("%w: %w", ErrRefreshFailed, cause)
	manager.logger.Warn("token refresh failed; session cleared",
		zap.String("code", "tokens.refresh.failed"),
		zap.Error(cause))
	if removeErr != nil {
		manager.logger.Error("failed to remove token after refresh failure",
			zap.String("code", "tokens.refresh.clear_failed"),
			zap.Error(removeErr))
	}
	if manager.onRefreshFailure != nil {
		manager.onRefreshFailure(failure)
	}
	return failure
}

// scheduleLocked arms the refresh timer. afterRefresh marks a token that was
// just issued by a refresh; if that token is already inside the threshold the
// follow-up waits minRescheduleDelay instead of firing immediately.
func (manager *Manager) scheduleLocked(accessToken string, afterRefresh bool) {
	manager.stopTimerLocked()
	timeLeft := TokenTimeLeft(accessToken, manager.clock.Now())
	if timeLeft < RefreshThreshold {
		if afterRefresh {
			manager.armTimerLocked(manager.minRescheduleDelay)
			return
		}
		manager.metrics.Increment(metrics.EventRefreshImmediate)
		manager.background.Add(1)
		go func() {
			defer manager.background.Done()
			manager.refreshInBackground()
		}()
		return
	}
	manager.armTimerLocked(timeLeft - RefreshThreshold)
}

func (manager *Manager) armTimerLocked(delay time.Duration) {
	manager.scheduleSequence++
	sequence := manager.scheduleSequence
	manager.timer = manager.clock.AfterFunc(delay, func() {
		manager.mutex.Lock()
		if manager.scheduleSequence != sequence {
			manager.mutex.Unlock()
			return
		}
		manager.timer = nil
		manager.mutex.Unlock()
		manager.refreshInBackground()
	})
	manager.metrics.Increment(metrics.EventRefreshScheduled)
	manager.logger.Debug("token refresh scheduled", zap.Duration("delay", delay))
}

func (manager *Manager) stopTimerLocked() {
	manager.scheduleSequence++
	if manager.timer != nil {
		manager.timer.Stop()
		manager.timer = nil
	}
}

func (manager *Manager) invalidateFlightLocked() {
	manager.flights.Forget(flightKey(manager.generation))
	manager.generation++
}

func (manager *Manager) refreshInBackground() {
	if _, err := manager.refresh(context.Background(), true); err != nil && !errors.Is(err, ErrRefreshAbandoned) {
		manager.logger.Debug("scheduled refresh ended with error", zap.Error(err))
	}
}

func flightKey(generation uint64) string {
	return "refresh:" + strconv.FormatUint(generation, 10)
}
