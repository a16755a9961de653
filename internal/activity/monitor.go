// Package activity tracks connectivity and user activity, turning reconnects
// and regained focus into token refresh checks.
package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/medsession/internal/clock"
	"github.com/tyemirov/medsession/internal/events"
	"github.com/tyemirov/medsession/internal/kvstore"
	"github.com/tyemirov/medsession/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultCheckInterval       = time.Minute
	DefaultInactivityThreshold = 5 * time.Minute
	// PointerMoveGap throttles pointermove reports from the browser shim.
	PointerMoveGap = 5 * time.Second
)

var (
	// ErrUnknownInput indicates an input kind outside the tracked set.
	ErrUnknownInput = errors.New("activity.unknown_input")
	// ErrInvalidInterval indicates a check interval not shorter than the inactivity threshold.
	ErrInvalidInterval = errors.New("activity.invalid_interval")
	// ErrMissingDependency indicates that NewMonitor was given nil records.
	ErrMissingDependency = errors.New("activity.missing_dependency")
)

// InputKind is a user input event that counts as activity.
type InputKind string

const (
	InputPointerDown InputKind = "pointerdown"
	InputPointerMove InputKind = "pointermove"
	InputKeyPress    InputKind = "keypress"
	InputScroll      InputKind = "scroll"
	InputTouchStart  InputKind = "touchstart"
	InputClick       InputKind = "click"
)

var trackedInputs = map[InputKind]struct{}{
	InputPointerDown: {},
	InputPointerMove: {},
	InputKeyPress:    {},
	InputScroll:      {},
	InputTouchStart:  {},
	InputClick:       {},
}

// TrackedInputNames lists the input kinds in a stable order for the browser shim.
func TrackedInputNames() []string {
	return []string{
		string(InputPointerDown),
		string(InputPointerMove),
		string(InputKeyPress),
		string(InputScroll),
		string(InputTouchStart),
		string(InputClick),
	}
}

// ParseInputKind validates raw against the tracked input kinds.
func ParseInputKind(raw string) (InputKind, error) {
	kind := InputKind(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := trackedInputs[kind]; !ok {
		return "", fmt.Errorf("activity.parse_input: %w: %q", ErrUnknownInput, raw)
	}
	return kind, nil
}

// ConnectionRestorer is the token manager's refresh-if-needed path.
type ConnectionRestorer interface {
	HandleConnectionRestore(ctx context.Context) error
}

// Options wires a Monitor.
type Options struct {
	Records             *kvstore.Records
	Restorer            ConnectionRestorer
	Publisher           events.Publisher
	Clock               clock.Clock
	Logger              *zap.Logger
	Metrics             metrics.Recorder
	CheckInterval       time.Duration
	InactivityThreshold time.Duration
	// OnInactive runs once each time the session crosses the threshold.
	OnInactive func(idle time.Duration)
}

// Status is a point-in-time view of the monitor.
type Status struct {
	Online           bool      `json:"online"`
	Inactive         bool      `json:"inactive"`
	ConnectionStable bool      `json:"connectionStable"`
	LastActivity     time.Time `json:"lastActivity"`
	IdleFor          string    `json:"idleFor"`
}

// Monitor is safe for concurrent use.
type Monitor struct {
	records             *kvstore.Records
	restorer            ConnectionRestorer
	publisher           events.Publisher
	clock               clock.Clock
	logger              *zap.Logger
	metrics             metrics.Recorder
	checkInterval       time.Duration
	inactivityThreshold time.Duration
	onInactive          func(idle time.Duration)

	mutex        sync.RWMutex
	online       bool
	inactive     bool
	lastActivity time.Time
}

// NewMonitor validates options. The monitor starts online with activity at now.
func NewMonitor(options Options) (*Monitor, error) {
	if options.Records == nil {
		return nil, fmt.Errorf("activity.new_monitor: %w: records", ErrMissingDependency)
	}
	monitor := &Monitor{
		records:             options.Records,
		restorer:            options.Restorer,
		publisher:           options.Publisher,
		clock:               options.Clock,
		logger:              options.Logger,
		metrics:             options.Metrics,
		checkInterval:       options.CheckInterval,
		inactivityThreshold: options.InactivityThreshold,
		onInactive:          options.OnInactive,
		online:              true,
	}
	if monitor.clock == nil {
		monitor.clock = clock.NewSystemClock()
	}
	if monitor.logger == nil {
		monitor.logger = zap.NewNop()
	}
	if monitor.metrics == nil {
		monitor.metrics = metrics.Nop()
	}
	if monitor.checkInterval <= 0 {
		monitor.checkInterval = DefaultCheckInterval
	}
	if monitor.inactivityThreshold <= 0 {
		monitor.inactivityThreshold = DefaultInactivityThreshold
	}
	if monitor.checkInterval >= monitor.inactivityThreshold {
		return nil, fmt.Errorf("activity.new_monitor: %w: check %s, threshold %s",
			ErrInvalidInterval, monitor.checkInterval, monitor.inactivityThreshold)
	}
	monitor.lastActivity = monitor.clock.Now()
	return monitor, nil
}

// Load seeds lastActivity from storage so idleness survives restarts.
func (monitor *Monitor) Load(ctx context.Context) error {
	instant, found, err := monitor.records.LastActivity(ctx)
	if err != nil && !errors.Is(err, kvstore.ErrCorruptRecord) {
		return fmt.Errorf("activity.load: %w", err)
	}
	if !found {
		return monitor.touch(ctx)
	}
	monitor.mutex.Lock()
	monitor.lastActivity = instant
	monitor.mutex.Unlock()
	return nil
}

// IsOnline reports the last known connectivity.
func (monitor *Monitor) IsOnline() bool {
	monitor.mutex.RLock()
	defer monitor.mutex.RUnlock()
	return monitor.online
}

// IsInactive reports whether the inactivity threshold has been crossed.
func (monitor *Monitor) IsInactive() bool {
	monitor.mutex.RLock()
	defer monitor.mutex.RUnlock()
	return monitor.inactive
}

// LastActivity returns the most recent activity instant.
func (monitor *Monitor) LastActivity() time.Time {
	monitor.mutex.RLock()
	defer monitor.mutex.RUnlock()
	return monitor.lastActivity
}

// IsConnectionStable is online and not inactive.
func (monitor *Monitor) IsConnectionStable() bool {
	monitor.mutex.RLock()
	defer monitor.mutex.RUnlock()
	return monitor.online && !monitor.inactive
}

// Status snapshots the monitor.
func (monitor *Monitor) Status() Status {
	now := monitor.clock.Now()
	monitor.mutex.RLock()
	defer monitor.mutex.RUnlock()
	return Status{
		Online:           monitor.online,
		Inactive:         monitor.inactive,
		ConnectionStable: monitor.online && !monitor.inactive,
		LastActivity:     monitor.lastActivity,
		IdleFor:          now.Sub(monitor.lastActivity).Truncate(time.Second).String(),
	}
}

// HandleOnline marks the connection restored and runs the refresh check.
func (monitor *Monitor) HandleOnline(ctx context.Context) error {
	monitor.mutex.Lock()
	wasOnline := monitor.online
	monitor.online = true
	monitor.mutex.Unlock()
	if !wasOnline {
		monitor.metrics.Increment(metrics.EventConnectionOnline)
		monitor.logger.Info("connection restored")
	}
	return monitor.restore(ctx)
}

// HandleOffline marks the connection lost and publishes a warning.
func (monitor *Monitor) HandleOffline() {
	monitor.mutex.Lock()
	wasOnline := monitor.online
	monitor.online = false
	monitor.mutex.Unlock()
	if !wasOnline {
		return
	}
	monitor.metrics.Increment(metrics.EventConnectionLost)
	monitor.logger.Warn("connection lost", zap.String("code", "activity.connection.offline"))
	if monitor.publisher != nil {
		monitor.publisher.Publish(events.TopicConnectionWarning, map[string]any{
			"message": "Connection lost. Changes may not be saved until it returns.",
		})
	}
}

// HandleFocus runs the refresh check, then records activity.
func (monitor *Monitor) HandleFocus(ctx context.Context) error {
	restoreErr := monitor.restore(ctx)
	if err := monitor.touch(ctx); err != nil {
		return errors.Join(restoreErr, err)
	}
	return restoreErr
}

// HandleVisibility behaves like HandleFocus when the page became visible; hidden is ignored.
func (monitor *Monitor) HandleVisibility(ctx context.Context, visible bool) error {
	if !visible {
		return nil
	}
	return monitor.HandleFocus(ctx)
}

// RecordInput records activity for one of the tracked input kinds.
func (monitor *Monitor) RecordInput(ctx context.Context, kind InputKind) error {
	if _, ok := trackedInputs[kind]; !ok {
		return fmt.Errorf("activity.record_input: %w: %q", ErrUnknownInput, kind)
	}
	return monitor.touch(ctx)
}

// CheckInactivity compares idle time with the threshold and flags inactivity
// once per idle period. It reports whether this call set the flag.
func (monitor *Monitor) CheckInactivity() bool {
	now := monitor.clock.Now()
	monitor.mutex.Lock()
	idle := now.Sub(monitor.lastActivity)
	if monitor.inactive || idle <= monitor.inactivityThreshold {
		monitor.mutex.Unlock()
		return false
	}
	monitor.inactive = true
	monitor.mutex.Unlock()

	monitor.metrics.Increment(metrics.EventActivityInactive)
	monitor.logger.Info("session inactive", zap.Duration("idle", idle))
	if monitor.publisher != nil {
		monitor.publisher.Publish(events.TopicInactive, map[string]any{"idleSeconds": int64(idle / time.Second)})
	}
	if monitor.onInactive != nil {
		monitor.onInactive(idle)
	}
	return true
}

// Run checks for inactivity every CheckInterval until ctx is done.
func (monitor *Monitor) Run(ctx context.Context) {
	ticker := monitor.clock.NewTicker(monitor.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			monitor.CheckInactivity()
		}
	}
}

func (monitor *Monitor) touch(ctx context.Context) error {
	now := monitor.clock.Now()
	monitor.mutex.Lock()
	monitor.lastActivity = now
	wasInactive := monitor.inactive
	monitor.inactive = false
	monitor.mutex.Unlock()
	if wasInactive {
		monitor.logger.Info("activity resumed")
	}
	if err := monitor.records.SetLastActivity(ctx, now); err != nil {
		return fmt.Errorf("activity.touch: %w", err)
	}
	return nil
}

func (monitor *Monitor) restore(ctx context.Context) error {
	if monitor.restorer == nil {
		return nil
	}
	if err := monitor.restorer.HandleConnectionRestore(ctx); err != nil {
		monitor.logger.Warn("connection restore refresh failed",
			zap.String("code", "activity.restore.refresh_failed"),
			zap.Error(err))
		return fmt.Errorf("activity.restore: %w", err)
	}
	return nil
}
