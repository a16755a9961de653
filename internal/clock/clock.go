// Package clock abstracts wall time and timers so token schedules and
// activity checks can be driven deterministically in tests.
package clock

import "time"

// Clock provides the current time and one-shot/periodic timers.
type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, callback func()) Timer
	NewTicker(interval time.Duration) Ticker
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop prevents the timer from firing and reports whether it was still pending.
	Stop() bool
}

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by the runtime timers, reporting UTC.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func (systemClock) AfterFunc(delay time.Duration, callback func()) Timer {
	return time.AfterFunc(delay, callback)
}

func (systemClock) NewTicker(interval time.Duration) Ticker {
	return &systemTicker{ticker: time.NewTicker(interval)}
}

type systemTicker struct {
	ticker *time.Ticker
}

func (wrapped *systemTicker) C() <-chan time.Time {
	return wrapped.ticker.C
}

func (wrapped *systemTicker) Stop() {
	wrapped.ticker.Stop()
}
