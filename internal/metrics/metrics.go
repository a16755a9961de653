// Package metrics counts session lifecycle events.
package metrics

import "sync"

// Event names recorded by the session components.
const (
	EventRefreshAttempt   = "refresh.attempt"
	EventRefreshSuccess   = "refresh.success"
	EventRefreshFailure   = "refresh.failure"
	EventRefreshJoined    = "refresh.joined"
	EventRefreshAbandoned = "refresh.abandoned"
	EventRefreshScheduled = "refresh.scheduled"
	EventRefreshImmediate = "refresh.immediate"
	EventBridgeFailure    = "bridge.failure"
	EventConnectionOnline = "connection.online"
	EventConnectionLost   = "connection.offline"
	EventActivityInactive = "activity.inactive"
	EventEventsDropped    = "events.dropped"
)

// Recorder increments counters for session events.
type Recorder interface {
	Increment(event string)
}

// Nop returns a Recorder that discards events.
func Nop() Recorder {
	return nopRecorder{}
}

type nopRecorder struct{}

func (nopRecorder) Increment(string) {}

// CounterMetrics implements Recorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// Fanout forwards every event to each recorder.
type Fanout []Recorder

// Increment forwards event to every non-nil recorder.
func (fanout Fanout) Increment(event string) {
	for _, recorder := range fanout {
		if recorder != nil {
			recorder.Increment(event)
		}
	}
}
