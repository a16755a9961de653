// Package events is the in-process broadcast channel between session components.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/medsession/internal/metrics"
	"go.uber.org/zap"
)

// Topic names a broadcast signal.
type Topic string

const (
	// TopicAvatarUpdated carries the new avatar URL.
	TopicAvatarUpdated Topic = "avatar.updated"
	// TopicSessionExpired is published when a refresh failure ends the session.
	TopicSessionExpired Topic = "session.expired"
	// TopicConnectionWarning is published when connectivity is lost.
	TopicConnectionWarning Topic = "connection.warning"
	// TopicInactive is published once when the user goes idle past the threshold.
	TopicInactive Topic = "activity.inactive"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 16

// Event is a single broadcast.
type Event struct {
	Topic     Topic          `json:"type"`
	Payload   map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(topic Topic, payload map[string]any)
}

// Bus fans events out to subscribers without blocking publishers.
type Bus struct {
	mutex       sync.RWMutex
	subscribers map[string]*subscription
	bufferSize  int
	now         func() time.Time
	logger      *zap.Logger
	metrics     metrics.Recorder
}

type subscription struct {
	topics  map[Topic]struct{}
	channel chan Event
}

// BusOption customises a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(size int) BusOption {
	return func(bus *Bus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) BusOption {
	return func(bus *Bus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// WithMetrics counts dropped deliveries.
func WithMetrics(recorder metrics.Recorder) BusOption {
	return func(bus *Bus) {
		if recorder != nil {
			bus.metrics = recorder
		}
	}
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) BusOption {
	return func(bus *Bus) {
		if now != nil {
			bus.now = now
		}
	}
}

// NewBus constructs an empty bus.
func NewBus(options ...BusOption) *Bus {
	bus := &Bus{
		subscribers: make(map[string]*subscription),
		bufferSize:  DefaultBufferSize,
		now:         time.Now,
		logger:      zap.NewNop(),
		metrics:     metrics.Nop(),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers for the given topics, or every topic when none are named.
// The returned cancel func closes the channel and is safe to call more than once.
func (bus *Bus) Subscribe(topics ...Topic) (<-chan Event, func()) {
	identifier := uuid.NewString()
	entry := &subscription{
		topics:  make(map[Topic]struct{}, len(topics)),
		channel: make(chan Event, bus.bufferSize),
	}
	for _, topic := range topics {
		entry.topics[topic] = struct{}{}
	}

	bus.mutex.Lock()
	bus.subscribers[identifier] = entry
	bus.mutex.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			bus.mutex.Lock()
			delete(bus.subscribers, identifier)
			bus.mutex.Unlock()
			close(entry.channel)
		})
	}
	return entry.channel, cancel
}

// Publish delivers to every matching subscriber. Full queues drop the event.
func (bus *Bus) Publish(topic Topic, payload map[string]any) {
	event := Event{Topic: topic, Payload: payload, Timestamp: bus.now().UnixMilli()}

	bus.mutex.RLock()
	defer bus.mutex.RUnlock()
	for identifier, entry := range bus.subscribers {
		if len(entry.topics) > 0 {
			if _, wanted := entry.topics[topic]; !wanted {
				continue
			}
		}
		select {
		case entry.channel <- event:
		default:
			bus.metrics.Increment(metrics.EventEventsDropped)
			bus.logger.Warn("event dropped for slow subscriber",
				zap.String("code", "events.publish.dropped"),
				zap.String("topic", string(topic)),
				zap.String("subscriber", identifier))
		}
	}
}

// SubscriberCount reports how many subscriptions are open.
func (bus *Bus) SubscriberCount() int {
	bus.mutex.RLock()
	defer bus.mutex.RUnlock()
	return len(bus.subscribers)
}
