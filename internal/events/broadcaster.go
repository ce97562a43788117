// Package events publishes cloud lifecycle events (start, stop, failures) to
// SSE subscribers on the admin listener and keeps a bounded history.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/homecloud/internal/metrics"
)

const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

const (
	TypeCloudStarted = "cloud_started"
	TypeCloudStopped = "cloud_stopped"
	TypeCloudFailed  = "cloud_failed"
)

// DefaultHistory is the number of events retained when none is configured.
const DefaultHistory = 100

// Event is a lifecycle notification.
type Event struct {
	Type      string `json:"type"`
	Level     string `json:"level"`
	Cloud     string `json:"cloud,omitempty"`
	Port      int    `json:"port,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	history     []Event
	maxHistory  int
}

// NewBroadcaster creates a broadcaster that remembers the last maxHistory
// events.
func NewBroadcaster(maxHistory int) *Broadcaster {
	if maxHistory <= 0 {
		maxHistory = DefaultHistory
	}
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
		maxHistory:  maxHistory,
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
}

// Publish records event and sends it to all subscribers. Non-blocking: drops
// events for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, event)
	if excess := len(b.history) - b.maxHistory; excess > 0 {
		b.history = append(b.history[:0:0], b.history[excess:]...)
	}
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordEvent(event.Level)
}

// History returns the retained events, oldest first.
func (b *Broadcaster) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
