// Package events provides an in-process broadcaster for transfer progress
// and completion notifications. Events carry a caller-supplied correlation
// id; the API layer bridges them to an SSE stream.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/objcat/objcat/internal/catalog"
	"github.com/objcat/objcat/internal/metrics"
)

const (
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
)

// Event represents one progress notification for a long-running transfer.
type Event struct {
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlationId"`
	Basename      string         `json:"basename,omitempty"`
	Loaded        int64          `json:"loaded,omitempty"`
	Total         int64          `json:"total,omitempty"`
	Entry         *catalog.Entry `json:"entry,omitempty"`
	Message       string         `json:"message,omitempty"`
	Timestamp     int64          `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes transfer events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	metrics.SetEventSubscribers(int64(b.Count()))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetEventSubscribers(int64(b.Count()))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordEvent(event.Type)
}

// Progress publishes a progress event for a transfer.
func (b *Broadcaster) Progress(correlationID, basename string, loaded, total int64) {
	b.Publish(Event{
		Type:          EventProgress,
		CorrelationID: correlationID,
		Basename:      basename,
		Loaded:        loaded,
		Total:         total,
	})
}

// Complete publishes a completion event carrying the final entry state.
func (b *Broadcaster) Complete(correlationID string, entry *catalog.Entry) {
	b.Publish(Event{
		Type:          EventComplete,
		CorrelationID: correlationID,
		Entry:         entry,
	})
}

// Failed publishes an error event for a transfer.
func (b *Broadcaster) Failed(correlationID, basename string, err error) {
	b.Publish(Event{
		Type:          EventError,
		CorrelationID: correlationID,
		Basename:      basename,
		Message:       err.Error(),
	})
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
