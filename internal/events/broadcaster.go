// Package events fans out operation and editing events to in-process
// subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/docspace/internal/metrics"
)

const (
	EventOperationProgress = "operation.progress"
	EventOperationFinished = "operation.finished"
	EventEditStarted       = "edit.started"
	EventEditFinished      = "edit.finished"
	EventFileSaved         = "file.saved"
	EventFileLocked        = "file.locked"
	EventFileUnlocked      = "file.unlocked"
	EventFileReverted      = "file.reverted"
)

// Event is one notification. Fields not relevant to Type are empty.
type Event struct {
	Type        string `json:"type"`
	Actor       string `json:"actor,omitempty"`
	Entry       string `json:"entry,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
	State       string `json:"state,omitempty"`
	Percent     int    `json:"percent,omitempty"`
	Version     int    `json:"version,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Publisher is the sending half of a broadcaster.
type Publisher interface {
	Publish(event Event)
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]string
}

var _ Publisher = (*Broadcaster)(nil)

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]string),
	}
}

// Subscribe adds a subscriber receiving every event. The caller must call
// Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	return b.SubscribeActor("")
}

// SubscribeActor adds a subscriber receiving the events of one actor, or
// every event when actor is empty.
func (b *Broadcaster) SubscribeActor(actor string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = actor
	b.mu.Unlock()
	metrics.SetEventSubscribers(b.Count())
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
	metrics.SetEventSubscribers(b.Count())
}

// Publish sends an event to matching subscribers. Non-blocking: events
// for slow consumers are dropped.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, actor := range b.subscribers {
		if actor != "" && actor != event.Actor {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordEvent(event.Type)
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

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
