// Package bus fans typed link events out to subscribers: the persistence
// ingest loop, the WebSocket API, and anything else that wants to observe
// the radio link without touching it.
package bus

import (
	"sync"
	"time"
)

// EventType classifies an event for subscribers.
type EventType string

const (
	EventLinkState      EventType = "link_state"
	EventPeerDiscovered EventType = "peer_discovered"
	EventMessage        EventType = "message"
	EventNodeUpdate     EventType = "node_update"
	EventMyInfo         EventType = "my_info"
	EventConfigUpdate   EventType = "config_update"
	EventLogLine        EventType = "log_line"
	EventQueueStatus    EventType = "queue_status"
	EventRequest        EventType = "request"
	EventError          EventType = "error"
)

// Event is the JSON-serialisable envelope delivered to subscribers.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// subscriber holds a buffered channel for one consumer.
type subscriber struct {
	ch chan Event
}

// Bus fans events out to all registered subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event and catches up
// through the queryable snapshots instead.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// New constructs a ready Bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a consumer. The returned unsubscribe function must be
// called when the consumer goes away; it closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		_, ok := b.subs[s]
		delete(b.subs, s)
		b.mu.Unlock()
		if ok {
			close(s.ch)
		}
	}
	return s.ch, unsub
}

// Publish delivers an Event to all current subscribers, in publish order
// per subscriber. Slow consumers are skipped.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			// Slow consumer - drop silently.
		}
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
