package dht

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one entry on the node's event feed, consumed by the local API's
// websocket stream.
type Event struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"` // "peer_added", "record_stored", "lookup_done", "punch_result", ...
	Detail string    `json:"detail"`
	Time   time.Time `json:"time"`
}

// feedBuffer is the per-subscriber channel depth; a subscriber that falls
// further behind loses events rather than blocking the node.
const feedBuffer = 64

// Feed is a fan-out broadcaster of node events.
type Feed struct {
	mu   sync.Mutex
	subs map[string]chan Event
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[string]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. Cancel closes the channel.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	id := uuid.New().String()
	ch := make(chan Event, feedBuffer)

	f.mu.Lock()
	f.subs[id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if existing, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(existing)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Publish stamps and delivers an event to every subscriber, dropping it
// for subscribers whose buffers are full.
func (f *Feed) Publish(eventType, detail string) {
	ev := Event{
		ID:     uuid.New().String(),
		Type:   eventType,
		Detail: detail,
		Time:   time.Now(),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
