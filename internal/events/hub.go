// Package events is the dispatcher's debug channel: an in-memory pub/sub hub
// that keeps the most recent events so late subscribers (SSE clients, the
// watch TUI) can catch up. Nothing here is durable.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the dispatcher.
const (
	TypeReaderAdded     = "reader.added"
	TypeDispatchOutcome = "dispatch.outcome"
	TypeDispatchData    = "dispatch.data"
)

const (
	defaultBacklog   = 100
	subscriberBuffer = 128
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub fans events out to subscribers. A subscriber whose buffer is full
// misses the event; Publish never blocks.
type Hub struct {
	now func() time.Time

	mu      sync.Mutex
	lastID  int64
	backlog []Event
	limit   int
	subs    map[chan Event]struct{}
}

// NewHub returns a hub that retains the last backlog events
// (defaultBacklog when backlog <= 0).
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{
		now:     time.Now,
		backlog: make([]Event, 0, backlog),
		limit:   backlog,
		subs:    make(map[chan Event]struct{}),
	}
}

// Publish records data under eventType and delivers it. Values that fail to
// marshal become {}. Publishing on a nil hub is a no-op.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	payload := encode(data)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: h.now().UTC(), Data: payload}

	if len(h.backlog) == h.limit {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:h.limit-1]
	}
	h.backlog = append(h.backlog, ev)

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func encode(data any) json.RawMessage {
	if raw, ok := data.(json.RawMessage); ok && len(raw) > 0 {
		return raw
	}
	if data == nil {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(data)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// Subscribe registers a listener for future events. The returned func
// removes it and closes the channel; calling it twice is safe.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// SnapshotSince returns retained events newer than lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Event
	for _, ev := range h.backlog {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers reports how many listeners are registered.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
