package broadcast

import (
	"sync"

	"github.com/bothive/bothive/pkg/logging"

	"github.com/google/uuid"
)

// EventKind discriminates broadcast events.
type EventKind string

const (
	// EventKindLine is a tagged text line from a unit's process or a
	// supervisor lifecycle notice.
	EventKindLine EventKind = "line"

	// EventKindRegistryChanged is a coarse signal with no payload;
	// observers are expected to re-fetch the unit listing.
	EventKindRegistryChanged EventKind = "registryChanged"
)

// Event is what observers receive.
type Event struct {
	Kind    EventKind `json:"kind"`
	Unit    string    `json:"unit,omitempty"`
	Text    string    `json:"text,omitempty"`
	IsError bool      `json:"isError,omitempty"`
}

// Hub fans events out to every current observer. Publishing never blocks:
// an observer that cannot keep up has events dropped on its channel, and a
// publish can never fail the operation that triggered it. There is no
// history; observers only see events published after they subscribe.
type Hub struct {
	logger logging.Logger

	mutex       sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
}

const defaultBufferSize = 64

// NewHub creates a hub with the default per-observer buffer.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		logger:      logger,
		subscribers: make(map[string]chan Event),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a new observer and returns its ID and event channel.
// The channel is closed on Unsubscribe.
func (h *Hub) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, h.bufferSize)

	h.mutex.Lock()
	h.subscribers[id] = ch
	h.mutex.Unlock()

	h.logger.Debugf("Observer subscribed, id: %s", id)
	return id, ch
}

// Unsubscribe removes an observer and closes its channel. Unknown IDs are
// ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mutex.Lock()
	ch, exists := h.subscribers[id]
	if exists {
		delete(h.subscribers, id)
	}
	h.mutex.Unlock()

	if exists {
		close(ch)
		h.logger.Debugf("Observer unsubscribed, id: %s", id)
	}
}

// Publish delivers a tagged line to every current observer.
func (h *Hub) Publish(unit, text string, isError bool) {
	h.broadcast(Event{
		Kind:    EventKindLine,
		Unit:    unit,
		Text:    text,
		IsError: isError,
	})
}

// PublishRegistryChanged signals that the unit listing changed.
func (h *Hub) PublishRegistryChanged() {
	h.broadcast(Event{Kind: EventKindRegistryChanged})
}

// SubscriberCount returns the number of current observers.
func (h *Hub) SubscriberCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) broadcast(event Event) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for id, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Slow observer: drop rather than block the publisher.
			h.logger.Warnf("Observer buffer full, dropping event, id: %s", id)
		}
	}
}
