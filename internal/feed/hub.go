// Package feed pushes session events to connected interviewer consoles.
package feed

import (
	"log/slog"
	"sync"

	"github.com/ashureev/livepanel/internal/domain"
)

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 64

// Subscriber receives the events of one session.
type Subscriber struct {
	sessionID string
	ch        chan domain.Event
}

// C returns the event channel. It is closed on Unsubscribe.
func (s *Subscriber) C() <-chan domain.Event { return s.ch }

// Hub fans appended events out to subscribers. A slow subscriber loses
// events rather than blocking the writer; it can catch up from the log.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscriber]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub creates a Hub.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[string]map[*Subscriber]struct{}), buffer: buffer, logger: logger}
}

// Subscribe registers a subscriber for sessionID.
func (h *Hub) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{sessionID: sessionID, ch: make(chan domain.Event, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sessionID]; !ok {
		h.subs[sessionID] = make(map[*Subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subs, sub.sessionID)
	}
	close(sub.ch)
}

// Publish implements eventlog.Notifier.
func (h *Hub) Publish(evt domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[evt.SessionID] {
		select {
		case sub.ch <- evt:
		default:
			h.logger.Warn("Feed subscriber is behind, dropping event",
				"session_id", evt.SessionID,
				"seq", evt.Seq,
				"event_type", evt.Type)
		}
	}
}

// Subscribers returns the number of subscribers for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
