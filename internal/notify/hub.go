// Package notify fans session events out to connected subscribers.
package notify

import (
	"sync"

	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/models"
)

// Publisher delivers an event to everyone watching a session. Delivery is
// best effort and must never block the caller.
type Publisher interface {
	Publish(sessionID string, ev models.Event)
}

type PublisherFunc func(sessionID string, ev models.Event)

func (f PublisherFunc) Publish(sessionID string, ev models.Event) { f(sessionID, ev) }

// Subscription receives the events of one session. C is closed on Close.
type Subscription struct {
	C         <-chan models.Event
	ch        chan models.Event
	sessionID string
	hub       *Hub
	once      sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub is an in-process registry of subscribers per session. Subscribe and
// Close are the only mutations.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	log    *zap.Logger
}

func NewHub(buffer int, log *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer, log: log.Named("hub")}
}

func (h *Hub) Subscribe(sessionID string) *Subscription {
	ch := make(chan models.Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, sessionID: sessionID, hub: h}

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.sessionID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.sessionID)
	}
	close(sub.ch)
}

// Publish delivers to the local subscribers. A full subscriber buffer drops the event.
func (h *Hub) Publish(sessionID string, ev models.Event) {
	if ev.SessionID == "" {
		ev.SessionID = sessionID
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[sessionID] {
		select {
		case sub.ch <- ev:
		default:
			h.log.Warn("dropping event for slow subscriber",
				zap.String("session_id", sessionID), zap.String("type", string(ev.Type)))
		}
	}
}

// Subscribers reports how many subscribers watch sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Fanout publishes to every target in order.
type Fanout []Publisher

func (f Fanout) Publish(sessionID string, ev models.Event) {
	for _, p := range f {
		p.Publish(sessionID, ev)
	}
}
