// Package provider holds building blocks shared by identity provider
// backends.
package provider

import (
	"sync"

	"github.com/porthorian/recipebox/pkg/session"
)

type subscriber struct {
	id       uint64
	listener session.Listener
}

type notification struct {
	event   session.Event
	session *session.Session
}

// Hub fans push events out to listeners in subscription order. Events are
// delivered one at a time in publish order; a Publish made while another
// delivery is running, including from inside a listener, is queued behind it.
type Hub struct {
	mu          sync.Mutex
	subscribers []subscriber
	nextID      uint64
	pending     []notification
	dispatching bool
}

func (h *Hub) Subscribe(listener session.Listener) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subscribers = append(h.subscribers, subscriber{id: id, listener: listener})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, sub := range h.subscribers {
				if sub.id == id {
					h.subscribers = append(h.subscribers[:i:i], h.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

func (h *Hub) Publish(event session.Event, sess *session.Session) {
	h.mu.Lock()
	h.pending = append(h.pending, notification{event: event, session: sess})
	if h.dispatching {
		h.mu.Unlock()
		return
	}
	h.dispatching = true

	for len(h.pending) > 0 {
		next := h.pending[0]
		h.pending = h.pending[1:]
		subscribers := make([]subscriber, len(h.subscribers))
		copy(subscribers, h.subscribers)
		h.mu.Unlock()

		for _, sub := range subscribers {
			sub.listener(next.event, next.session)
		}

		h.mu.Lock()
	}
	h.dispatching = false
	h.mu.Unlock()
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
