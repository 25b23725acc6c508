// Package broadcast stamps every state mutation with a process-wide
// monotonic version and fans the resulting envelope out to subscribers.
package broadcast

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/agentlens/pkg/models"
)

// Subscriber is the capability a live connection exposes to the hub. Send
// must never block the caller; it reports false when the subscriber fell too
// far behind and should be detached. Close releases the subscriber after
// detach.
type Subscriber interface {
	Send(env models.Envelope) bool
	Close()
}

// Hub owns the global version counter and the fan-out set. Stamping and
// fan-out happen under one lock, so every subscriber observes envelopes in
// non-decreasing version order.
type Hub struct {
	mu      sync.Mutex
	version uint64
	subs    map[string]Subscriber
}

// NewHub creates a hub with the version counter at zero.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]Subscriber)}
}

// Version returns the current global version.
func (h *Hub) Version() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// Publish increments the version exactly once, stamps one envelope and
// delivers it to every subscriber. A subscriber whose Send reports failure
// is detached immediately; the producer never blocks on a slow client.
func (h *Hub) Publish(envType models.EnvelopeType, data any) models.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.version++
	env := models.Envelope{Type: envType, Data: data, Version: h.version}

	for id, sub := range h.subs {
		if !sub.Send(env) {
			delete(h.subs, id)
			sub.Close()
			log.Warn().
				Str("subscriberId", id).
				Uint64("version", env.Version).
				Msg("Detaching subscriber that fell behind")
		}
	}
	return env
}

// Subscribe registers a subscriber and hands it one initial full-state
// bundle stamped with the current version. The snapshot runs under the hub
// lock, so every envelope the subscriber receives afterwards carries a
// higher version than its bundle.
func (h *Hub) Subscribe(id string, sub Subscriber, snapshot func() any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	init := models.Envelope{
		Type:    models.EnvelopeInit,
		Data:    snapshot(),
		Version: h.version,
	}
	if !sub.Send(init) {
		sub.Close()
		return
	}
	h.subs[id] = sub

	log.Debug().
		Str("subscriberId", id).
		Uint64("version", init.Version).
		Int("totalSubscribers", len(h.subs)).
		Msg("Subscriber attached")
}

// Unsubscribe detaches and closes the subscriber. Detaching one connection
// has no effect on any other.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if ok {
		sub.Close()
	}

	log.Debug().
		Str("subscriberId", id).
		Int("totalSubscribers", count).
		Msg("Subscriber detached")
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Shutdown sends a terminal notice to every subscriber and detaches all of
// them.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.version++
	env := models.Envelope{Type: models.EnvelopeShutdown, Version: h.version}
	for id, sub := range h.subs {
		sub.Send(env)
		sub.Close()
		delete(h.subs, id)
	}
}
