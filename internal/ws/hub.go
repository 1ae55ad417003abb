// Package ws fans deployment lifecycle events out to streaming clients.
// Subscriptions are keyed by organisation so tenants only ever observe
// their own records.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/martocorp/deployment-queue-api/internal/domain"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Event is the envelope written to every subscriber of an organisation.
type Event struct {
	Type       string             `json:"type"`
	Timestamp  time.Time          `json:"timestamp"`
	Deployment *domain.Deployment `json:"deployment"`
}

// Event types emitted by the lifecycle engine.
const (
	EventCreated    = "deployment.created"
	EventUpdated    = "deployment.updated"
	EventSkipped    = "deployment.skipped"
	EventRolledBack = "deployment.rolled_back"
)

// Hub manages event stream subscriptions by organisation.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

type message struct {
	organisation string
	payload      []byte
}

type subscription struct {
	organisation string
	client       Subscriber
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.organisation]; !ok {
				h.clients[sub.organisation] = make(map[Subscriber]struct{})
			}
			h.clients[sub.organisation][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.organisation]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.organisation)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.organisation]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.organisation)
				}
			}
		}
	}
}

// Register adds a client to an organisation's stream.
func (h *Hub) Register(organisation string, client Subscriber) {
	h.register <- subscription{organisation: organisation, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(organisation string, client Subscriber) {
	h.unreg <- subscription{organisation: organisation, client: client}
}

// Broadcast sends a raw payload to all of the organisation's clients.
func (h *Hub) Broadcast(organisation string, payload []byte) {
	h.broadcast <- message{organisation: organisation, payload: payload}
}

// Publish serializes an event and broadcasts it to the deployment's
// organisation. Marshal failures are silently dropped; event delivery is
// best-effort and never blocks a lifecycle transition.
func (h *Hub) Publish(eventType string, d *domain.Deployment) {
	payload, err := json.Marshal(Event{
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		Deployment: d,
	})
	if err != nil {
		return
	}
	h.Broadcast(d.Organisation, payload)
}
