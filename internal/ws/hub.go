// Package ws delivers live queries over websockets. Each connection runs a
// read pump and a write pump; subscriptions ride the broker, and every
// delivered frame is a full snapshot of the subscribed topic, so clients
// never reconstruct state from diffs.
package ws

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"chatsync/internal/broker"
	"chatsync/internal/store"
	"chatsync/internal/typing"
)

// Hub tracks connected clients. Multiple connections per user are allowed
// (one per tab or device); each holds its own subscriptions.
type Hub struct {
	// Registered clients: UserID -> connection id -> Client
	clients map[string]map[string]*Client

	Register   chan *Client
	Unregister chan *Client

	store   store.Store
	broker  *broker.Broker
	tracker *typing.Tracker
	log     *zap.Logger

	onClientCount func(delta int)

	mu sync.RWMutex
}

func NewHub(st store.Store, b *broker.Broker, tracker *typing.Tracker, log *zap.Logger) *Hub {
	return &Hub{
		clients:       make(map[string]map[string]*Client),
		Register:      make(chan *Client),
		Unregister:    make(chan *Client),
		store:         st,
		broker:        b,
		tracker:       tracker,
		log:           log,
		onClientCount: func(int) {},
	}
}

// OnClientCount installs a hook invoked with +1/-1 as clients come and go,
// so metrics can track the gauge without the hub importing them.
func (h *Hub) OnClientCount(fn func(delta int)) {
	h.onClientCount = fn
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			if _, ok := h.clients[client.UserID()]; !ok {
				h.clients[client.UserID()] = make(map[string]*Client)
			}
			h.clients[client.UserID()][client.connID] = client
			h.mu.Unlock()
			h.onClientCount(1)
			h.log.Info("client registered",
				zap.String("user", client.UserID()), zap.String("conn", client.connID))

		case client := <-h.Unregister:
			h.mu.Lock()
			removed := false
			if conns, ok := h.clients[client.UserID()]; ok {
				if _, ok := conns[client.connID]; ok {
					delete(conns, client.connID)
					removed = true
					if len(conns) == 0 {
						delete(h.clients, client.UserID())
					}
				}
			}
			h.mu.Unlock()
			if removed {
				client.teardown()
				h.onClientCount(-1)
				h.log.Info("client unregistered",
					zap.String("user", client.UserID()), zap.String("conn", client.connID))
			}
		}
	}
}

// isTypingPath reports whether deliveries for this path carry typing markers
// and need TTL filtering before they reach the client.
func isTypingPath(p store.Path) bool {
	return strings.HasPrefix(string(p), "typing/")
}
