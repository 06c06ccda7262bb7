// Package ws pushes fleet notifications to connected operator consoles over
// websockets.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"tradefleet/internal/models"
)

// Hub fans notifications out to every connected client. It satisfies the
// fleet's Notifier interface and never blocks the caller: a client that
// cannot keep up is dropped.
type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Run is the hub's event loop; run it in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("console connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("console disconnected", "total", total)

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var slow []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					slow = append(slow, client)
				}
			}

			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
				h.logger.Warn("dropped slow consoles", "count", len(slow))
			}
		}
	}
}

// Notify implements the fleet Notifier. Encoding failures are logged and the
// event is skipped; a full broadcast queue drops the event rather than stall
// the fleet.
func (h *Hub) Notify(n models.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("could not encode notification", "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("notification queue full, event dropped", "event", n.Event)
	}
}
