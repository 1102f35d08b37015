// Package ws exposes EventBus.Subscribe to external consumers over a
// WebSocket connection. Adapted from the reference control plane's
// MetricsHub (register/unregister channels, connection cap, non-blocking
// broadcast), generalized from periodic dashboard-metrics snapshots to
// per-event RunEvent delivery.
package ws

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentsdashboard/orchestrator-core/internal/eventbus"
)

const maxWSConnections = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub bridges EventBus subscriptions to WebSocket connections.
type Hub struct {
	bus   *eventbus.Bus
	mu    sync.RWMutex
	conns map[*websocket.Conn]*eventbus.Subscription
}

// NewHub returns a Hub delivering events from bus.
func NewHub(bus *eventbus.Bus) *Hub {
	return &Hub{bus: bus, conns: make(map[*websocket.Conn]*eventbus.Subscription)}
}

// ServeHTTP upgrades the request and registers a new subscription scoped to
// the runIds query parameter (repeated `runId=` values), or all runs if
// none given.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] ❌ upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	if len(h.conns) >= maxWSConnections {
		h.mu.Unlock()
		log.Printf("[WS] ⚠️ connection rejected: max connections (%d) reached", maxWSConnections)
		conn.Close()
		return
	}
	runIDs := r.URL.Query()["runId"]
	sub := h.bus.Subscribe(runIDs)
	h.conns[conn] = sub
	h.mu.Unlock()

	log.Printf("[WS] client registered (scope=%v). total=%d", runIDs, h.connCount())

	go h.pump(conn, sub)
}

func (h *Hub) pump(conn *websocket.Conn, sub *eventbus.Subscription) {
	defer h.unregister(conn, sub)
	for event := range sub.Events() {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("[WS] write error, unregistering: %v", err)
			return
		}
	}
}

func (h *Hub) unregister(conn *websocket.Conn, sub *eventbus.Subscription) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	sub.Unsubscribe()
	conn.Close()
	log.Printf("[WS] client unregistered. total=%d", h.connCount())
}

func (h *Hub) connCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown closes every live connection.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("[WS] shutting down hub with %d clients", len(h.conns))
	for conn, sub := range h.conns {
		sub.Unsubscribe()
		conn.Close()
	}
	h.conns = make(map[*websocket.Conn]*eventbus.Subscription)
}
