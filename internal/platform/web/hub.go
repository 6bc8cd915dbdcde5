package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StatusHub pushes periodic status snapshots to websocket clients.
type StatusHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewStatusHub creates an empty hub.
func NewStatusHub() *StatusHub {
	return &StatusHub{clients: make(map[*websocket.Conn]struct{})}
}

// ServeHTTP upgrades the connection and keeps it registered until the client
// disconnects.
func (h *StatusHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	slog.Info("Status client connected", "remoteAddr", conn.RemoteAddr())
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		slog.Info("Status client disconnected", "remoteAddr", conn.RemoteAddr())
		h.remove(conn)
	}()

	// Reads only detect the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Clients returns the number of connected clients.
func (h *StatusHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast writes v as JSON to every client, dropping clients that fail.
func (h *StatusHub) Broadcast(v any) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteJSON(v); err != nil {
			slog.Debug("Failed to write to websocket", "remoteAddr", c.RemoteAddr(), "error", err)
			h.remove(c)
		}
	}
}

func (h *StatusHub) remove(c *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Run broadcasts snapshot() every interval until ctx is cancelled. Ticks with
// no connected clients are skipped.
func (h *StatusHub) Run(ctx context.Context, interval time.Duration, snapshot func(context.Context) (any, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
			}
			clear(h.clients)
			h.mu.Unlock()
			return
		case <-ticker.C:
			if h.Clients() == 0 {
				continue
			}
			v, err := snapshot(ctx)
			if err != nil {
				slog.Debug("Skipping status broadcast", "error", err)
				continue
			}
			h.Broadcast(v)
		}
	}
}
