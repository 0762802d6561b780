package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/jmgilman/examparse/internal/bridge"
	"github.com/jmgilman/examparse/internal/slogger"
)

const (
	// SettingsChanged is the event name for settings file updates.
	SettingsChanged = "settings-changed"

	// DefaultQueue is the per-client outbound queue length.
	DefaultQueue = 64

	// writeTimeout is max time to write one message to a client.
	writeTimeout = 10 * time.Second
)

// Message is the envelope for every WebSocket frame.
type Message struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Hub fans events out to connected WebSocket clients. It implements
// bridge.Sink: Emit never blocks and never fails. A client whose queue is
// full misses that message; a client whose write fails is disconnected.
type Hub struct {
	log     *slog.Logger
	queue   int
	origins []string

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	dropped atomic.Int64
}

type client struct {
	send chan []byte
	gone chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.gone) })
}

// NewHub creates a hub. A queue of zero means DefaultQueue. Origins are
// extra host patterns allowed to open cross-origin connections.
func NewHub(ctx context.Context, queue int, origins ...string) *Hub {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Hub{
		log:     slogger.L(ctx),
		queue:   queue,
		origins: origins,
		clients: make(map[*client]struct{}),
	}
}

// Emit broadcasts a worker output line.
func (h *Hub) Emit(e bridge.Event) {
	h.Broadcast(bridge.EventName, e)
}

// Broadcast queues one message for every connected client.
func (h *Hub) Broadcast(event string, payload any) {
	data, err := json.Marshal(Message{Event: event, Payload: payload})
	if err != nil {
		h.log.Warn("encode event", "event", event, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns the number of deliveries lost to full queues or failed writes.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) add() *client {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	c := &client{
		send: make(chan []byte, h.queue),
		gone: make(chan struct{}),
	}
	h.clients[c] = struct{}{}
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients, c)
	c.close()
}

// ServeHTTP upgrades the request and pumps queued messages to the client
// until it disconnects, a write fails or the hub is closed. Client frames
// are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.log.Debug("websocket accept", "error", err)
		return
	}

	c := h.add()
	if c == nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(c)

	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-c.gone:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.dropped.Add(1)
				h.log.Debug("websocket write failed, dropping client", "error", err)
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
