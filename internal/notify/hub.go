package notify

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lyger/matsuri-monitor/internal/constants"
	"github.com/lyger/matsuri-monitor/internal/metrics"
	"github.com/lyger/matsuri-monitor/internal/report"
	"go.uber.org/zap"
)

const (
	MessageTypeAlert = "alert"
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"

	pongWait       = 60 * time.Second
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

var clientIDCounter atomic.Uint64

// Hub keeps the set of websocket subscribers and broadcasts alerts to them.
type Hub struct {
	mu         sync.Mutex
	clients    map[*client]struct{}
	broadcast  chan Message
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	logger     *zap.Logger

	done     chan struct{}
	doneOnce sync.Once
}

// NewHub accepts connections from the given origins; "*" or an empty list allows any.
func NewHub(allowedOrigins []string, logger *zap.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan Message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

func (h *Hub) String() string {
	return "websocket-hub"
}

// Serve runs the hub loop until ctx is done, then closes every client.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.doneOnce.Do(func() { close(h.done) })
			n := h.closeAll()
			h.logger.Info("Websocket hub stopped", zap.Int("clients_closed", n))
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Debug("Websocket client connected", zap.Uint64("client", c.id), zap.Int("clients", n))

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

func (h *Hub) deliver(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Slow subscriber.
			delete(h.clients, c)
			close(c.send)
		}
	}
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

func (h *Hub) closeAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.clients)
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	metrics.WebSocketClients.Set(0)
	return n
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Notify queues each alert for broadcast. Alerts are dropped when the queue is full.
func (h *Hub) Notify(_ context.Context, alerts []report.Alert) {
	for _, a := range alerts {
		select {
		case h.broadcast <- Message{Type: MessageTypeAlert, Data: a}:
		default:
			h.logger.Warn("Websocket broadcast queue full, dropping alert", zap.String("video_id", a.VideoID))
		}
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   clientIDCounter.Add(1),
		hub:  h,
		conn: conn,
		send: make(chan Message, sendBuffer),
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

type client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	send chan Message
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Unexpected websocket close", zap.Uint64("client", c.id), zap.Error(err))
			}
			return
		}
		if msg.Type == MessageTypePing {
			select {
			case c.send <- Message{Type: MessageTypePong}:
			default:
			}
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(constants.ServerConfig.WebSocketPing)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.ServerConfig.WebSocketWrite))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.ServerConfig.WebSocketWrite))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
