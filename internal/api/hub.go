package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/stillwatch/internal/session"
	"github.com/mikeyg42/stillwatch/internal/types"
)

const (
	clientBuffer    = 32
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxClientMsg    = 512
	detectionPeriod = time.Second
)

// Message is one websocket frame sent to dashboard clients
type Message struct {
	Type string    `json:"type"` // detection, session
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Hub fans detections and session events out to websocket clients. Slow
// clients lose messages instead of blocking the capture goroutine.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	// detection throttling
	lastSent     time.Time
	lastActivity bool
	lastDisc     bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub creates a hub. allowedOrigins empty means same-origin only.
func NewHub(allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	h := &Hub{
		logger:  logger.Named("hub"),
		now:     time.Now,
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origins[origin] {
				return true
			}
			return sameOrigin(r, origin)
		},
	}
	return h
}

// ServeHTTP upgrades the connection and registers the client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("Websocket client connected", zap.String("remote", r.RemoteAddr), zap.Int("clients", n))

	go h.writePump(c)
	go h.readPump(c)
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// OnDetection implements session.Observer. Results are forwarded when the
// activity state changes and otherwise at most once per second.
func (h *Hub) OnDetection(r types.DetectionResult) {
	now := h.now()
	h.mu.Lock()
	changed := r.ActivityDetected != h.lastActivity || r.Disconnected != h.lastDisc
	if !changed && now.Sub(h.lastSent) < detectionPeriod {
		h.mu.Unlock()
		return
	}
	h.lastSent = now
	h.lastActivity = r.ActivityDetected
	h.lastDisc = r.Disconnected
	h.mu.Unlock()

	h.Broadcast(Message{Type: "detection", Time: now, Data: r})
}

// OnSessionEvent implements session.Listener
func (h *Hub) OnSessionEvent(ev session.Event) {
	h.Broadcast(Message{Type: "session", Time: ev.At, Data: ev})
}

// Broadcast queues msg for every client, dropping it for clients whose
// buffer is full.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode websocket message", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("Websocket client buffer full, message dropped", zap.String("type", msg.Type))
		}
	}
}

// Close disconnects every client and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Websocket client disconnected", zap.Int("clients", n))
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("Websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client input and detects disconnects
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(maxClientMsg)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("Websocket error", zap.Error(err))
			}
			return
		}
	}
}

func sameOrigin(r *http.Request, origin string) bool {
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
