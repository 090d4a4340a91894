package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 50 * time.Second
	sendBuffer   = 256
)

// Message is the JSON frame sent to websocket clients.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// HubConfig controls per-client pacing.
type HubConfig struct {
	// RatePerSec bounds frames per second per client; 0 disables pacing.
	RatePerSec int `mapstructure:"rate_per_sec"`
	Burst      int `mapstructure:"burst"`
}

type client struct {
	id      string
	userID  int64
	page    string
	conn    *ws.Conn
	send    chan []byte
	limiter *rate.Limiter
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub keeps the connected websocket clients and implements Notifier.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	upgrader ws.Upgrader
	cfg      HubConfig
	logger   *slog.Logger
}

func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*client),
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		cfg:    cfg,
		logger: logger.With("component", "ws_hub"),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers the connection for userID viewing page.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID int64, page string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{
		id:     uuid.NewString(),
		userID: userID,
		page:   page,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	if h.cfg.RatePerSec > 0 {
		burst := h.cfg.Burst
		if burst <= 0 {
			burst = h.cfg.RatePerSec
		}
		c.limiter = rate.NewLimiter(rate.Limit(h.cfg.RatePerSec), burst)
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("client connected", "client_id", c.id, "user_id", userID, "page", page)

	go h.writeLoop(c)
	go h.readLoop(c)
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		c.close()
	}
	h.mu.Unlock()
}

// readLoop only services control frames; clients do not send data.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
		h.logger.Debug("client disconnected", "client_id", c.id)
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = c.conn.WriteMessage(ws.CloseMessage, nil)
				return
			}
			if c.limiter != nil {
				_ = c.limiter.Wait(context.Background())
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(ws.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(ws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) broadcast(match func(*client) bool, event string, payload any) {
	b, err := json.Marshal(Message{Event: event, Data: payload})
	if err != nil {
		h.logger.Warn("encode notification", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !match(c) {
			continue
		}
		select {
		case c.send <- b:
		default:
			// slow consumer; drop the frame rather than block producers
			h.logger.Debug("dropping frame for slow client", "client_id", c.id, "event", event)
		}
	}
}

func (h *Hub) BroadcastToUser(userID int64, event string, payload any) {
	h.broadcast(func(c *client) bool { return c.userID == userID }, event, payload)
}

func (h *Hub) BroadcastToPage(page string, event string, payload any) {
	h.broadcast(func(c *client) bool { return c.page == page }, event, payload)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}
