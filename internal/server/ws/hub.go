// Package ws streams market events and trade lifecycle events to dashboard
// clients over websockets.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/probebot/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Channel names. Book channels are per token: "book:<token_id>".
const (
	ChannelTrades = "trades"
	ChannelStatus = "status"
	bookPrefix    = "book:"
)

var defaultChannels = []string{ChannelTrades, ChannelStatus, bookPrefix + "*"}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards are served from other origins; the API key guards the route.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Envelope is the JSON frame sent to clients.
type Envelope struct {
	Type    string    `json:"type"`
	Channel string    `json:"channel"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type outbound struct {
	channel string
	data    []byte
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	subs map[string]bool
}

type subscribeMsg struct {
	Action   string   `json:"action"` // subscribe | unsubscribe
	Channels []string `json:"channels"`
}

// Hub fans events out to connected clients. A client whose buffer is full
// misses messages rather than slowing the hub.
type Hub struct {
	mode      string
	startedAt time.Time
	logger    *slog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan outbound
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}

	dropped atomic.Uint64
}

func NewHub(mode string, logger *slog.Logger) *Hub {
	return &Hub{
		mode:       mode,
		startedAt:  time.Now(),
		logger:     logger.With(slog.String("component", "ws")),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan outbound, 256),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped counts frames not delivered because a buffer was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func encode(typ, channel string, at time.Time, payload any) ([]byte, error) {
	return json.Marshal(Envelope{Type: typ, Channel: channel, At: at.UTC(), Payload: payload})
}

// OnTradeEvent queues a lifecycle event. It matches position.Listener and
// never blocks.
func (h *Hub) OnTradeEvent(ev domain.TradeEvent) {
	data, err := encode(string(ev.Type), ChannelTrades, ev.At, ev)
	if err != nil {
		return
	}
	h.enqueue(outbound{channel: ChannelTrades, data: data})
}

// PublishStatus queues a status payload for every client on the status channel.
func (h *Hub) PublishStatus(payload any) {
	data, err := encode("status", ChannelStatus, time.Now(), payload)
	if err != nil {
		return
	}
	h.enqueue(outbound{channel: ChannelStatus, data: data})
}

func (h *Hub) enqueue(msg outbound) {
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
	}
}

// Run serves registrations and fans out market events from events (a bus
// consumer channel) plus queued trade and status frames, until ctx ends.
func (h *Hub) Run(ctx context.Context, events <-chan domain.MarketEvent) error {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("clients", n))

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			ev.Raw = nil
			channel := bookPrefix + ev.TokenID
			data, err := encode(string(ev.Kind), channel, ev.Timestamp, ev)
			if err != nil {
				continue
			}
			h.fanout(outbound{channel: channel, data: data})

		case msg := <-h.broadcast:
			h.fanout(msg)
		}
	}
}

func (h *Hub) fanout(msg outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(msg.channel) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			h.dropped.Add(1)
		}
	}
}

// HandleWS upgrades the connection and registers the client on the default
// channels.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool, len(defaultChannels)),
	}
	for _, ch := range defaultChannels {
		c.subs[ch] = true
	}
	if hello, err := encode("hello", ChannelStatus, time.Now(), map[string]any{
		"mode":     h.mode,
		"uptime_s": time.Since(h.startedAt).Seconds(),
		"channels": defaultChannels,
	}); err == nil {
		c.send <- hello
	}

	select {
	case h.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range msg.Channels {
		switch msg.Action {
		case "subscribe":
			c.subs[ch] = true
		case "unsubscribe":
			delete(c.subs, ch)
		}
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(raw, &msg) == nil && msg.Action != "" {
			c.apply(msg)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
