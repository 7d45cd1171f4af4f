// Package ws pushes position change events to chart and dashboard clients so
// they refetch after an import.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 64
)

// client represents a single WebSocket connection. A client sees every
// change event unless it narrowed its interest with a subscribe message.
type client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	mu          sync.RWMutex
	instruments map[string]bool
	accounts    map[string]bool
}

// subscribeMsg narrows (or with empty lists, resets) the groups a client
// receives events for.
//
//	{"action":"subscribe","instruments":["ESZ4"],"accounts":["SIM101"]}
type subscribeMsg struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
	Accounts    []string `json:"accounts"`
}

// envelope is the frame pushed to clients.
type envelope struct {
	Type    string             `json:"type"`
	Payload domain.ChangeEvent `json:"payload"`
}

// Hub fans change events from the signal bus out to connected clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan domain.ChangeEvent
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	done       chan struct{}
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a hub. allowedOrigins restricts browser origins; empty
// allows all.
func NewHub(bus domain.SignalBus, allowedOrigins []string, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan domain.ChangeEvent, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.With(slog.String("component", "ws_hub")),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run subscribes to the positions channel and serves the hub until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	events, err := h.bus.Subscribe(ctx, domain.ChannelPositions)
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "subscribed", slog.String("channel", domain.ChannelPositions))
	go h.forward(ctx, events)
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", n))

		case evt := <-h.broadcast:
			frame, err := json.Marshal(envelope{Type: evt.Event, Payload: evt})
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(evt) {
					continue
				}
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("dropping event for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// forward decodes bus payloads into change events.
func (h *Hub) forward(ctx context.Context, events <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-events:
			if !ok {
				h.logger.Warn("positions subscription closed")
				return
			}
			var evt domain.ChangeEvent
			if err := json.Unmarshal(data, &evt); err != nil {
				h.logger.Warn("undecodable change event", slog.String("error", err.Error()))
				continue
			}
			select {
			case h.broadcast <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump handles subscribe messages until the connection drops.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action == "subscribe" {
			c.subscribe(sub)
		}
	}
}

func (c *client) subscribe(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instruments = toSet(msg.Instruments, strings.ToUpper)
	c.accounts = toSet(msg.Accounts, strings.TrimSpace)
}

func toSet(values []string, norm func(string) string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[norm(v)] = true
	}
	return set
}

// wants reports whether the event's group passes the client's filters.
func (c *client) wants(evt domain.ChangeEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.instruments != nil && !c.instruments[evt.Instrument] {
		return false
	}
	if c.accounts != nil && !c.accounts[evt.Account] {
		return false
	}
	return true
}

// writePump sends queued frames as text messages and keeps the connection
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
