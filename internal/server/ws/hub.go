// Package ws bridges signal bus channels to dashboard websocket clients.
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

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// HistoryChannel carries stream entries replayed to a reconnecting
	// client.
	HistoryChannel = "history"
)

// DefaultChannels are the bus channels forwarded to clients.
var DefaultChannels = []string{"positions", "cycles", "alerts"}

// StatusFunc produces the status frame sent to each client on connect.
type StatusFunc func(ctx context.Context) (any, error)

// Envelope is the frame written to clients.
type Envelope struct {
	Channel string          `json:"channel"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data"`
}

type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// Hub fans bus messages out to connected clients subscribed to the
// message's channel.
type Hub struct {
	bus      domain.SignalBus
	channels []string
	status   StatusFunc
	logger   *slog.Logger
	upgrader websocket.Upgrader

	replayStream string
	replayMax    int

	mu         sync.RWMutex
	clients    map[*client]struct{}
	broadcast  chan Envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
}

// NewHub creates a Hub. channels defaults to DefaultChannels; status may be
// nil. allowedOrigins restricts upgrades; empty allows every origin.
func NewHub(bus domain.SignalBus, channels []string, status StatusFunc, allowedOrigins []string, logger *slog.Logger) *Hub {
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	h := &Hub{
		bus:        bus,
		channels:   channels,
		status:     status,
		logger:     logger.With(slog.String("component", "ws_hub")),
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan Envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// WithReplay lets clients connecting with ?since=<id> receive up to max
// entries of stream newer than id before live frames. since=0 replays from
// the start of the stream.
func (h *Hub) WithReplay(stream string, max int) *Hub {
	h.replayStream = stream
	h.replayMax = max
	return h
}

// Run subscribes to the bus and serves clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for _, ch := range h.channels {
		go h.forward(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
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
			h.logger.Debug("ws: client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws: client disconnected", slog.Int("clients", n))

		case env := <-h.broadcast:
			frame, err := json.Marshal(env)
			if err != nil {
				h.logger.Warn("ws: encode frame", slog.String("channel", env.Channel), slog.String("error", err.Error()))
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.subscribed(env.Channel) {
					continue
				}
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("ws: slow client, frame dropped", slog.String("channel", env.Channel))
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) forward(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: subscribe failed", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case h.broadcast <- Envelope{Channel: channel, Data: rawJSON(data)}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client on every hub
// channel. GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize), subs: make(map[string]bool)}
	for _, ch := range h.channels {
		c.subs[ch] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	h.sendStatus(r.Context(), c)
	h.replay(r.Context(), c, r.URL.Query().Get("since"))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) sendStatus(ctx context.Context, c *client) {
	if h.status == nil {
		return
	}
	v, err := h.status(ctx)
	if err != nil {
		h.logger.Warn("ws: status snapshot failed", slog.String("error", err.Error()))
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	frame, err := json.Marshal(Envelope{Channel: "status", Data: data})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (h *Hub) replay(ctx context.Context, c *client, since string) {
	if h.replayStream == "" || since == "" {
		return
	}
	msgs, err := h.bus.StreamRead(ctx, h.replayStream, since, h.replayMax)
	if err != nil {
		h.logger.Warn("ws: replay failed", slog.String("stream", h.replayStream), slog.String("error", err.Error()))
		return
	}
	for _, m := range msgs {
		frame, err := json.Marshal(Envelope{Channel: HistoryChannel, ID: m.ID, Data: rawJSON(m.Payload)})
		if err != nil {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("ws: replay truncated", slog.String("stream", h.replayStream), slog.String("last_id", m.ID))
			return
		}
	}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
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
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(message, &msg); err == nil {
			c.apply(msg)
		}
	}
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

func (c *client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

// rawJSON passes valid JSON through and quotes anything else.
func rawJSON(data []byte) json.RawMessage {
	if json.Valid(data) {
		return data
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.ToLower(strings.TrimSpace(o))
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[strings.ToLower(origin)]
	}
}
