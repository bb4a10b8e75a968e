// Package ws streams auction events to browser clients over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4096
	sendBufferSize = 256

	defaultReplay = 500
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origins are enforced by the CORS middleware.
		return true
	},
}

// StatusSource supplies the snapshot sent to clients on connect.
type StatusSource interface {
	Status(ctx context.Context) (domain.AuctionStatus, error)
}

// Config names the auction's pub/sub channel and replay stream.
type Config struct {
	AuctionID string
	Channel   string
	LogStream string
	Replay    int // max events replayed on connect; 0 uses the default
}

// envelope is the frame format sent to clients.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// filterMsg lets a client narrow the event kinds it receives. An empty
// kinds list restores everything.
type filterMsg struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Kinds  []string `json:"kinds"`
}

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	kinds map[domain.EventKind]bool
	mu    sync.RWMutex
}

// Hub relays auction events from the signal bus to connected clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	status     StatusSource
	cfg        Config
	mu         sync.RWMutex
	logger     *slog.Logger
}

func NewHub(bus domain.SignalBus, status StatusSource, cfg Config, logger *slog.Logger) *Hub {
	if cfg.Replay <= 0 {
		cfg.Replay = defaultReplay
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		status:     status,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run subscribes to the auction channel and serves clients until ctx is
// done. Without a bus only Broadcast feeds clients.
func (h *Hub) Run(ctx context.Context) error {
	var msgCh <-chan []byte
	if h.bus != nil {
		var err error
		if msgCh, err = h.bus.Subscribe(ctx, h.cfg.Channel); err != nil {
			return err
		}
		h.logger.Info("ws: subscribed", slog.String("channel", h.cfg.Channel))
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
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", h.clientCount()))

		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: subscription closed", slog.String("channel", h.cfg.Channel))
				msgCh = nil
				continue
			}
			h.fanOut(data)

		case data := <-h.broadcast:
			h.fanOut(data)
		}
	}
}

// Broadcast relays an event payload produced in-process.
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("ws: broadcast queue full")
	}
}

// fanOut sends one event payload to every client that wants its kind.
func (h *Hub) fanOut(payload []byte) {
	kind := eventKind(payload)
	frame, err := json.Marshal(envelope{Type: "event", Payload: payload})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(kind) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("ws: dropping message for slow client")
		}
	}
}

// HandleWS upgrades the connection, sends the current status and replays
// the event log after ?since=<stream id> (from the start when absent).
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		kinds: make(map[domain.EventKind]bool),
	}

	since := r.URL.Query().Get("since")
	if since == "" {
		since = "0"
	}
	c.sendInitial(r.Context(), since)

	h.register <- c
	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// sendInitial queues the status snapshot and replayed events. The send
// buffer bounds what a fresh client can be handed.
func (c *client) sendInitial(ctx context.Context, since string) {
	h := c.hub
	if h.status != nil {
		if st, err := h.status.Status(ctx); err == nil {
			if payload, err := json.Marshal(st); err == nil {
				c.queue(envelope{Type: "status", Payload: payload})
			}
		}
	}
	if h.bus == nil || h.cfg.LogStream == "" {
		return
	}
	limit := h.cfg.Replay
	if limit > sendBufferSize-1 {
		limit = sendBufferSize - 1
	}
	msgs, err := h.bus.StreamRead(ctx, h.cfg.LogStream, since, limit)
	if err != nil {
		h.logger.Warn("ws: replay failed", slog.String("error", err.Error()))
		return
	}
	for _, m := range msgs {
		c.queue(envelope{Type: "event", ID: m.ID, Payload: m.Payload})
	}
}

func (c *client) queue(env envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) wants(kind domain.EventKind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.kinds) == 0 || c.kinds[kind]
}

func (c *client) applyFilter(msg filterMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		if len(msg.Kinds) == 0 {
			c.kinds = make(map[domain.EventKind]bool)
		}
		for _, k := range msg.Kinds {
			c.kinds[domain.EventKind(k)] = true
		}
	case "unsubscribe":
		for _, k := range msg.Kinds {
			delete(c.kinds, domain.EventKind(k))
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
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
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var msg filterMsg
		if json.Unmarshal(message, &msg) == nil && msg.Action != "" {
			c.applyFilter(msg)
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

func eventKind(payload []byte) domain.EventKind {
	var ev struct {
		Kind domain.EventKind `json:"kind"`
	}
	_ = json.Unmarshal(payload, &ev)
	return ev.Kind
}
