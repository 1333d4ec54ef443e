package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"darkpool/pkg/types"
)

// Event is the websocket notification envelope.
type Event struct {
	Type      string    `json:"type"` // "match" or "settlement"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Hub fans match and settlement events out to websocket clients and to
// typed in-process subscribers (the gateway's match streams). Slow
// consumers are dropped rather than blocking the feed.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	logger     *slog.Logger

	mu      sync.RWMutex
	subs    map[uint64]chan types.MatchEvent
	nextSub uint64

	done     chan struct{}
	stopOnce sync.Once
}

// client is one connected websocket subscriber.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub; Run must be started in a goroutine.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		subs:       make(map[uint64]chan types.MatchEvent),
		logger:     logger.With("component", "ws-hub"),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.logger.Info("client connected", "count", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.logger.Info("client disconnected", "count", len(h.clients))

		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Client can't keep up, close it.
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

// Stop shuts the hub down, closing every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Subscribe registers a typed match subscriber; the cancel function
// releases it. Used by the gateway's stream_matches push.
func (h *Hub) Subscribe() (<-chan types.MatchEvent, func()) {
	ch := make(chan types.MatchEvent, 64)
	h.mu.Lock()
	h.nextSub++
	id := h.nextSub
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// ConsumeMatches drains the engine's match feed until it closes.
func (h *Hub) ConsumeMatches(events <-chan types.MatchEvent) {
	for evt := range events {
		h.mu.RLock()
		for id, ch := range h.subs {
			select {
			case ch <- evt:
			default:
				h.logger.Warn("match subscriber behind, dropping event", "subscriber", id)
			}
		}
		h.mu.RUnlock()

		h.BroadcastEvent(Event{Type: "match", Timestamp: evt.Timestamp, Data: evt})
	}
}

// ConsumeSettlements drains the settlement worker's feed until it closes.
func (h *Hub) ConsumeSettlements(events <-chan types.SettlementEvent) {
	for evt := range events {
		h.BroadcastEvent(Event{Type: "settlement", Timestamp: evt.Timestamp, Data: evt})
	}
}

// BroadcastEvent sends an event to all connected websocket clients.
func (h *Hub) BroadcastEvent(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("encode event failed", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// writePump pumps hub messages to the websocket connection.
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

// readPump consumes the connection until it drops. The sink is push-only;
// client messages are ignored.
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
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			break
		}
	}
}

// newClient registers a websocket connection and starts its pumps.
func newClient(hub *Hub, conn *websocket.Conn) *client {
	c := &client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	hub.register <- c
	go c.writePump()
	go c.readPump()
	return c
}
