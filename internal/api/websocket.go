package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"trade-lifecycle-engine/internal/events"
	"trade-lifecycle-engine/internal/ids"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

// wsClient is one websocket subscriber, optionally scoped to a single trade
type wsClient struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	hub     *EventHub
	tradeID string
}

type wsMessage struct {
	tradeID string
	data    []byte
}

// EventHub fans committed trade events out to websocket clients
type EventHub struct {
	upgrader   websocket.Upgrader
	clients    map[*wsClient]bool
	broadcast  chan wsMessage
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	logger     zerolog.Logger
}

// NewEventHub creates a hub and starts its loop. Origins restrict browser clients;
// an empty list or "*" allows any origin.
func NewEventHub(origins []string, logger zerolog.Logger) *EventHub {
	h := &EventHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan wsMessage, 4096),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}
	go h.run()
	return h
}

func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 || contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || contains(origins, origin)
	}
}

func (h *EventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client.tradeID != "" && client.tradeID != msg.tradeID {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// slow consumer
					delete(h.clients, client)
					close(client.send)
					h.logger.Warn().Str("client_id", client.id).Msg("Websocket client too slow, disconnected")
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Subscribe forwards every event published on bus to the hub
func (h *EventHub) Subscribe(bus *events.EventBus) {
	bus.SubscribeAll(h.Broadcast)
}

// Broadcast queues an event for delivery. It never blocks the publisher.
func (h *EventHub) Broadcast(ev events.TradeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("trade_id", ev.TradeID).Msg("Failed to marshal event")
		return
	}

	select {
	case h.broadcast <- wsMessage{tradeID: ev.TradeID, data: data}:
	default:
		h.logger.Warn().Str("trade_id", ev.TradeID).Str("type", string(ev.Type)).Msg("Broadcast channel full, dropping event")
	}
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops the hub loop
func (h *EventHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Handle upgrades a request to a websocket event stream
// GET /ws/events?trade_id=<id>
func (h *EventHub) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &wsClient{
		id:      ids.NewRequestID(),
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		hub:     h,
		tradeID: c.Query("trade_id"),
	}

	welcome, _ := json.Marshal(gin.H{
		"type":      "CONNECTED",
		"clientId":  client.id,
		"tradeId":   client.tradeID,
		"timestamp": time.Now().UTC(),
	})
	client.send <- welcome

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// writePump pumps messages from the hub to the websocket connection
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug().Err(err).Str("client_id", c.id).Msg("Websocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Str("client_id", c.id).Msg("Websocket read error")
			}
			return
		}
	}
}
