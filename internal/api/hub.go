package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon binds to localhost; cross-origin browsers are not a
		// supported surface.
		return true
	},
}

// changeEvent is pushed to listeners when a user's aggregated view
// changed. Listeners re-query the data they care about; the event
// carries no payload beyond the affected user.
type changeEvent struct {
	Type   string `json:"type"`
	UserID int32  `json:"userId"`
}

// client is one connected websocket listener.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub fans out data-changed notifications to websocket listeners. It
// plays the role of the platform's listener callbacks: subscribers learn
// that a user's aggregated data changed and query the HTTP API for it.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewHub creates a hub; call Run in a goroutine.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopChan:   make(chan struct{}),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			log.Info().Str("client", c.id).Msg("Listener connected")
		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			log.Info().Str("client", c.id).Msg("Listener disconnected")
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow listener; it will reconnect and re-query.
					go func(c *client) { h.unregister <- c }(c)
				}
			}
			h.mu.RUnlock()
		case <-h.stopChan:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and disconnects all listeners.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

// NotifyChanged broadcasts that a user's aggregated data changed.
func (h *Hub) NotifyChanged(userID int32) {
	msg, err := json.Marshal(changeEvent{Type: "data_changed", UserID: userID})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		log.Warn().Msg("Listener broadcast queue full, dropping change event")
	}
}

// ServeWS upgrades an HTTP request to a websocket listener connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, 16), id: uuid.NewString()}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
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
