// Package monitor mirrors the server link to websocket clients and lets them
// type console commands as if they were on the serial line.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/metergateway/internal/models"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

type Hub struct {
	clients    map[*Client]bool
	broadcast  chan models.Event
	register   chan *Client
	unregister chan *Client
	commands   chan string
	done       chan struct{}
	mu         sync.RWMutex
	log        zerolog.Logger
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan models.Event
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan models.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		commands:   make(chan string, 16),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		log:        log,
	}
}

// Commands delivers lines typed by monitor clients.
func (h *Hub) Commands() <-chan string {
	return h.commands
}

// Publish queues ev for every connected client. It never blocks.
func (h *Hub) Publish(ev models.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn().Msg("broadcast channel full, dropping event")
	}
}

// Run serves registrations and broadcasts until ctx is done, then disconnects
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Int("clients", n).Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Int("clients", n).Msg("client disconnected")

		case ev := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- ev:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan models.Event, 256),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump turns each text message into a console line.
func (c *Client) readPump() {
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
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Msg("error reading message")
			}
			break
		}
		if kind != websocket.TextMessage {
			continue
		}
		line := strings.TrimSpace(string(data))
		if line == "" {
			continue
		}
		select {
		case c.hub.commands <- line:
		default:
			c.hub.log.Warn().Str("line", line).Msg("command queue full, dropping line")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				c.hub.log.Error().Err(err).Msg("failed to marshal event")
				continue
			}
			w.Write(data)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				data, err := json.Marshal(<-c.send)
				if err != nil {
					continue
				}
				w.Write(data)
			}

			if err := w.Close(); err != nil {
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
