package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientBuffer   = 64
)

// Hub keeps the websocket clients of this instance grouped by topic and
// delivers locally whatever the subscriber pulls off the bus.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	log   *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		log:   log,
	}
}

// Client is one websocket connection subscribed to one topic.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	topic string
	send  chan []byte
	once  sync.Once
}

// Join registers the connection under the topic and starts its pumps. The
// call returns immediately; the connection is owned by the hub from here on.
func (h *Hub) Join(topic string, conn *websocket.Conn) *Client {
	c := &Client{
		hub:   h,
		conn:  conn,
		topic: topic,
		send:  make(chan []byte, clientBuffer),
	}

	h.mu.Lock()
	room, ok := h.rooms[topic]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[topic] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
	return c
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if room, ok := h.rooms[c.topic]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.topic)
		}
	}
	h.mu.Unlock()
}

// Deliver pushes a raw message to every client in the topic's room. Slow
// clients are disconnected rather than allowed to stall the room.
func (h *Hub) Deliver(topic string, message []byte) {
	h.mu.RLock()
	room := h.rooms[topic]
	clients := make([]*Client, 0, len(room))
	for c := range room {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- message:
		default:
			h.log.Warn("slow websocket client dropped", "topic", topic)
			c.close()
		}
	}
}

// Topics returns the topics with at least one local subscriber.
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	topics := make([]string, 0, len(h.rooms))
	for t := range h.rooms {
		topics = append(topics, t)
	}
	return topics
}

// Shutdown closes every client connection.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	var clients []*Client
	for _, room := range h.rooms {
		for c := range room {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		c.hub.remove(c)
		close(c.send)
	})
}

// readPump discards inbound frames; the socket is one-directional apart from
// control messages. Its job is noticing disconnects and answering pings.
func (c *Client) readPump() {
	defer func() {
		c.close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket read error", "topic", c.topic, "err", err)
			}
			return
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
