package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards are served from other origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	ID string

	mu            sync.RWMutex
	subscriptions map[string]bool // empty = every marketplace
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, hub.sendBuffer),
		ID:            "conn_" + uuid.New().String(),
		subscriptions: make(map[string]bool),
	}
}

// Subscribed reports whether the client receives events of a marketplace
func (c *Client) Subscribed(marketplace string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[marketplace]
}

// controlMessage is what clients send
type controlMessage struct {
	Type        string `json:"type"`
	Marketplace string `json:"marketplace,omitempty"`
}

// readPump pumps messages from the websocket connection to the hub.
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
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("WS error", zap.String("client_id", c.ID), zap.Error(err))
			}
			break
		}
		c.handle(message)
	}
}

func (c *Client) handle(message []byte) {
	var msg controlMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.reply(TypeError, "", map[string]string{"message": "Invalid message format"})
		return
	}

	mp := strings.ToLower(strings.TrimSpace(msg.Marketplace))
	switch msg.Type {
	case TypeSubscribe:
		if mp != "" {
			c.mu.Lock()
			c.subscriptions[mp] = true
			c.mu.Unlock()
		}
		c.reply(TypeSubscribed, mp, c.subscriptionList())
	case TypeUnsubscribe:
		c.mu.Lock()
		if mp == "" {
			c.subscriptions = make(map[string]bool)
		} else {
			delete(c.subscriptions, mp)
		}
		c.mu.Unlock()
		c.reply(TypeUnsubscribed, mp, c.subscriptionList())
	case TypePing:
		c.reply(TypePong, "", nil)
	default:
		c.reply(TypeError, "", map[string]string{"message": "Unknown message type: " + msg.Type})
	}
}

func (c *Client) subscriptionList() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := make([]string, 0, len(c.subscriptions))
	for mp := range c.subscriptions {
		list = append(list, mp)
	}
	return map[string]interface{}{"subscriptions": list}
}

func (c *Client) reply(eventType, marketplace string, data interface{}) {
	c.hub.sendTo(c, Event{Type: eventType, Marketplace: marketplace, Timestamp: time.Now(), Data: data})
}

// writePump pumps messages from the hub to the websocket connection.
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
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

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

// ServeWs handles websocket requests from the peer.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := newClient(hub, conn)
	select {
	case client.hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
