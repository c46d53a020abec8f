package relay

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/event"
	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one relay connection. Room membership is established by a
// join_room event, not at upgrade time.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan event.Envelope
	socketID    string
	rateLimiter *ratelimit.Limiter
}

// ServeWs upgrades an HTTP request and attaches the connection to the hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan event.Envelope, 512),
		socketID:    uuid.NewString(),
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
	}

	hub.register <- client

	go client.writePump()
	go client.readPump()
}

// SocketID returns the connection's ephemeral transport identifier.
func (c *Client) SocketID() string {
	return c.socketID
}

func (c *Client) readPump() {
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if !c.rateLimiter.Allow() {
			continue
		}

		var env event.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("Invalid frame from client %s: %v", c.socketID, err)
			continue
		}

		c.hub.inbound <- inbound{sender: c, env: env}
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
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
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
