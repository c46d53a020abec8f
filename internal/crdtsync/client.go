package crdtsync

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

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

// Conn is one peer on the replication channel.
type Conn struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	roomID      string
	peerID      string
	rateLimiter *ratelimit.Limiter
}

// ServeWs handles the replication endpoint. Non-upgrade requests get a
// plain health response so load balancers and probes can hit the port.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "okay")
		return
	}

	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		roomID = "default"
	}
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		peerID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	c := &Conn{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 512),
		roomID:      roomID,
		peerID:      peerID,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
	}

	hub.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *Conn) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *Conn) readPump() {
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

		if err := Validate(message); err != nil {
			log.Printf("Invalid frame from peer %s: %v", c.peerID, err)
			continue
		}

		c.hub.broadcast <- &Message{
			RoomID: c.roomID,
			Data:   message,
			Sender: c,
		}
	}
}

func (c *Conn) writePump() {
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

			w, err := c.conn.NextWriter(websocket.BinaryMessage)
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
