package crdtsync

import (
	"log"
	"sync"
	"time"
)

// RoomBuffer retains update fragments for peers that have not connected
// yet. Contents are opaque; merge semantics make replay order and
// duplication harmless.
type RoomBuffer struct {
	mu         sync.RWMutex
	updates    [][]byte
	lastActive time.Time
}

func NewRoomBuffer() *RoomBuffer {
	return &RoomBuffer{
		updates:    make([][]byte, 0),
		lastActive: time.Now(),
	}
}

// AddUpdate stores a fragment for late joiners.
func (b *RoomBuffer) AddUpdate(update []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, update)
	b.lastActive = time.Now()
}

// Updates returns a copy of the buffered fragments.
func (b *RoomBuffer) Updates() [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	updates := make([][]byte, len(b.updates))
	copy(updates, b.updates)
	return updates
}

func (b *RoomBuffer) idleSince() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastActive
}

type Message struct {
	RoomID string
	Data   []byte
	Sender *Conn
}

// Hub relays document frames between peers of the same room. It never
// interprets fragment bodies; only the two header bytes are examined.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Conn]bool
	buffers map[string]*RoomBuffer

	register   chan *Conn
	unregister chan *Conn
	broadcast  chan *Message
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Conn]bool),
		buffers:    make(map[string]*RoomBuffer),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		broadcast:  make(chan *Message),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.addConn(conn)

		case conn := <-h.unregister:
			h.removeConn(conn)

		case message := <-h.broadcast:
			h.relay(message)
		}
	}
}

func (h *Hub) addConn(conn *Conn) {
	h.mu.Lock()
	if _, ok := h.rooms[conn.roomID]; !ok {
		h.rooms[conn.roomID] = make(map[*Conn]bool)
	}
	h.rooms[conn.roomID][conn] = true
	count := len(h.rooms[conn.roomID])
	h.mu.Unlock()

	log.Printf("Sync peer %s joined room %s (total: %d)", conn.peerID, conn.roomID, count)

	// Catch the newcomer up from the buffer. enqueue drops on overflow, so
	// the whole history goes out as one frame rather than one enqueue per
	// fragment; losing part of the replay would diverge the replica for good.
	if updates := h.buffer(conn.roomID).Updates(); len(updates) > 0 {
		conn.enqueue(EncodeCatchup(updates))
	}
}

func (h *Hub) removeConn(conn *Conn) {
	h.mu.Lock()
	conns, ok := h.rooms[conn.roomID]
	if ok {
		if _, ok := conns[conn]; ok {
			delete(conns, conn)
			close(conn.send)
		}
		if len(conns) == 0 {
			// Keep the buffer; the retention sweeper evicts it later.
			delete(h.rooms, conn.roomID)
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	// Awareness entries are ephemeral: tell the room the peer is gone.
	if conn.peerID != "" {
		h.relay(&Message{
			RoomID: conn.roomID,
			Data:   EncodeAwareness(Awareness{PeerID: conn.peerID, Removed: true}),
			Sender: conn,
		})
	}
}

func (h *Hub) relay(message *Message) {
	// Only regular update fragments are retained for late joiners; sync
	// handshake steps and awareness frames pass straight through.
	if fragment, ok := DecodeUpdate(message.Data); ok {
		h.buffer(message.RoomID).AddUpdate(fragment)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[message.RoomID]
	if !ok {
		return
	}
	for conn := range conns {
		if conn == message.Sender {
			continue
		}
		select {
		case conn.send <- message.Data:
		default:
			close(conn.send)
			delete(conns, conn)
		}
	}
}

func (h *Hub) buffer(roomID string) *RoomBuffer {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.buffers[roomID]
	if !ok {
		buf = NewRoomBuffer()
		h.buffers[roomID] = buf
	}
	return buf
}

// EvictIdleBuffers drops buffers of rooms that have no connections and no
// activity within ttl, and returns how many were removed.
func (h *Hub) EvictIdleBuffers(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	h.mu.Lock()
	defer h.mu.Unlock()
	evicted := 0
	for roomID, buf := range h.buffers {
		if _, active := h.rooms[roomID]; active {
			continue
		}
		if buf.idleSince().Before(cutoff) {
			delete(h.buffers, roomID)
			evicted++
		}
	}
	return evicted
}

// RoomCount reports rooms with at least one connected peer.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// ClientCount reports connected peers across all rooms.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, conns := range h.rooms {
		count += len(conns)
	}
	return count
}
