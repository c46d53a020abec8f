// Package registry holds the relay's process-wide mutable state: the
// connection registry, the room store, and the presence view derived from
// them. It is injected into the hub so tests can construct and reset it
// without a live transport.
package registry

import (
	"sync"
	"time"

	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/event"
)

// Seed state for freshly created rooms, matching what the editor and
// whiteboard components expect as an initial document.
const (
	DefaultCode       = "// Start coding together..."
	DefaultWhiteboard = `{"lines":[],"width":2000,"height":2000}`
)

// Connection is one live transport session. It belongs to at most one room.
type Connection struct {
	ID       string
	Username string
	RoomID   string
}

// Room is a logical broadcast group plus its shared state. Code and
// whiteboard are last-writer-wins blobs; the chat log is append-only in
// server arrival order.
type Room struct {
	ID         string
	Code       string
	Whiteboard string
	Chats      []event.ChatMessage
	members    map[string]struct{}
	lastActive time.Time
}

// Registry maps connections to rooms and owns room lifecycle. Rooms are
// created lazily on first join and only removed by EvictIdle.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	rooms   map[string]*Room
	maxChat int
	now     func() time.Time
}

// New returns an empty registry. maxChat bounds each room's chat log;
// zero or negative means unbounded.
func New(maxChat int) *Registry {
	return &Registry{
		conns:   make(map[string]*Connection),
		rooms:   make(map[string]*Room),
		maxChat: maxChat,
		now:     time.Now,
	}
}

// Reset drops all connections and rooms. Test hook.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = make(map[string]*Connection)
	r.rooms = make(map[string]*Room)
}

// Join registers connID under roomID, creating the room with seed defaults
// when absent. A connection already in another room is moved, and the room
// it was moved out of is reported so the caller can notify its members.
func (r *Registry) Join(connID, roomID, username string) (prevRoomID, prevUsername string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[connID]; ok && conn.RoomID != "" && conn.RoomID != roomID {
		if prev, ok := r.rooms[conn.RoomID]; ok {
			delete(prev.members, connID)
			prev.lastActive = r.now()
		}
		prevRoomID, prevUsername = conn.RoomID, conn.Username
	}

	r.conns[connID] = &Connection{ID: connID, Username: username, RoomID: roomID}

	room, ok := r.rooms[roomID]
	if !ok {
		room = &Room{
			ID:         roomID,
			Code:       DefaultCode,
			Whiteboard: DefaultWhiteboard,
			members:    make(map[string]struct{}),
		}
		r.rooms[roomID] = room
	}
	room.members[connID] = struct{}{}
	room.lastActive = r.now()
	return prevRoomID, prevUsername
}

// Leave removes connID from its room and from the registry. It reports the
// room and display name the connection had, so the caller can notify the
// remaining members. Unknown or roomless connections are a no-op.
func (r *Registry) Leave(connID string) (roomID, username string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, found := r.conns[connID]
	if !found {
		return "", "", false
	}
	delete(r.conns, connID)
	if conn.RoomID == "" {
		return "", "", false
	}
	if room, exists := r.rooms[conn.RoomID]; exists {
		delete(room.members, connID)
		room.lastActive = r.now()
	}
	return conn.RoomID, conn.Username, true
}

// Members returns the presence list for roomID. Connections that somehow
// escaped registration resolve to the anonymous placeholder.
func (r *Registry) Members(roomID string) []event.User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	users := make([]event.User, 0, len(room.members))
	for connID := range room.members {
		username := event.AnonymousUser
		if conn, ok := r.conns[connID]; ok && conn.Username != "" {
			username = conn.Username
		}
		users = append(users, event.User{SocketID: connID, Username: username})
	}
	return users
}

// MemberIDs returns the connection ids currently joined to roomID.
func (r *Registry) MemberIDs(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(room.members))
	for connID := range room.members {
		ids = append(ids, connID)
	}
	return ids
}

// Lookup returns the registered connection for connID.
func (r *Registry) Lookup(connID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// SetCode replaces roomID's code blob. Broadcasts to unknown rooms are a
// no-op, so this reports whether the room existed.
func (r *Registry) SetCode(roomID, code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	room.Code = code
	room.lastActive = r.now()
	return true
}

// SetWhiteboard replaces roomID's whiteboard snapshot.
func (r *Registry) SetWhiteboard(roomID, data string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	room.Whiteboard = data
	room.lastActive = r.now()
	return true
}

// AppendChat appends a message to roomID's log, enforcing the history cap
// by dropping the oldest entries.
func (r *Registry) AppendChat(roomID string, msg event.ChatMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	room.Chats = append(room.Chats, msg)
	if r.maxChat > 0 && len(room.Chats) > r.maxChat {
		room.Chats = append([]event.ChatMessage(nil), room.Chats[len(room.Chats)-r.maxChat:]...)
	}
	room.lastActive = r.now()
	return true
}

// RoomState returns copies of roomID's code, whiteboard and chat log.
func (r *Registry) RoomState(roomID string) (code, whiteboard string, chats []event.ChatMessage, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, exists := r.rooms[roomID]
	if !exists {
		return "", "", nil, false
	}
	chats = append([]event.ChatMessage(nil), room.Chats...)
	return room.Code, room.Whiteboard, chats, true
}

// TrimChats re-applies the history cap to every room. Used by the
// retention sweeper after config reloads lower the cap.
func (r *Registry) TrimChats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxChat <= 0 {
		return
	}
	for _, room := range r.rooms {
		if len(room.Chats) > r.maxChat {
			room.Chats = append([]event.ChatMessage(nil), room.Chats[len(room.Chats)-r.maxChat:]...)
		}
	}
}

// EvictIdle removes rooms that have had no members and no activity for at
// least ttl, and returns how many were evicted.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-ttl)
	evicted := 0
	for id, room := range r.rooms {
		if len(room.members) == 0 && room.lastActive.Before(cutoff) {
			delete(r.rooms, id)
			evicted++
		}
	}
	return evicted
}

// RoomCount reports the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// ConnCount reports the number of registered connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
