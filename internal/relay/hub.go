// Package relay implements the room event broadcaster: it tracks which
// websocket connections belong to which room and fans each incoming event
// out to the right subset of members.
package relay

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/event"
	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/registry"
)

type inbound struct {
	sender *Client
	env    event.Envelope
}

// Hub routes relay events. All registry mutations happen inside Run's
// dispatch loop, one handler at a time, so the loop itself provides mutual
// exclusion; the clients map carries a lock only for the stats readers.
type Hub struct {
	reg *registry.Registry

	mu      sync.RWMutex
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound

	now func() time.Time
}

func NewHub(reg *registry.Registry) *Hub {
	return &Hub{
		reg:        reg,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 64),
		now:        time.Now,
	}
}

// Run dispatches until the process exits. Handlers never block on I/O;
// per-client delivery goes through buffered send channels.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.socketID] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.dropClient(client)

		case msg := <-h.inbound:
			h.dispatch(msg.sender, msg.env)
		}
	}
}

// ClientCount reports connections currently attached to the hub.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount reports live rooms in the backing registry.
func (h *Hub) RoomCount() int {
	return h.reg.RoomCount()
}

func (h *Hub) dispatch(sender *Client, env event.Envelope) {
	payload, err := event.Decode(env)
	if err != nil {
		// Unknown or malformed events are dropped, not answered.
		return
	}

	switch p := payload.(type) {
	case *event.JoinRoom:
		h.handleJoin(sender, p)
	case *event.CodeChange:
		h.handleCodeChange(sender, p)
	case *event.SyncCode:
		h.handleSyncCode(sender, p)
	case *event.CursorMove:
		h.handleCursorMove(sender, p)
	case *event.WhiteboardDraw:
		h.handleWhiteboardDraw(sender, p)
	case *event.SendMessage:
		h.handleSendMessage(sender, p)
	default:
		// Server→client kinds arriving from a client are ignored.
	}
}

func (h *Hub) handleJoin(sender *Client, p *event.JoinRoom) {
	if p.RoomID == "" || p.Username == "" {
		return
	}

	prevRoom, prevName := h.reg.Join(sender.socketID, p.RoomID, p.Username)
	log.Printf("%s joined room %s", p.Username, p.RoomID)

	// A re-join to a different room is a departure for the old one; its
	// members get the same notifications a disconnect produces.
	if prevRoom != "" {
		h.announceDeparture(prevRoom, sender.socketID, prevName)
	}

	// Everyone, joiner included, gets the recomputed member list.
	h.broadcastRoom(p.RoomID, event.Make(event.KindUpdateActiveUsers, h.reg.Members(p.RoomID)), "")

	// The join notice goes through the ordinary chat path; the joiner sees
	// it via the history replay below rather than as a live message.
	notice := event.ChatMessage{
		Username:  event.SystemUser,
		Message:   fmt.Sprintf("%s has joined the room.", p.Username),
		Timestamp: h.now(),
	}
	h.reg.AppendChat(p.RoomID, notice)
	h.broadcastRoom(p.RoomID, event.Make(event.KindReceiveMessage, notice), sender.socketID)

	// Snapshot pushes to the joiner alone. These are independent and carry
	// no ordering contract; a brand-new room sends only the seeded state.
	code, whiteboard, chats, ok := h.reg.RoomState(p.RoomID)
	if !ok {
		return
	}
	if code != "" {
		h.sendTo(sender.socketID, event.Make(event.KindCodeChange, event.CodeChange{Code: code}))
	}
	if len(chats) > 0 {
		h.sendTo(sender.socketID, event.Make(event.KindSyncChat, event.SyncChat{Chats: chats}))
	}
	if whiteboard != "" {
		h.sendTo(sender.socketID, event.Make(event.KindSyncWhiteboard, event.SyncWhiteboard{Data: whiteboard}))
	}
}

func (h *Hub) handleCodeChange(sender *Client, p *event.CodeChange) {
	if !h.reg.SetCode(p.RoomID, p.Code) {
		return
	}
	h.broadcastRoom(p.RoomID, event.Make(event.KindCodeChange, event.CodeChange{Code: p.Code}), sender.socketID)
}

func (h *Hub) handleSyncCode(sender *Client, p *event.SyncCode) {
	// A client pushing authoritative state also refreshes its room's copy.
	if conn, ok := h.reg.Lookup(sender.socketID); ok && conn.RoomID != "" {
		h.reg.SetCode(conn.RoomID, p.Code)
	}
	h.sendTo(p.SocketID, event.Make(event.KindCodeChange, event.CodeChange{Code: p.Code}))
}

func (h *Hub) handleCursorMove(sender *Client, p *event.CursorMove) {
	conn, ok := h.reg.Lookup(sender.socketID)
	if !ok {
		return
	}
	out := event.CursorMove{
		SocketID: sender.socketID,
		Username: conn.Username,
		Cursor:   p.Cursor,
	}
	h.broadcastRoom(p.RoomID, event.Make(event.KindCursorMove, out), sender.socketID)
}

func (h *Hub) handleWhiteboardDraw(sender *Client, p *event.WhiteboardDraw) {
	if !h.reg.SetWhiteboard(p.RoomID, p.Data) {
		return
	}
	h.broadcastRoom(p.RoomID, event.Make(event.KindWhiteboardDraw, event.WhiteboardDraw{Data: p.Data}), sender.socketID)
}

func (h *Hub) handleSendMessage(sender *Client, p *event.SendMessage) {
	username := event.AnonymousUser
	if conn, ok := h.reg.Lookup(sender.socketID); ok && conn.Username != "" {
		username = conn.Username
	}
	msg := event.ChatMessage{
		Username:  username,
		Message:   p.Message,
		Timestamp: h.now(),
	}
	if !h.reg.AppendChat(p.RoomID, msg) {
		return
	}
	// Chat is the one sender-inclusive channel.
	h.broadcastRoom(p.RoomID, event.Make(event.KindReceiveMessage, msg), "")
}

func (h *Hub) dropClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.socketID]; ok {
		delete(h.clients, client.socketID)
		close(client.send)
	}
	h.mu.Unlock()

	roomID, username, ok := h.reg.Leave(client.socketID)
	if !ok {
		return
	}
	log.Printf("%s disconnected from room %s", username, roomID)
	h.announceDeparture(roomID, client.socketID, username)
}

// announceDeparture tells roomID's remaining members a connection is gone:
// leave notice through the chat log, user_disconnected, fresh member list.
func (h *Hub) announceDeparture(roomID, socketID, username string) {
	notice := event.ChatMessage{
		Username:  event.SystemUser,
		Message:   fmt.Sprintf("%s has left the room.", username),
		Timestamp: h.now(),
	}
	h.reg.AppendChat(roomID, notice)
	h.broadcastRoom(roomID, event.Make(event.KindReceiveMessage, notice), "")
	h.broadcastRoom(roomID, event.Make(event.KindUserDisconnected, event.UserDisconnected{
		SocketID: socketID,
		Username: username,
	}), "")
	h.broadcastRoom(roomID, event.Make(event.KindUpdateActiveUsers, h.reg.Members(roomID)), "")
}

// broadcastRoom delivers env to every member of roomID, skipping exclude
// when non-empty. Targeting an unknown room is a no-op.
func (h *Hub) broadcastRoom(roomID string, env event.Envelope, exclude string) {
	for _, id := range h.reg.MemberIDs(roomID) {
		if id == exclude {
			continue
		}
		h.sendTo(id, env)
	}
}

// sendTo enqueues env for one connection. Unknown targets are dropped; a
// connection with a full send buffer is considered dead and detached.
func (h *Hub) sendTo(socketID string, env event.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[socketID]
	if !ok {
		return
	}
	select {
	case client.send <- env:
	default:
		delete(h.clients, socketID)
		close(client.send)
	}
}
