// Package event defines the room relay's wire vocabulary. Every frame on the
// relay websocket is a JSON envelope {event, data}; the set of kinds is closed,
// so dispatch is an exhaustive switch rather than a string-keyed callback table.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies one of the relay's message kinds.
type Kind string

const (
	KindJoinRoom          Kind = "join_room"
	KindUpdateActiveUsers Kind = "update_active_users"
	KindCodeChange        Kind = "code_change"
	KindSyncCode          Kind = "sync_code"
	KindCursorMove        Kind = "cursor_move"
	KindWhiteboardDraw    Kind = "whiteboard_draw"
	KindSyncWhiteboard    Kind = "sync_whiteboard"
	KindSendMessage       Kind = "send_message"
	KindReceiveMessage    Kind = "receive_message"
	KindSyncChat          Kind = "sync_chat"
	KindUserDisconnected  Kind = "user_disconnected"
)

// SystemUser is the reserved sender identity for join/leave notifications.
const SystemUser = "System"

// AnonymousUser is the placeholder for connections with no registered name.
const AnonymousUser = "Anonymous"

// Envelope is the outer frame carried on the relay socket.
type Envelope struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRoom announces a connection's intent to join a room.
type JoinRoom struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// User is one entry of a room's member list.
type User struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

// CodeChange replaces the room's code blob. RoomID is set client→server only.
type CodeChange struct {
	RoomID string `json:"roomId,omitempty"`
	Code   string `json:"code"`
}

// SyncCode pushes a code value to exactly one connection.
type SyncCode struct {
	SocketID string `json:"socketId"`
	Code     string `json:"code"`
}

// CursorMove carries an opaque cursor position. The relay fills in the sender's
// identity before fanning out.
type CursorMove struct {
	RoomID   string          `json:"roomId,omitempty"`
	SocketID string          `json:"socketId,omitempty"`
	Username string          `json:"username,omitempty"`
	Cursor   json.RawMessage `json:"cursor"`
}

// WhiteboardDraw replaces the room's whiteboard snapshot.
type WhiteboardDraw struct {
	RoomID string `json:"roomId,omitempty"`
	Data   string `json:"data"`
}

// SyncWhiteboard pushes the current snapshot to a joining connection.
type SyncWhiteboard struct {
	Data string `json:"data"`
}

// SendMessage is a client's outgoing chat message.
type SendMessage struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// ChatMessage is a delivered chat entry. Order is server arrival order.
type ChatMessage struct {
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncChat replays the room's chat log to a joining connection.
type SyncChat struct {
	Chats []ChatMessage `json:"chats"`
}

// UserDisconnected notifies a room that a member's connection closed.
type UserDisconnected struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

// Make wraps a payload into an envelope. Marshaling a payload of our own types
// cannot fail; an error here indicates a programming mistake, so it panics.
func Make(kind Kind, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("event: marshal %s: %v", kind, err))
	}
	return Envelope{Event: kind, Data: data}
}

// Decode parses an envelope's payload into its concrete type. Unknown kinds
// return an error so callers can drop the frame.
func Decode(env Envelope) (any, error) {
	var payload any
	switch env.Event {
	case KindJoinRoom:
		payload = &JoinRoom{}
	case KindUpdateActiveUsers:
		var users []User
		if err := json.Unmarshal(env.Data, &users); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", env.Event, err)
		}
		return users, nil
	case KindCodeChange:
		payload = &CodeChange{}
	case KindSyncCode:
		payload = &SyncCode{}
	case KindCursorMove:
		payload = &CursorMove{}
	case KindWhiteboardDraw:
		payload = &WhiteboardDraw{}
	case KindSyncWhiteboard:
		payload = &SyncWhiteboard{}
	case KindSendMessage:
		payload = &SendMessage{}
	case KindReceiveMessage:
		payload = &ChatMessage{}
	case KindSyncChat:
		payload = &SyncChat{}
	case KindUserDisconnected:
		payload = &UserDisconnected{}
	default:
		return nil, fmt.Errorf("event: unknown kind %q", env.Event)
	}
	if err := json.Unmarshal(env.Data, payload); err != nil {
		return nil, fmt.Errorf("event: decode %s: %w", env.Event, err)
	}
	return payload, nil
}
