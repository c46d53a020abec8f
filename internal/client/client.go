// Package client implements the participant side of the collaboration
// session: the relay connection state machine with automatic rejoin, the
// whiteboard recovery policy, outgoing debounce, and the document client
// for the replication channel.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/event"
	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/localstore"
)

// State is the relay connection lifecycle. Joined additionally requires a
// join intent emitted for the current room.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

// AssistantFunc resolves an /ai question out-of-band. The reply goes back
// through the ordinary chat path.
type AssistantFunc func(ctx context.Context, question string) (string, error)

// assistantPrefix marks a chat message that should also be routed to the
// assistant. The raw message always goes through the normal path first.
const assistantPrefix = "/ai "

// Config carries the client's collaborators and tuning.
type Config struct {
	// URL is the relay websocket endpoint, e.g. ws://host:5000/ws.
	URL string

	// Store persists the whiteboard cache. Optional; without it the
	// recovery policy is disabled.
	Store *localstore.Store

	// WhiteboardDebounce coalesces rapid draw updates. Defaults to 300ms.
	WhiteboardDebounce time.Duration

	// ReconnectAttempts bounds automatic reconnection. Defaults to 5.
	ReconnectAttempts uint64

	// Assistant, when set, answers /ai questions.
	Assistant AssistantFunc
}

// Client is one participant's relay session.
type Client struct {
	cfg Config

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	roomID   string
	username string
	closed   bool

	// Session scope: cancelling it stops reconnection and any assistant
	// tasks still in flight.
	ctx    context.Context
	cancel context.CancelFunc

	// Observed room state, reconciled from server pushes.
	activeUsers []event.User
	code        string
	whiteboard  string
	chats       []event.ChatMessage
	cursors     map[string]event.CursorMove

	wmu sync.Mutex // serializes writes to conn

	boardMu      sync.Mutex
	pendingBoard string
	boardDirty   bool
	boardTimer   *time.Timer

	// OnStateChange, when set, observes lifecycle transitions.
	OnStateChange func(State)
}

func New(cfg Config) *Client {
	if cfg.WhiteboardDebounce <= 0 {
		cfg.WhiteboardDebounce = 300 * time.Millisecond
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		cursors: make(map[string]event.CursorMove),
	}
}

// Connect dials the relay with bounded exponential backoff. When a join
// intent is already recorded (a reconnect), it is re-emitted automatically.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client: closed")
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	var conn *websocket.Conn
	dial := func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(c.ctx, c.cfg.URL, nil)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.ReconnectAttempts),
		c.ctx,
	)
	if err := backoff.Retry(dial, policy); err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return fmt.Errorf("client: connect: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("client: closed")
	}
	c.conn = conn
	c.setStateLocked(StateConnected)
	roomID, username := c.roomID, c.username
	c.mu.Unlock()

	go c.readLoop(conn)

	if roomID != "" {
		c.emitJoin(roomID, username)
	}
	return nil
}

// Join records the join intent and emits it when connected. The locally
// cached whiteboard, if any, is adopted immediately so the room renders
// before any server push arrives.
func (c *Client) Join(roomID, username string) {
	cached := c.cachedWhiteboard(roomID)

	c.mu.Lock()
	c.roomID = roomID
	c.username = username
	c.chats = nil
	if cached != "" {
		c.whiteboard = cached
	} else {
		c.whiteboard = ""
	}
	connected := c.state == StateConnected || c.state == StateJoined
	c.mu.Unlock()

	if connected {
		c.emitJoin(roomID, username)
	}
}

func (c *Client) emitJoin(roomID, username string) {
	if err := c.emit(event.Make(event.KindJoinRoom, event.JoinRoom{RoomID: roomID, Username: username})); err != nil {
		return
	}
	c.mu.Lock()
	c.setStateLocked(StateJoined)
	c.mu.Unlock()
}

// Close tears the session down. It is idempotent and disables automatic
// reconnection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
}

// SendMessage sends a chat message through the normal path. Messages with
// the assistant prefix additionally spawn an asynchronous assistant task
// whose reply is submitted as an ordinary, later message.
func (c *Client) SendMessage(text string) error {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()

	if err := c.emit(event.Make(event.KindSendMessage, event.SendMessage{RoomID: roomID, Message: text})); err != nil {
		return err
	}

	if c.cfg.Assistant != nil && strings.HasPrefix(text, assistantPrefix) {
		question := strings.TrimPrefix(text, assistantPrefix)
		go func() {
			answer, err := c.cfg.Assistant(c.ctx, question)
			if err != nil {
				log.Printf("Assistant error: %v", err)
				return
			}
			if answer == "" {
				return
			}
			reply := fmt.Sprintf("🤖 **AI Mentor:**\n%s", answer)
			c.mu.Lock()
			replyRoom := c.roomID
			c.mu.Unlock()
			c.emit(event.Make(event.KindSendMessage, event.SendMessage{RoomID: replyRoom, Message: reply}))
		}()
	}
	return nil
}

// SendCode emits a code change for the current room.
func (c *Client) SendCode(code string) error {
	c.mu.Lock()
	roomID := c.roomID
	c.code = code
	c.mu.Unlock()
	return c.emit(event.Make(event.KindCodeChange, event.CodeChange{RoomID: roomID, Code: code}))
}

// SyncCodeTo pushes the current code value to one specific connection.
func (c *Client) SyncCodeTo(socketID, code string) error {
	return c.emit(event.Make(event.KindSyncCode, event.SyncCode{SocketID: socketID, Code: code}))
}

// SendCursor emits the local cursor position.
func (c *Client) SendCursor(cursor json.RawMessage) error {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	return c.emit(event.Make(event.KindCursorMove, event.CursorMove{RoomID: roomID, Cursor: cursor}))
}

// DrawUpdate records a whiteboard snapshot, persists it locally right away,
// and emits it after the debounce window so rapid strokes coalesce.
func (c *Client) DrawUpdate(data string) {
	c.mu.Lock()
	roomID := c.roomID
	c.whiteboard = data
	c.mu.Unlock()

	if c.cfg.Store != nil && roomID != "" {
		if err := c.cfg.Store.SaveWhiteboard(roomID, data); err != nil {
			log.Printf("Whiteboard cache write failed: %v", err)
		}
	}

	c.boardMu.Lock()
	defer c.boardMu.Unlock()
	c.pendingBoard = data
	c.boardDirty = true
	if c.boardTimer == nil {
		c.boardTimer = time.AfterFunc(c.cfg.WhiteboardDebounce, c.flushBoard)
	} else {
		c.boardTimer.Reset(c.cfg.WhiteboardDebounce)
	}
}

func (c *Client) flushBoard() {
	c.boardMu.Lock()
	data := c.pendingBoard
	dirty := c.boardDirty
	c.pendingBoard = ""
	c.boardDirty = false
	c.boardMu.Unlock()
	// An empty snapshot is still a snapshot; only the dirty flag decides.
	if !dirty {
		return
	}

	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	c.emit(event.Make(event.KindWhiteboardDraw, event.WhiteboardDraw{RoomID: roomID, Data: data}))
}

// Accessors over the reconciled room state.

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) ActiveUsers() []event.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.User(nil), c.activeUsers...)
}

func (c *Client) Code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *Client) Whiteboard() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.whiteboard
}

func (c *Client) Messages() []event.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.ChatMessage(nil), c.chats...)
}

func (c *Client) Cursors() map[string]event.CursorMove {
	c.mu.Lock()
	defer c.mu.Unlock()
	cursors := make(map[string]event.CursorMove, len(c.cursors))
	for id, cur := range c.cursors {
		cursors[id] = cur
	}
	return cursors
}

func (c *Client) emit(env event.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client: not connected")
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteJSON(env)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		closed := c.closed
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()

		// Transport drops are expected; reconnect and restore presence
		// unless the session was closed deliberately.
		if !closed {
			go func() {
				if err := c.Connect(); err != nil {
					log.Printf("Reconnect failed: %v", err)
				}
			}()
		}
	}()

	for {
		var env event.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		c.handle(env)
	}
}

// handle reconciles one server push. The four join-time payloads arrive as
// independent events in no particular order; each handler below stands
// alone, so any order or subset works.
func (c *Client) handle(env event.Envelope) {
	payload, err := event.Decode(env)
	if err != nil {
		return
	}

	switch p := payload.(type) {
	case []event.User:
		c.mu.Lock()
		c.activeUsers = p
		c.mu.Unlock()

	case *event.CodeChange:
		c.mu.Lock()
		c.code = p.Code
		c.mu.Unlock()

	case *event.CursorMove:
		c.mu.Lock()
		c.cursors[p.SocketID] = *p
		c.mu.Unlock()

	case *event.ChatMessage:
		c.mu.Lock()
		c.chats = append(c.chats, *p)
		c.mu.Unlock()

	case *event.SyncChat:
		c.mu.Lock()
		c.chats = append([]event.ChatMessage(nil), p.Chats...)
		c.mu.Unlock()

	case *event.WhiteboardDraw:
		c.adoptWhiteboard(p.Data)

	case *event.SyncWhiteboard:
		c.reconcileWhiteboard(p.Data)

	case *event.UserDisconnected:
		c.mu.Lock()
		delete(c.cursors, p.SocketID)
		c.mu.Unlock()
	}
}

func (c *Client) adoptWhiteboard(data string) {
	c.mu.Lock()
	roomID := c.roomID
	c.whiteboard = data
	c.mu.Unlock()

	if c.cfg.Store != nil && roomID != "" {
		if err := c.cfg.Store.SaveWhiteboard(roomID, data); err != nil {
			log.Printf("Whiteboard cache write failed: %v", err)
		}
	}
}

// reconcileWhiteboard applies the recovery policy: when the server reports
// a blank board but we hold a cached drawing, re-push ours instead of
// adopting the empty state. If several clients race here after a server
// reset, the later push wins.
func (c *Client) reconcileWhiteboard(serverData string) {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()

	local := c.cachedWhiteboard(roomID)
	if isBlankBoard(serverData) && !isBlankBoard(local) {
		c.mu.Lock()
		c.whiteboard = local
		c.mu.Unlock()
		c.emit(event.Make(event.KindWhiteboardDraw, event.WhiteboardDraw{RoomID: roomID, Data: local}))
		return
	}

	c.adoptWhiteboard(serverData)
}

func (c *Client) cachedWhiteboard(roomID string) string {
	if c.cfg.Store == nil || roomID == "" {
		return ""
	}
	cached, err := c.cfg.Store.GetWhiteboard(roomID)
	if err != nil {
		log.Printf("Whiteboard cache read failed: %v", err)
		return ""
	}
	return cached
}

// isBlankBoard treats both an absent snapshot and an empty canvas as blank.
func isBlankBoard(data string) bool {
	return data == "" || strings.Contains(data, `"lines":[]`)
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.OnStateChange != nil {
		go c.OnStateChange(s)
	}
}
