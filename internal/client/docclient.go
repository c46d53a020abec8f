package client

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/crdt"
	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/crdtsync"
	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/localstore"
)

// SyncStatus tracks the replication channel independently of the relay
// connection; the two transports can fail independently.
type SyncStatus string

const (
	SyncConnecting   SyncStatus = "connecting"
	SyncConnected    SyncStatus = "connected"
	SyncDisconnected SyncStatus = "disconnected"
	SyncError        SyncStatus = "error"
)

// DocClient is one peer on the replication channel. Edits always apply to
// the local replica first; fragments made while offline are queued and
// flushed on reconnect, and every fragment (local or remote) lands in the
// durable cache so reopening the room works without a connection.
type DocClient struct {
	endpoint string
	roomID   string
	peerID   string
	username string
	color    string
	store    *localstore.Store

	doc *crdt.Doc

	mu        sync.Mutex
	conn      *websocket.Conn
	status    SyncStatus
	closed    bool
	pending   [][]byte
	awareness map[string]crdtsync.Awareness

	wmu sync.Mutex

	// OnStatusChange, when set, observes channel status transitions.
	OnStatusChange func(SyncStatus)
}

// NewDocClient builds a replica for roomID against the replication
// endpoint (e.g. ws://host:1234). Cached fragments are applied before any
// dial so locally-known content is readable immediately.
func NewDocClient(endpoint, roomID, username, color string, store *localstore.Store) (*DocClient, error) {
	peerID := uuid.NewString()
	d := &DocClient{
		endpoint:  endpoint,
		roomID:    roomID,
		peerID:    peerID,
		username:  username,
		color:     color,
		store:     store,
		doc:       crdt.NewDoc(peerID),
		status:    SyncDisconnected,
		awareness: make(map[string]crdtsync.Awareness),
	}

	if store != nil {
		updates, err := store.GetDocUpdates(roomID)
		if err != nil {
			return nil, fmt.Errorf("client: load cached document: %w", err)
		}
		for _, update := range updates {
			if err := d.doc.ApplyUpdate(update); err != nil {
				log.Printf("Skipping corrupt cached fragment for room %s: %v", roomID, err)
			}
		}
	}

	return d, nil
}

// PeerID returns the replica's identifier.
func (d *DocClient) PeerID() string {
	return d.peerID
}

// Connect dials the replication channel with bounded backoff. Failure
// leaves the client editable offline with status error.
func (d *DocClient) Connect() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("client: closed")
	}
	d.setStatusLocked(SyncConnecting)
	d.mu.Unlock()

	target := fmt.Sprintf("%s/?room=%s&peer=%s",
		d.endpoint, url.QueryEscape(d.roomID), url.QueryEscape(d.peerID))

	var conn *websocket.Conn
	dial := func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.Dial(target, nil)
		return err
	}
	if err := backoff.Retry(dial, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
		d.mu.Lock()
		d.setStatusLocked(SyncError)
		d.mu.Unlock()
		return fmt.Errorf("client: sync connect: %w", err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		conn.Close()
		return fmt.Errorf("client: closed")
	}
	d.conn = conn
	d.setStatusLocked(SyncConnected)
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	go d.readLoop(conn)

	// Reconcile what happened while the channel was down. A fragment whose
	// write fails goes back on the queue for the next attempt.
	for i, fragment := range pending {
		if err := d.send(crdtsync.EncodeUpdate(fragment)); err != nil {
			d.mu.Lock()
			d.pending = append(append([][]byte(nil), pending[i:]...), d.pending...)
			d.mu.Unlock()
			break
		}
	}
	d.send(crdtsync.EncodeAwareness(crdtsync.Awareness{
		PeerID:   d.peerID,
		Username: d.username,
		Color:    d.color,
	}))
	return nil
}

// Close shuts the channel down; it is idempotent.
func (d *DocClient) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	conn := d.conn
	d.conn = nil
	d.setStatusLocked(SyncDisconnected)
	d.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Insert applies a local insert and replicates it (or queues it while the
// channel is down).
func (d *DocClient) Insert(index int, value string) error {
	op := d.doc.InsertAt(index, value)
	return d.replicate([]crdt.Op{op})
}

// Delete applies a local delete and replicates it.
func (d *DocClient) Delete(index int) error {
	op, ok := d.doc.DeleteAt(index)
	if !ok {
		return fmt.Errorf("client: delete index out of range")
	}
	return d.replicate([]crdt.Op{op})
}

func (d *DocClient) replicate(ops []crdt.Op) error {
	fragment, err := crdt.Marshal(ops)
	if err != nil {
		return err
	}
	if d.store != nil {
		if err := d.store.AppendDocUpdate(d.roomID, fragment); err != nil {
			log.Printf("Document cache write failed: %v", err)
		}
	}

	d.mu.Lock()
	connected := d.status == SyncConnected && d.conn != nil
	if !connected {
		d.pending = append(d.pending, fragment)
	}
	d.mu.Unlock()

	if connected {
		if err := d.send(crdtsync.EncodeUpdate(fragment)); err != nil {
			// The conn died under us while the status still said
			// connected. The edit is already applied locally; queue the
			// fragment so the reconnect flush delivers it.
			d.mu.Lock()
			d.pending = append(d.pending, fragment)
			d.mu.Unlock()
		}
	}
	return nil
}

// SetCursor publishes the peer's ephemeral cursor position.
func (d *DocClient) SetCursor(cursor json.RawMessage) {
	d.mu.Lock()
	connected := d.status == SyncConnected && d.conn != nil
	d.mu.Unlock()
	if !connected {
		return
	}
	d.send(crdtsync.EncodeAwareness(crdtsync.Awareness{
		PeerID:   d.peerID,
		Username: d.username,
		Color:    d.color,
		Cursor:   cursor,
	}))
}

// Content renders the replica's current text.
func (d *DocClient) Content() string {
	return d.doc.Content()
}

// Status reports the channel's connection status.
func (d *DocClient) Status() SyncStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Awareness returns the live peer entries, local peer excluded.
func (d *DocClient) Awareness() map[string]crdtsync.Awareness {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := make(map[string]crdtsync.Awareness, len(d.awareness))
	for id, a := range d.awareness {
		entries[id] = a
	}
	return entries
}

// send writes one frame. Callers replicating document state must re-queue
// on error; awareness senders may ignore it, the entry is ephemeral anyway.
func (d *DocClient) send(frame []byte) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client: sync not connected")
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (d *DocClient) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()

		d.mu.Lock()
		if d.conn == conn {
			d.conn = nil
		}
		closed := d.closed
		if !closed {
			d.setStatusLocked(SyncDisconnected)
		}
		d.mu.Unlock()

		// Edits keep applying locally while we are down; reconnect in the
		// background and let the flush reconcile.
		if !closed {
			go func() {
				if err := d.Connect(); err != nil {
					log.Printf("Sync reconnect failed: %v", err)
				}
			}()
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		d.handleFrame(frame)
	}
}

func (d *DocClient) handleFrame(frame []byte) {
	if fragments, ok := crdtsync.DecodeCatchup(frame); ok {
		for _, fragment := range fragments {
			if err := d.doc.ApplyUpdate(fragment); err != nil {
				log.Printf("Dropping bad fragment: %v", err)
				continue
			}
			if d.store != nil {
				if err := d.store.AppendDocUpdate(d.roomID, fragment); err != nil {
					log.Printf("Document cache write failed: %v", err)
				}
			}
		}
		return
	}

	if fragment, ok := crdtsync.DecodeUpdate(frame); ok {
		if err := d.doc.ApplyUpdate(fragment); err != nil {
			log.Printf("Dropping bad fragment: %v", err)
			return
		}
		if d.store != nil {
			if err := d.store.AppendDocUpdate(d.roomID, fragment); err != nil {
				log.Printf("Document cache write failed: %v", err)
			}
		}
		return
	}

	if a, err := crdtsync.DecodeAwareness(frame); err == nil {
		d.mu.Lock()
		if a.Removed {
			delete(d.awareness, a.PeerID)
		} else if a.PeerID != d.peerID {
			d.awareness[a.PeerID] = a
		}
		d.mu.Unlock()
	}
}

func (d *DocClient) setStatusLocked(s SyncStatus) {
	if d.status == s {
		return
	}
	d.status = s
	if d.OnStatusChange != nil {
		go d.OnStatusChange(s)
	}
}
