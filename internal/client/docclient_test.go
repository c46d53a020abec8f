package client

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/crdtsync"
	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/localstore"
)

func newSyncServer(t *testing.T) *httptest.Server {
	t.Helper()
	hub := crdtsync.NewHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		crdtsync.ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDocClient(t *testing.T, srv *httptest.Server, roomID, username string, store *localstore.Store) *DocClient {
	t.Helper()
	d, err := NewDocClient(wsURL(srv), roomID, username, "#ff0000", store)
	if err != nil {
		t.Fatalf("Failed to create doc client: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestDocReplicationBetweenPeers(t *testing.T) {
	srv := newSyncServer(t)

	alice := newDocClient(t, srv, "room-1", "Alice", nil)
	bob := newDocClient(t, srv, "room-1", "Bob", nil)
	if err := alice.Connect(); err != nil {
		t.Fatalf("Alice connect failed: %v", err)
	}
	if err := bob.Connect(); err != nil {
		t.Fatalf("Bob connect failed: %v", err)
	}

	alice.Insert(0, "h")
	alice.Insert(1, "i")
	waitFor(t, func() bool { return bob.Content() == "hi" }, "Bob never converged on the insert")

	bob.Delete(0)
	waitFor(t, func() bool { return alice.Content() == "i" }, "Alice never converged on the delete")
}

func TestDocLateJoinerCatchesUp(t *testing.T) {
	srv := newSyncServer(t)

	alice := newDocClient(t, srv, "room-1", "Alice", nil)
	if err := alice.Connect(); err != nil {
		t.Fatalf("Alice connect failed: %v", err)
	}
	alice.Insert(0, "a")
	alice.Insert(1, "b")
	alice.Insert(2, "c")

	bob := newDocClient(t, srv, "room-1", "Bob", nil)
	if err := bob.Connect(); err != nil {
		t.Fatalf("Bob connect failed: %v", err)
	}

	waitFor(t, func() bool { return bob.Content() == "abc" }, "Late joiner never caught up")
}

func TestDocOfflineEditsQueueAndFlush(t *testing.T) {
	srv := newSyncServer(t)

	bob := newDocClient(t, srv, "room-1", "Bob", nil)
	if err := bob.Connect(); err != nil {
		t.Fatalf("Bob connect failed: %v", err)
	}

	// Alice edits before her channel is up; the edits apply locally and
	// queue for the flush.
	alice := newDocClient(t, srv, "room-1", "Alice", nil)
	alice.Insert(0, "o")
	alice.Insert(0, "g")
	if alice.Content() != "go" {
		t.Fatalf("Offline edit should apply locally, got %q", alice.Content())
	}
	if alice.Status() != SyncDisconnected {
		t.Fatalf("Expected disconnected status, got %v", alice.Status())
	}

	if err := alice.Connect(); err != nil {
		t.Fatalf("Alice connect failed: %v", err)
	}
	if alice.Status() != SyncConnected {
		t.Errorf("Expected connected status, got %v", alice.Status())
	}

	waitFor(t, func() bool { return bob.Content() == "go" }, "Queued edits never flushed")
}

func TestDocEditOnDyingConnIsRequeued(t *testing.T) {
	srv := newSyncServer(t)

	d := newDocClient(t, srv, "room-1", "Alice", nil)

	// A conn that died before the read loop noticed: status still says
	// connected, but every write fails.
	raw, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"/?room=room-1&peer=dead", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	raw.Close()
	d.mu.Lock()
	d.conn = raw
	d.status = SyncConnected
	d.mu.Unlock()

	if err := d.Insert(0, "x"); err != nil {
		t.Fatalf("Insert should succeed locally, got %v", err)
	}
	if d.Content() != "x" {
		t.Fatalf("Edit should apply locally, got %q", d.Content())
	}

	// The failed write must leave the fragment queued for the flush.
	d.mu.Lock()
	queued := len(d.pending)
	d.mu.Unlock()
	if queued != 1 {
		t.Fatalf("Expected 1 queued fragment after the failed write, got %d", queued)
	}

	// A fresh connection flushes it to the room.
	d.mu.Lock()
	d.conn = nil
	d.status = SyncDisconnected
	d.mu.Unlock()

	bob := newDocClient(t, srv, "room-1", "Bob", nil)
	if err := bob.Connect(); err != nil {
		t.Fatalf("Bob connect failed: %v", err)
	}
	if err := d.Connect(); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	waitFor(t, func() bool { return bob.Content() == "x" }, "Queued edit never reached peers")
}

func TestDocAwarenessLifecycle(t *testing.T) {
	srv := newSyncServer(t)

	alice := newDocClient(t, srv, "room-1", "Alice", nil)
	bob := newDocClient(t, srv, "room-1", "Bob", nil)
	if err := alice.Connect(); err != nil {
		t.Fatalf("Alice connect failed: %v", err)
	}
	if err := bob.Connect(); err != nil {
		t.Fatalf("Bob connect failed: %v", err)
	}

	// Bob's hello broadcast announces him to Alice.
	waitFor(t, func() bool {
		_, ok := alice.Awareness()[bob.PeerID()]
		return ok
	}, "Alice never saw Bob's awareness entry")

	alice.SetCursor([]byte(`{"index":3}`))
	waitFor(t, func() bool {
		a, ok := bob.Awareness()[alice.PeerID()]
		return ok && a.Username == "Alice" && string(a.Cursor) == `{"index":3}`
	}, "Bob never saw Alice's cursor")

	// Awareness is ephemeral: entries vanish with their peer.
	alice.Close()
	waitFor(t, func() bool {
		_, ok := bob.Awareness()[alice.PeerID()]
		return !ok
	}, "Alice's entry survived her disconnect")
}

func TestDocCacheRestoresWithoutConnection(t *testing.T) {
	srv := newSyncServer(t)

	store, err := localstore.New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	first := newDocClient(t, srv, "room-1", "Alice", store)
	first.Insert(0, "k")
	first.Insert(1, "e")
	first.Insert(2, "p")
	first.Insert(3, "t")
	first.Close()

	// A fresh replica over the same cache reads the document without ever
	// dialing.
	second := newDocClient(t, srv, "room-1", "Alice", store)
	if got := second.Content(); got != "kept" {
		t.Errorf("Expected cached document restored, got %q", got)
	}
}

func TestDocCacheSurvivesCompaction(t *testing.T) {
	srv := newSyncServer(t)

	store, err := localstore.New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	first := newDocClient(t, srv, "room-1", "Alice", store)
	first.Insert(0, "a")
	first.Insert(1, "b")
	first.Close()

	if err := store.Compact("room-1"); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	second := newDocClient(t, srv, "room-1", "Alice", store)
	if got := second.Content(); got != "ab" {
		t.Errorf("Expected document intact after compaction, got %q", got)
	}
}

func TestDocDeleteOutOfRange(t *testing.T) {
	srv := newSyncServer(t)
	d := newDocClient(t, srv, "room-1", "Alice", nil)

	if err := d.Delete(0); err == nil {
		t.Error("Expected error deleting from an empty document")
	}
}

func TestDocCloseIsIdempotent(t *testing.T) {
	srv := newSyncServer(t)
	d := newDocClient(t, srv, "room-1", "Alice", nil)
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	d.Close()
	d.Close()

	if d.Status() != SyncDisconnected {
		t.Errorf("Expected disconnected after close, got %v", d.Status())
	}
	if err := d.Connect(); err == nil {
		t.Error("Connect after close should fail")
	}
}
