package crdtsync

import (
	"fmt"
	"testing"
	"time"
)

func newTestConn(roomID, peerID string) *Conn {
	return &Conn{
		send:   make(chan []byte, 64),
		roomID: roomID,
		peerID: peerID,
	}
}

func settle() {
	time.Sleep(20 * time.Millisecond)
}

func drain(c *Conn) [][]byte {
	var frames [][]byte
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return frames
			}
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func TestUpdateFanOutExcludesSender(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	a := newTestConn("room-1", "peer-a")
	b := newTestConn("room-1", "peer-b")
	hub.register <- a
	hub.register <- b
	settle()

	frame := EncodeUpdate([]byte(`[{"action":"insert"}]`))
	hub.broadcast <- &Message{RoomID: "room-1", Data: frame, Sender: a}
	settle()

	if got := drain(a); len(got) != 0 {
		t.Errorf("Sender should not receive its own update, got %d frames", len(got))
	}
	got := drain(b)
	if len(got) != 1 || string(got[0]) != string(frame) {
		t.Errorf("Expected the update at b, got %v", got)
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	a := newTestConn("room-1", "peer-a")
	b := newTestConn("room-2", "peer-b")
	hub.register <- a
	hub.register <- b
	settle()

	hub.broadcast <- &Message{RoomID: "room-1", Data: EncodeUpdate([]byte(`[]`)), Sender: a}
	settle()

	if got := drain(b); len(got) != 0 {
		t.Errorf("Update leaked across rooms: %d frames", len(got))
	}
}

func TestLateJoinerReplay(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	a := newTestConn("room-1", "peer-a")
	hub.register <- a
	settle()

	first := []byte(`[{"action":"insert","n":1}]`)
	second := []byte(`[{"action":"insert","n":2}]`)
	hub.broadcast <- &Message{RoomID: "room-1", Data: EncodeUpdate(first), Sender: a}
	hub.broadcast <- &Message{RoomID: "room-1", Data: EncodeUpdate(second), Sender: a}
	settle()

	late := newTestConn("room-1", "peer-late")
	hub.register <- late
	settle()

	got := drain(late)
	if len(got) != 1 {
		t.Fatalf("Expected 1 catch-up frame, got %d", len(got))
	}
	fragments, ok := DecodeCatchup(got[0])
	if !ok {
		t.Fatal("Expected a catch-up frame")
	}
	if len(fragments) != 2 {
		t.Fatalf("Expected 2 fragments in the catch-up, got %d", len(fragments))
	}
	for i, want := range [][]byte{first, second} {
		if string(fragments[i]) != string(want) {
			t.Errorf("Fragment %d: got %q, want %q", i, fragments[i], want)
		}
	}
}

func TestLateJoinerReplayBeyondSendBuffer(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	a := newTestConn("room-1", "peer-a")
	hub.register <- a
	settle()

	// Far more fragments than any send channel buffers; none may go missing.
	const fragments = 600
	for i := 0; i < fragments; i++ {
		hub.broadcast <- &Message{
			RoomID: "room-1",
			Data:   EncodeUpdate([]byte(fmt.Sprintf(`[{"n":%d}]`, i))),
			Sender: a,
		}
	}
	settle()

	late := newTestConn("room-1", "peer-late")
	hub.register <- late
	settle()

	got := drain(late)
	if len(got) != 1 {
		t.Fatalf("Expected 1 catch-up frame, got %d", len(got))
	}
	replayed, ok := DecodeCatchup(got[0])
	if !ok {
		t.Fatal("Expected a catch-up frame")
	}
	if len(replayed) != fragments {
		t.Fatalf("Catch-up lost history: got %d of %d fragments", len(replayed), fragments)
	}
	for i, fragment := range replayed {
		if want := fmt.Sprintf(`[{"n":%d}]`, i); string(fragment) != want {
			t.Fatalf("Fragment %d corrupted: %q", i, fragment)
		}
	}
}

func TestHandshakeAndAwarenessNotBuffered(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	a := newTestConn("room-1", "peer-a")
	hub.register <- a
	settle()

	hub.broadcast <- &Message{RoomID: "room-1", Data: []byte{0, 0, 1, 2}, Sender: a}
	hub.broadcast <- &Message{RoomID: "room-1", Data: EncodeAwareness(Awareness{PeerID: "peer-a"}), Sender: a}
	settle()

	late := newTestConn("room-1", "peer-late")
	hub.register <- late
	settle()

	if got := drain(late); len(got) != 0 {
		t.Errorf("Only update fragments should be replayed, got %d frames", len(got))
	}
}

func TestDisconnectBroadcastsAwarenessRemoval(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	a := newTestConn("room-1", "peer-a")
	b := newTestConn("room-1", "peer-b")
	hub.register <- a
	hub.register <- b
	settle()
	drain(a)
	drain(b)

	hub.unregister <- a
	settle()

	got := drain(b)
	if len(got) != 1 {
		t.Fatalf("Expected 1 removal frame, got %d", len(got))
	}
	removal, err := DecodeAwareness(got[0])
	if err != nil {
		t.Fatalf("Failed to decode removal frame: %v", err)
	}
	if removal.PeerID != "peer-a" || !removal.Removed {
		t.Errorf("Unexpected removal payload: %+v", removal)
	}
}

func TestBufferSurvivesEmptyRoom(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	a := newTestConn("room-1", "peer-a")
	hub.register <- a
	settle()

	fragment := []byte(`[{"action":"insert"}]`)
	hub.broadcast <- &Message{RoomID: "room-1", Data: EncodeUpdate(fragment), Sender: a}
	settle()

	hub.unregister <- a
	settle()

	if hub.RoomCount() != 0 {
		t.Fatalf("Expected 0 active rooms, got %d", hub.RoomCount())
	}

	late := newTestConn("room-1", "peer-late")
	hub.register <- late
	settle()

	if got := drain(late); len(got) != 1 {
		t.Errorf("Expected the buffered update to survive the empty room, got %d", len(got))
	}
}

func TestEvictIdleBuffers(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	a := newTestConn("room-1", "peer-a")
	hub.register <- a
	settle()
	hub.broadcast <- &Message{RoomID: "room-1", Data: EncodeUpdate([]byte(`[]`)), Sender: a}
	settle()
	hub.unregister <- a
	settle()

	// Fresh activity is kept.
	if evicted := hub.EvictIdleBuffers(time.Hour); evicted != 0 {
		t.Errorf("Expected 0 evictions for a fresh buffer, got %d", evicted)
	}
	// A zero TTL ages everything out.
	if evicted := hub.EvictIdleBuffers(-time.Second); evicted != 1 {
		t.Errorf("Expected 1 eviction, got %d", evicted)
	}
}

func TestSlowConsumerDetached(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	a := newTestConn("room-1", "peer-a")
	slow := &Conn{send: make(chan []byte), roomID: "room-1", peerID: "peer-slow"}
	hub.register <- a
	hub.register <- slow
	settle()

	hub.broadcast <- &Message{RoomID: "room-1", Data: EncodeUpdate([]byte(`[]`)), Sender: a}
	settle()

	if hub.ClientCount() != 1 {
		t.Errorf("Expected the slow consumer to be detached, got %d clients", hub.ClientCount())
	}
	if _, ok := <-slow.send; ok {
		t.Error("Expected the slow consumer's channel to be closed")
	}
}
