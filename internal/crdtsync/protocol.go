// Package crdtsync implements the document replication channel: a relay for
// opaque, mergeable update fragments plus ephemeral per-peer awareness. It
// runs on its own listener, independent of the room event relay.
package crdtsync

import (
	"encoding/json"
	"fmt"
)

// MessageType is the first byte of every frame.
type MessageType byte

const (
	// Document sync protocol messages
	MessageSync MessageType = 0

	// Awareness protocol messages (cursors, names, colors)
	MessageAwareness MessageType = 1
)

// SyncStep is the second byte of a sync frame.
type SyncStep byte

const (
	// Client sends its state vector
	SyncStep1 SyncStep = 0

	// Peer responds with missing updates
	SyncStep2 SyncStep = 1

	// Regular update broadcast
	SyncUpdate SyncStep = 2
)

// Awareness is one peer's ephemeral presence entry. Removed entries are
// broadcast when the owning peer disconnects so others can drop them.
type Awareness struct {
	PeerID   string          `json:"peerId"`
	Username string          `json:"username,omitempty"`
	Color    string          `json:"color,omitempty"`
	Cursor   json.RawMessage `json:"cursor,omitempty"`
	Removed  bool            `json:"removed,omitempty"`
}

// ParseMessageType extracts the message type from the first byte.
func ParseMessageType(data []byte) MessageType {
	if len(data) == 0 {
		return MessageSync
	}
	return MessageType(data[0])
}

// ParseSyncStep extracts the sync step from the second byte.
func ParseSyncStep(data []byte) SyncStep {
	if len(data) < 2 {
		return SyncStep1
	}
	return SyncStep(data[1])
}

// Validate checks framing only; fragment bodies stay opaque to the relay.
func Validate(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty message")
	}

	switch MessageType(data[0]) {
	case MessageSync:
		if len(data) < 2 {
			return fmt.Errorf("sync message too short")
		}
		if SyncStep(data[1]) > SyncUpdate {
			return fmt.Errorf("invalid sync step: %d", data[1])
		}
		return nil
	case MessageAwareness:
		if len(data) < 2 {
			return fmt.Errorf("awareness message too short")
		}
		return nil
	default:
		return fmt.Errorf("unknown message type: %d", data[0])
	}
}

// EncodeUpdate frames a document update fragment.
func EncodeUpdate(fragment []byte) []byte {
	frame := make([]byte, 0, len(fragment)+2)
	frame = append(frame, byte(MessageSync), byte(SyncUpdate))
	return append(frame, fragment...)
}

// DecodeUpdate returns the fragment body of an update frame, or false for
// any other frame.
func DecodeUpdate(frame []byte) ([]byte, bool) {
	if len(frame) < 2 || MessageType(frame[0]) != MessageSync || SyncStep(frame[1]) != SyncUpdate {
		return nil, false
	}
	return frame[2:], true
}

// EncodeCatchup frames a set of update fragments as one sync reply. Late
// joiners get the whole room buffer this way: a single frame cannot be
// partially dropped by a full send queue the way per-fragment replay can.
func EncodeCatchup(fragments [][]byte) []byte {
	merged := MergeUpdates(fragments)
	frame := make([]byte, 0, len(merged)+2)
	frame = append(frame, byte(MessageSync), byte(SyncStep2))
	return append(frame, merged...)
}

// DecodeCatchup returns the fragments of a sync reply frame, or false for
// any other frame.
func DecodeCatchup(frame []byte) ([][]byte, bool) {
	if len(frame) < 2 || MessageType(frame[0]) != MessageSync || SyncStep(frame[1]) != SyncStep2 {
		return nil, false
	}
	return SplitMergedUpdates(frame[2:]), true
}

// MergeUpdates concatenates fragments with length prefixes so they travel
// or persist as one blob and split back apart losslessly.
func MergeUpdates(updates [][]byte) []byte {
	totalSize := 0
	for _, update := range updates {
		totalSize += len(update)
	}

	merged := make([]byte, 0, totalSize+len(updates)*4)

	for _, update := range updates {
		length := uint32(len(update))
		merged = append(merged, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
		merged = append(merged, update...)
	}

	return merged
}

// SplitMergedUpdates reverses MergeUpdates. Trailing garbage that does not
// frame a whole fragment is discarded.
func SplitMergedUpdates(merged []byte) [][]byte {
	var updates [][]byte
	offset := 0

	for offset < len(merged) {
		if offset+4 > len(merged) {
			break
		}

		length := uint32(merged[offset])<<24 |
			uint32(merged[offset+1])<<16 |
			uint32(merged[offset+2])<<8 |
			uint32(merged[offset+3])
		offset += 4

		if offset+int(length) > len(merged) {
			break
		}

		update := make([]byte, length)
		copy(update, merged[offset:offset+int(length)])
		updates = append(updates, update)
		offset += int(length)
	}

	return updates
}

// EncodeAwareness frames an awareness entry.
func EncodeAwareness(a Awareness) []byte {
	body, err := json.Marshal(a)
	if err != nil {
		// Awareness carries only marshalable fields.
		panic(fmt.Sprintf("crdtsync: marshal awareness: %v", err))
	}
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, byte(MessageAwareness))
	return append(frame, body...)
}

// DecodeAwareness parses an awareness frame.
func DecodeAwareness(frame []byte) (Awareness, error) {
	var a Awareness
	if len(frame) < 2 || MessageType(frame[0]) != MessageAwareness {
		return a, fmt.Errorf("not an awareness frame")
	}
	if err := json.Unmarshal(frame[1:], &a); err != nil {
		return a, fmt.Errorf("decode awareness: %w", err)
	}
	return a, nil
}
