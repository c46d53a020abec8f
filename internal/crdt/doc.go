// Package crdt implements the mergeable text document carried over the
// replication channel. Characters get dense fractional positions; deletes
// are tombstones. Applying any set of update fragments is commutative,
// associative and idempotent, so replicas converge no matter how the
// network reorders or duplicates delivery.
package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Digits are allocated in this base; large enough that sequential typing
// rarely has to extend a position.
const digitBase = 1 << 16

// ID uniquely names a character: a per-peer logical clock plus the peer
// that created it.
type ID struct {
	Clock uint64 `json:"clock"`
	Peer  string `json:"peer"`
}

// Position is a list of digits ordered lexicographically. Equal positions
// (possible under concurrent inserts) are tie-broken by character ID.
type Position []uint32

// Char is one element of the sequence.
type Char struct {
	ID    ID       `json:"id"`
	Value string   `json:"value"`
	Pos   Position `json:"pos"`
}

const (
	ActionInsert = "insert"
	ActionDelete = "delete"
)

// Op is a single replicated operation.
type Op struct {
	Action string `json:"action"`
	Char   *Char  `json:"char,omitempty"`
	Target *ID    `json:"target,omitempty"`
}

// Marshal encodes ops as an opaque update fragment.
func Marshal(ops []Op) ([]byte, error) {
	return json.Marshal(ops)
}

// Unmarshal decodes an update fragment.
func Unmarshal(fragment []byte) ([]Op, error) {
	var ops []Op
	if err := json.Unmarshal(fragment, &ops); err != nil {
		return nil, fmt.Errorf("crdt: decode fragment: %w", err)
	}
	return ops, nil
}

// Doc is one replica of the shared text.
type Doc struct {
	mu    sync.RWMutex
	peer  string
	clock uint64
	chars map[ID]Char
	tombs map[ID]bool
}

func NewDoc(peer string) *Doc {
	return &Doc{
		peer:  peer,
		chars: make(map[ID]Char),
		tombs: make(map[ID]bool),
	}
}

// Peer returns the replica's identifier.
func (d *Doc) Peer() string {
	return d.peer
}

// InsertAt inserts value at the given index of the visible sequence and
// returns the op to replicate. Indexes outside the sequence clamp to the
// ends.
func (d *Doc) InsertAt(index int, value string) Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleLocked()
	if index < 0 {
		index = 0
	}
	if index > len(visible) {
		index = len(visible)
	}

	var lo, hi Position
	if index > 0 {
		lo = visible[index-1].Pos
	}
	if index < len(visible) {
		hi = visible[index].Pos
	}

	d.clock++
	char := Char{
		ID:    ID{Clock: d.clock, Peer: d.peer},
		Value: value,
		Pos:   between(lo, hi),
	}
	d.chars[char.ID] = char
	return Op{Action: ActionInsert, Char: &char}
}

// DeleteAt tombstones the character at index and returns the op to
// replicate. Out-of-range indexes report false.
func (d *Doc) DeleteAt(index int) (Op, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleLocked()
	if index < 0 || index >= len(visible) {
		return Op{}, false
	}
	target := visible[index].ID
	d.tombs[target] = true
	return Op{Action: ActionDelete, Target: &target}, true
}

// Apply merges one op. Duplicate delivery is harmless: inserts are a set
// union and deletes only ever add a tombstone.
func (d *Doc) Apply(op Op) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applyLocked(op)
}

func (d *Doc) applyLocked(op Op) {
	switch op.Action {
	case ActionInsert:
		if op.Char == nil {
			return
		}
		if _, ok := d.chars[op.Char.ID]; !ok {
			d.chars[op.Char.ID] = *op.Char
		}
		// Keep the local clock ahead of everything observed so our own
		// IDs never collide with replayed ones.
		if op.Char.ID.Peer == d.peer && op.Char.ID.Clock > d.clock {
			d.clock = op.Char.ID.Clock
		}
	case ActionDelete:
		if op.Target == nil {
			return
		}
		// A delete may arrive before its insert; the tombstone wins
		// whenever the character shows up.
		d.tombs[*op.Target] = true
	}
}

// ApplyUpdate merges an encoded fragment.
func (d *Doc) ApplyUpdate(fragment []byte) error {
	ops, err := Unmarshal(fragment)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range ops {
		d.applyLocked(op)
	}
	return nil
}

// Content renders the visible sequence.
func (d *Doc) Content() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var b strings.Builder
	for _, c := range d.visibleLocked() {
		b.WriteString(c.Value)
	}
	return b.String()
}

// Len reports the number of visible characters.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.visibleLocked())
}

func (d *Doc) visibleLocked() []Char {
	visible := make([]Char, 0, len(d.chars))
	for id, c := range d.chars {
		if !d.tombs[id] {
			visible = append(visible, c)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		if cmp := comparePos(visible[i].Pos, visible[j].Pos); cmp != 0 {
			return cmp < 0
		}
		a, b := visible[i].ID, visible[j].ID
		if a.Peer != b.Peer {
			return a.Peer < b.Peer
		}
		return a.Clock < b.Clock
	})
	return visible
}

func comparePos(a, b Position) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// between allocates a position strictly after lo and, while the new
// position still shares lo's digits, strictly before hi. nil bounds mean
// the ends of the sequence.
func between(lo, hi Position) Position {
	var out Position
	bounded := hi != nil
	for i := 0; ; i++ {
		var l uint32
		if i < len(lo) {
			l = lo[i]
		}
		h := uint32(digitBase)
		if bounded {
			if i < len(hi) {
				h = hi[i]
			} else {
				// hi is a prefix of the digits chosen so far, which can
				// only happen for concurrent equal positions; ID order
				// breaks that tie, so hi stops constraining.
				bounded = false
			}
		}
		if h > l+1 {
			return append(out, l+1)
		}
		// No gap at this depth: keep lo's digit and descend. Once the
		// chosen digit is strictly below hi's, hi stops constraining.
		out = append(out, l)
		if h == l+1 {
			bounded = false
		}
	}
}
