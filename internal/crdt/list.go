package crdt

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rawblock/cojson/pkg/covalue"
)

type listOp struct {
	Op     string          `json:"op"`
	After  string          `json:"after,omitempty"`
	Before string          `json:"before,omitempty"`
	Pos    string          `json:"pos,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
}

type listNode struct {
	id      PosID
	order   covalue.OrderKey
	value   json.RawMessage
	deleted bool
}

const (
	sideBefore = iota
	sideAfter
)

// List is the CoList RGA fold (§4.6). Every position is keyed by the
// PosID of the transaction (and in-transaction sequence) that introduced
// it. Concurrent insertions anchored at the same point converge by
// sorting newer-first, where "newer" is the inserting transaction's causal
// OrderKey (§8 invariant 7, scenario S2).
type List struct {
	nodes    map[string]*listNode // PosID.String() -> node
	children [2]map[string][]string // side -> anchor key -> []PosID.String(), sorted newest-first
}

// NewList creates an empty CoList fold.
func NewList() *List {
	return &List{
		nodes: make(map[string]*listNode),
		children: [2]map[string][]string{
			sideBefore: make(map[string][]string),
			sideAfter:  make(map[string][]string),
		},
	}
}

// Apply folds one colist change ("app", "pre" or "del").
func (l *List) Apply(txID covalue.TransactionID, order covalue.OrderKey, seq int, change json.RawMessage) error {
	var op listOp
	if err := json.Unmarshal(change, &op); err != nil {
		return fmt.Errorf("crdt: colist: decode change: %w", err)
	}

	switch op.Op {
	case "app":
		anchor, err := ParseAnchor(op.After)
		if err != nil {
			return fmt.Errorf("crdt: colist: app: %w", err)
		}
		return l.insert(PosID{Tx: txID, Seq: seq}, order, op.Value, anchor, sideAfter)
	case "pre":
		anchor, err := ParseAnchor(op.Before)
		if err != nil {
			return fmt.Errorf("crdt: colist: pre: %w", err)
		}
		return l.insert(PosID{Tx: txID, Seq: seq}, order, op.Value, anchor, sideBefore)
	case "del":
		pos, err := ParsePosID(op.Pos)
		if err != nil {
			return fmt.Errorf("crdt: colist: del: %w", err)
		}
		l.tombstone(pos)
		return nil
	default:
		return fmt.Errorf("crdt: colist: unknown op %q", op.Op)
	}
}

func (l *List) insert(id PosID, order covalue.OrderKey, value json.RawMessage, anchor Anchor, side int) error {
	key := id.String()
	if _, exists := l.nodes[key]; exists {
		// Idempotent ingest (§8 invariant 5): replaying the same insertion
		// changes nothing.
		return nil
	}
	l.nodes[key] = &listNode{id: id, order: order, value: value}

	ak := anchor.key()
	siblings := l.children[side][ak]
	idx := sort.Search(len(siblings), func(i int) bool {
		sib := l.nodes[siblings[i]]
		// Descending order: first sibling whose order is NOT greater than
		// the new node's order is where the new node belongs.
		return !sib.order.Wins(order)
	})
	siblings = append(siblings, "")
	copy(siblings[idx+1:], siblings[idx:])
	siblings[idx] = key
	l.children[side][ak] = siblings
	return nil
}

func (l *List) tombstone(pos PosID) {
	if n, ok := l.nodes[pos.String()]; ok {
		n.deleted = true
	}
	// A delete for a position that hasn't arrived yet is silently ignored
	// and not recorded: if the introducing transaction lands afterwards,
	// its position is live. The insertion must already be present for the
	// tombstone to take effect.
}

// Element is one live (non-tombstoned) list position in document order.
type Element struct {
	ID    PosID
	Value json.RawMessage
}

// Snapshot returns the live elements in the deterministic RGA order.
func (l *List) Snapshot() []Element {
	var out []Element
	out = append(out, l.expandChildren(sideBefore, "\x00start")...)
	out = append(out, l.expandChildren(sideAfter, "\x00start")...)
	out = append(out, l.expandChildren(sideBefore, "\x00end")...)
	out = append(out, l.expandChildren(sideAfter, "\x00end")...)
	return out
}

func (l *List) expandChildren(side int, anchorKey string) []Element {
	var out []Element
	for _, childKey := range l.children[side][anchorKey] {
		out = append(out, l.expandNode(childKey)...)
	}
	return out
}

func (l *List) expandNode(nodeKey string) []Element {
	node := l.nodes[nodeKey]
	var out []Element
	out = append(out, l.expandChildren(sideBefore, nodeKey)...)
	if !node.deleted {
		out = append(out, Element{ID: node.id, Value: node.value})
	}
	out = append(out, l.expandChildren(sideAfter, nodeKey)...)
	return out
}

// EncodeApp builds the wire payload for an "app" (insert-after) op.
func EncodeApp(after Anchor, value json.RawMessage) json.RawMessage {
	out, _ := json.Marshal(listOp{Op: "app", After: after.String(), Value: value})
	return out
}

// EncodePre builds the wire payload for a "pre" (insert-before) op.
func EncodePre(before Anchor, value json.RawMessage) json.RawMessage {
	out, _ := json.Marshal(listOp{Op: "pre", Before: before.String(), Value: value})
	return out
}

// EncodeListDel builds the wire payload for a colist "del" op.
func EncodeListDel(pos PosID) json.RawMessage {
	out, _ := json.Marshal(listOp{Op: "del", Pos: pos.String()})
	return out
}
