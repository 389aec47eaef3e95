package crdt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rawblock/cojson/pkg/covalue"
)

type textInsOp struct {
	Op     string `json:"op"`
	After  string `json:"after,omitempty"`
	Before string `json:"before,omitempty"`
	Text   string `json:"text"`
}

// PlainText is a CoList of single characters with the "ins" compression
// op (§4.6 CoPlainText): a CoList of runes, not a distinct algorithm.
type PlainText struct {
	list *List
}

// NewPlainText creates an empty CoPlainText fold.
func NewPlainText() *PlainText {
	return &PlainText{list: NewList()}
}

// Apply folds one coplaintext change: "ins" (expanding into a run of
// single-rune CoList insertions sharing a parent for locality) or "del"
// (delegated straight to the underlying CoList, since coplaintext
// positions are CoList positions).
func (t *PlainText) Apply(txID covalue.TransactionID, order covalue.OrderKey, seq int, change json.RawMessage) error {
	var probe struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(change, &probe); err != nil {
		return fmt.Errorf("crdt: coplaintext: decode change: %w", err)
	}

	if probe.Op == "del" {
		return t.list.Apply(txID, order, seq, change)
	}
	if probe.Op != "ins" {
		return fmt.Errorf("crdt: coplaintext: unknown op %q", probe.Op)
	}

	var op textInsOp
	if err := json.Unmarshal(change, &op); err != nil {
		return fmt.Errorf("crdt: coplaintext: decode ins: %w", err)
	}

	runes := []rune(op.Text)
	if len(runes) == 0 {
		return nil
	}

	anchorStr, side := op.After, sideAfter
	if op.Before != "" {
		anchorStr, side = op.Before, sideBefore
	}
	anchor, err := ParseAnchor(anchorStr)
	if err != nil {
		return fmt.Errorf("crdt: coplaintext: ins: %w", err)
	}

	// Each rune shares the introducing transaction but gets its own
	// sub-sequence number, chaining each new character after/before the
	// previous one so the run renders contiguously (§4.6 "share a parent
	// for locality").
	for i, r := range runes {
		charValue, _ := json.Marshal(string(r))
		pos := PosID{Tx: txID, Seq: seq + i}
		if err := t.list.insert(pos, order, charValue, anchor, side); err != nil {
			return err
		}
		anchor = Anchor{Pos: pos}
		side = sideAfter
	}
	return nil
}

// Text renders the current materialization as a string.
func (t *PlainText) Text() string {
	var b strings.Builder
	for _, el := range t.list.Snapshot() {
		var r string
		_ = json.Unmarshal(el.Value, &r)
		b.WriteString(r)
	}
	return b.String()
}

// Positions returns the live position identifiers in document order,
// paired with their rune, for building insert/delete anchors.
func (t *PlainText) Positions() []Element {
	return t.list.Snapshot()
}

// InsertAfter builds the wire change for inserting text after pos
// ("start" for the very beginning).
func InsertAfter(pos Anchor, text string) json.RawMessage {
	out, _ := json.Marshal(textInsOp{Op: "ins", After: pos.String(), Text: text})
	return out
}

// InsertBefore builds the wire change for inserting text before pos
// ("end" for the very end).
func InsertBefore(pos Anchor, text string) json.RawMessage {
	out, _ := json.Marshal(textInsOp{Op: "ins", Before: pos.String(), Text: text})
	return out
}

// DeleteRange returns the wire changes that tombstone every live position
// in [from, to) of the current materialization.
func (t *PlainText) DeleteRange(from, to int) []json.RawMessage {
	elems := t.list.Snapshot()
	var out []json.RawMessage
	for i := from; i < to && i < len(elems); i++ {
		out = append(out, EncodeListDel(elems[i].ID))
	}
	return out
}

// ApplyDiff computes the minimum edit script turning the current
// materialized text into newString and returns the changes a single
// transaction would need to carry to apply it (§4.6, §8 scenario S6). It
// does not mutate t; the caller applies the returned changes through the
// normal transaction path so they get chain-hashed and replicated like any
// other write.
func (t *PlainText) ApplyDiff(newString string) []json.RawMessage {
	oldRunes := []rune(t.Text())
	newRunes := []rune(newString)
	ops := diffOps(oldRunes, newRunes)

	elems := t.list.Snapshot()
	var changes []json.RawMessage
	i := 0 // index into elems (old string position)
	run := ""
	flushInsert := func() {
		if run == "" {
			return
		}
		var anchor Anchor
		if i == 0 {
			anchor = Anchor{Start: true}
		} else {
			anchor = Anchor{Pos: elems[i-1].ID}
		}
		changes = append(changes, InsertAfter(anchor, run))
		run = ""
	}

	for _, op := range ops {
		switch op.kind {
		case diffEqual:
			flushInsert()
			i++
		case diffDelete:
			flushInsert()
			changes = append(changes, EncodeListDel(elems[i].ID))
			i++
		case diffInsert:
			run += string(op.r)
		}
	}
	flushInsert()
	return changes
}
