package crdt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rawblock/cojson/pkg/covalue"
)

// PosID is the stable position identifier used by CoList/CoPlainText
// (§4.6, GLOSSARY "Position identifier"): the introducing transaction's
// ID, extended with a sub-sequence number so one transaction can
// introduce more than one position — needed for CoPlainText's "ins" op,
// which expands into a contiguous run of single-character insertions from
// a single transaction (§4.6).
type PosID struct {
	Tx  covalue.TransactionID
	Seq int
}

func (p PosID) String() string {
	return p.Tx.String() + "#" + strconv.Itoa(p.Seq)
}

// ParsePosID parses the textual form produced by PosID.String.
func ParsePosID(s string) (PosID, error) {
	i := strings.LastIndex(s, "#")
	if i < 0 {
		return PosID{}, fmt.Errorf("crdt: %q is not a position id", s)
	}
	seq, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return PosID{}, fmt.Errorf("crdt: position id %q has bad sequence: %w", s, err)
	}
	var tx covalue.TransactionID
	if err := (&tx).UnmarshalJSON([]byte(strconv.Quote(s[:i]))); err != nil {
		return PosID{}, fmt.Errorf("crdt: position id %q has bad transaction id: %w", s, err)
	}
	return PosID{Tx: tx, Seq: seq}, nil
}

// Anchor is a CoList/CoPlainText insertion anchor: the special "start"/
// "end" sentinels, or an existing position (§4.6).
type Anchor struct {
	Start bool
	End   bool
	Pos   PosID
}

const (
	anchorStartText = "start"
	anchorEndText   = "end"
)

// ParseAnchor decodes the wire string form of an anchor.
func ParseAnchor(s string) (Anchor, error) {
	switch s {
	case anchorStartText:
		return Anchor{Start: true}, nil
	case anchorEndText:
		return Anchor{End: true}, nil
	default:
		pos, err := ParsePosID(s)
		if err != nil {
			return Anchor{}, err
		}
		return Anchor{Pos: pos}, nil
	}
}

// String renders the wire form of an anchor.
func (a Anchor) String() string {
	switch {
	case a.Start:
		return anchorStartText
	case a.End:
		return anchorEndText
	default:
		return a.Pos.String()
	}
}

// key returns the internal map key used to index children of this anchor.
func (a Anchor) key() string {
	switch {
	case a.Start:
		return "\x00start"
	case a.End:
		return "\x00end"
	default:
		return a.Pos.String()
	}
}
