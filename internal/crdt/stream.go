package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/rawblock/cojson/pkg/covalue"
)

type streamOp struct {
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`
	Chunk []byte          `json:"chunk,omitempty"`
}

// StreamEntry is one committed entry in a session's feed.
type StreamEntry struct {
	TxID  covalue.TransactionID
	Order covalue.OrderKey
	Value json.RawMessage
}

// Stream is the CoStream fold (§4.6): per-session append-only feeds with
// no cross-session merge — the public view is "for each session, the
// ordered list of its entries."
type Stream struct {
	perSession map[string][]StreamEntry // sessionID string -> ordered entries
	seen       map[string]bool          // txID string -> already applied (idempotent ingest)
}

// NewStream creates an empty CoStream fold.
func NewStream() *Stream {
	return &Stream{perSession: make(map[string][]StreamEntry), seen: make(map[string]bool)}
}

// Apply folds one costream entry. Plain entries use {"op":"append",...};
// binary sub-streams use "start"/"push"/"end" (§4.6 "Binary streams").
func (s *Stream) Apply(txID covalue.TransactionID, order covalue.OrderKey, seq int, change json.RawMessage) error {
	var op streamOp
	if err := json.Unmarshal(change, &op); err != nil {
		return fmt.Errorf("crdt: costream: decode change: %w", err)
	}

	dedupeKey := fmt.Sprintf("%s#%d", txID.String(), seq)
	if s.seen[dedupeKey] {
		return nil
	}

	switch op.Op {
	case "append", "start", "push", "end":
		sess := txID.Session.String()
		s.perSession[sess] = append(s.perSession[sess], StreamEntry{TxID: txID, Order: order, Value: change})
		s.seen[dedupeKey] = true
		return nil
	default:
		return fmt.Errorf("crdt: costream: unknown op %q", op.Op)
	}
}

// AllSessions returns every session ID with at least one entry.
func (s *Stream) AllSessions() []string {
	out := make([]string, 0, len(s.perSession))
	for sess := range s.perSession {
		out = append(out, sess)
	}
	return out
}

// Session returns the ordered feed for one session.
func (s *Stream) Session(sessionID string) []StreamEntry {
	return s.perSession[sessionID]
}

// LatestPerSession returns, for each session, its most recent entry.
func (s *Stream) LatestPerSession() map[string]StreamEntry {
	out := make(map[string]StreamEntry, len(s.perSession))
	for sess, entries := range s.perSession {
		if len(entries) > 0 {
			out[sess] = entries[len(entries)-1]
		}
	}
	return out
}

// LatestPerAccount returns, for each account, the most recent entry across
// all of that account's sessions, by causal order (§4.6 "Convenience
// accessors").
func (s *Stream) LatestPerAccount() map[string]StreamEntry {
	out := make(map[string]StreamEntry)
	for _, entries := range s.perSession {
		if len(entries) == 0 {
			continue
		}
		latest := entries[len(entries)-1]
		acc := latest.TxID.Session.Account.String()
		cur, ok := out[acc]
		if !ok || latest.Order.Wins(cur.Order) {
			out[acc] = latest
		}
	}
	return out
}

// All returns every entry across every session, grouped by session ID.
func (s *Stream) All() map[string][]StreamEntry {
	out := make(map[string][]StreamEntry, len(s.perSession))
	for sess, entries := range s.perSession {
		cp := make([]StreamEntry, len(entries))
		copy(cp, entries)
		out[sess] = cp
	}
	return out
}

// DecodeBinary concatenates the chunks of a single session's binary
// sub-stream between a matched start/end pair (§4.6 "Binary streams").
// Returns an error if no matched start/end pair is found.
func DecodeBinary(entries []StreamEntry) ([]byte, error) {
	var out []byte
	inRun := false
	for _, e := range entries {
		var op streamOp
		if err := json.Unmarshal(e.Value, &op); err != nil {
			return nil, fmt.Errorf("crdt: costream: decode binary entry: %w", err)
		}
		switch op.Op {
		case "start":
			inRun = true
			out = out[:0]
		case "push":
			if inRun {
				out = append(out, op.Chunk...)
			}
		case "end":
			if inRun {
				return out, nil
			}
		}
	}
	return nil, fmt.Errorf("crdt: costream: no matched start/end binary run")
}

// EncodeAppend builds the wire payload for a plain costream append.
func EncodeAppend(value json.RawMessage) json.RawMessage {
	out, _ := json.Marshal(streamOp{Op: "append", Value: value})
	return out
}

// EncodeBinaryStart/Push/End build the wire payloads for a binary
// sub-stream (§4.6).
func EncodeBinaryStart() json.RawMessage {
	out, _ := json.Marshal(streamOp{Op: "start"})
	return out
}

func EncodeBinaryPush(chunk []byte) json.RawMessage {
	out, _ := json.Marshal(streamOp{Op: "push", Chunk: chunk})
	return out
}

func EncodeBinaryEnd() json.RawMessage {
	out, _ := json.Marshal(streamOp{Op: "end"})
	return out
}
