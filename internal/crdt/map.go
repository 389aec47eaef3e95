package crdt

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rawblock/cojson/pkg/covalue"
)

// mapOp decodes both {"op":"set",...} and {"op":"del",...} change shapes
// (§4.6 CoMap).
type mapOp struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

type mapEntry struct {
	value   json.RawMessage
	order   covalue.OrderKey
	deleted bool
}

// Map is the CoMap fold: last-write-wins per key, ordered by
// (madeAt, sessionID, indexInSession) with ties broken toward the
// lexicographically greater session ID (§4.6, §8 scenario S1).
type Map struct {
	entries map[string]mapEntry
}

// NewMap creates an empty CoMap fold.
func NewMap() *Map {
	return &Map{entries: make(map[string]mapEntry)}
}

// Apply folds one comap change. seq is unused: every comap change is a
// single, independently keyed operation.
func (m *Map) Apply(txID covalue.TransactionID, order covalue.OrderKey, seq int, change json.RawMessage) error {
	var op mapOp
	if err := json.Unmarshal(change, &op); err != nil {
		return fmt.Errorf("crdt: comap: decode change: %w", err)
	}
	if op.Key == "" {
		return fmt.Errorf("crdt: comap: change missing key")
	}

	existing, ok := m.entries[op.Key]
	if ok && !order.Wins(existing.order) {
		// Idempotent ingest (§8 invariant 5): a replay of the same or an
		// older write for this key changes nothing.
		return nil
	}

	switch op.Op {
	case "set":
		m.entries[op.Key] = mapEntry{value: op.Value, order: order}
	case "del":
		m.entries[op.Key] = mapEntry{order: order, deleted: true}
	default:
		return fmt.Errorf("crdt: comap: unknown op %q", op.Op)
	}
	return nil
}

// Get returns the LWW value for key, if present and not deleted.
func (m *Map) Get(key string) (json.RawMessage, bool) {
	e, ok := m.entries[key]
	if !ok || e.deleted {
		return nil, false
	}
	return e.value, true
}

// Keys returns the live (non-deleted) keys in sorted order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a plain map of the current materialized view.
func (m *Map) Snapshot() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		out[k] = v
	}
	return out
}

// EncodeSet builds the wire change payload for a "set" op.
func EncodeSet(key string, value json.RawMessage) json.RawMessage {
	out, _ := json.Marshal(mapOp{Op: "set", Key: key, Value: value})
	return out
}

// EncodeDel builds the wire change payload for a map "del" op.
func EncodeDel(key string) json.RawMessage {
	out, _ := json.Marshal(mapOp{Op: "del", Key: key})
	return out
}
