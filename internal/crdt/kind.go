// Package crdt implements the four concrete CoValue kinds of §4.6: CoMap
// (LWW per key), CoList (RGA-style ordered insertions), CoStream
// (per-session append feed) and CoPlainText (a CoList of characters).
//
// Each kind is a pure fold over validated, decrypted transactions: Apply is
// called once per change in causal order and must be idempotent (§8
// invariant 5) and convergent regardless of application order (§8
// invariant 1), since CoValueCore (internal/corestate) owns ordering and
// may recompute a kind from scratch at any time.
package crdt

import (
	"encoding/json"

	"github.com/rawblock/cojson/pkg/covalue"
)

// Kind is the tagged-variant arm CoValueCore holds regardless of a
// CoValue's declared type (§9 "Dynamic dispatch across CoValue kinds").
type Kind interface {
	// Apply folds one change from a transaction into the kind's state.
	// txID identifies the introducing transaction; order is its causal
	// position; seq is the change's index within that transaction's
	// Changes list (needed so a single transaction can introduce more
	// than one list/text position, §4.6 CoPlainText "ins").
	Apply(txID covalue.TransactionID, order covalue.OrderKey, seq int, change json.RawMessage) error
}
