package covalue

import (
	"encoding/json"
	"time"
)

// Privacy selects whether a transaction's payload is stored plaintext or
// sealed under a group key epoch (§3).
type Privacy string

const (
	PrivacyTrusting Privacy = "trusting"
	PrivacyPrivate  Privacy = "private"
)

// Transaction is one atomic write to a CoValue from one session (§3).
type Transaction struct {
	MadeAt  time.Time         `json:"madeAt"`
	Privacy Privacy           `json:"privacy"`
	Changes []json.RawMessage `json:"changes"`
	KeyUsed KeyID             `json:"keyUsed,omitempty"`
}

// OrderKey is the lexicographic key used to causally order transactions
// across sessions: (madeAt truncated to milliseconds, sessionID, index).
// It is NOT a vector clock — it only supplies a deterministic tie-break for
// LWW-style CRDT folds (§3 "Causal ordering across sessions").
type OrderKey struct {
	MadeAtMillis int64
	Session      SessionID
	Index        int
}

// NewOrderKey builds the causal-order key for one transaction occurrence.
func NewOrderKey(tx Transaction, session SessionID, index int) OrderKey {
	return OrderKey{
		MadeAtMillis: tx.MadeAt.UnixMilli(),
		Session:      session,
		Index:        index,
	}
}

// Less reports whether k sorts before o. Ties on MadeAtMillis break on the
// lexicographically greater session ID winning (documented policy, §9 open
// question: clock-skew beyond any threshold is never clamped — madeAt is
// advisory and only used for this tie-break).
func (k OrderKey) Less(o OrderKey) bool {
	if k.MadeAtMillis != o.MadeAtMillis {
		return k.MadeAtMillis < o.MadeAtMillis
	}
	if k.Session.String() != o.Session.String() {
		return k.Session.String() < o.Session.String()
	}
	return k.Index < o.Index
}

// Wins reports whether k is the LWW winner against o (k.Less inverted with
// the documented tie-break: lexicographically greater session ID wins ties).
func (k OrderKey) Wins(o OrderKey) bool {
	return o.Less(k)
}

// TransactionID returns the TransactionID this order key addresses.
func (k OrderKey) TransactionID() TransactionID {
	return TransactionID{Session: k.Session, Index: k.Index}
}
