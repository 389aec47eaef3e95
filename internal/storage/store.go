// Package storage implements the durable persistence layer of §4.9: a
// Store records each CoValue's immutable header and every session's
// append-only transaction log, so a node can rebuild a corestate.Core on
// restart without replaying the network.
package storage

import (
	"context"
	"errors"

	"github.com/rawblock/cojson/internal/crypto"
	"github.com/rawblock/cojson/pkg/covalue"
)

// ErrNotFound is returned by ReadCoValue for an ID the store has never
// seen a header for.
var ErrNotFound = errors.New("storage: covalue not found")

// SessionRecord is one session's durable replay state: the account's
// signing key (needed to re-verify the chain on load, §4.3) plus its
// committed transactions in index order and the session's latest
// cumulative signature, if any.
type SessionRecord struct {
	SigningPublicKey crypto.SigningPublicKey
	Transactions     []covalue.Transaction
	LastSignature    crypto.Signature
}

// Store persists CoValue headers and session logs. Implementations need
// not re-validate anything: corestate.Core already checked chain hashes
// and signatures before calling WriteTransactions, and writes are
// expected to be append-only and idempotent under replay (§4.9 closing
// paragraph: "a write that already landed is a no-op").
type Store interface {
	// WriteHeader durably records a new CoValue's immutable header. A
	// header for an id already stored is left untouched (§3: headers
	// never change once a CoValue's ID is derived from them).
	WriteHeader(ctx context.Context, id covalue.ID, header covalue.Header) error

	// WriteTransactions appends txs to sessionID's log for id, starting
	// immediately after afterIndex. lastSignature, when non-nil, is
	// recorded against the batch's trailing transaction; signingPK
	// records the session's verifying key the first time it is seen.
	WriteTransactions(ctx context.Context, id covalue.ID, sessionID covalue.SessionID, afterIndex int, txs []covalue.Transaction, lastSignature crypto.Signature, signingPK crypto.SigningPublicKey) error

	// ReadCoValue loads a CoValue's header and every session's recorded
	// transactions, keyed by SessionID.String(), for Core reconstruction
	// on node startup. Returns ErrNotFound if id has no stored header.
	ReadCoValue(ctx context.Context, id covalue.ID) (covalue.Header, map[string]SessionRecord, error)

	// ListCoValues streams every stored CoValue ID. The error channel
	// carries at most one value and is closed once the ID channel closes
	// (§4.9 "may stream lazily" — callers range over the ID channel and
	// then check the error channel for a non-nil value).
	ListCoValues(ctx context.Context) (<-chan covalue.ID, <-chan error)
}
