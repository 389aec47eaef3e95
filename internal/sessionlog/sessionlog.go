// Package sessionlog implements the append-only, hash-chained, signed
// sequence of transactions for one (CoValue, session) pair (§3 "Session
// log", §4.3).
package sessionlog

import (
	"errors"
	"fmt"

	"github.com/rawblock/cojson/internal/crypto"
	"github.com/rawblock/cojson/pkg/covalue"
)

// ErrSignatureInvalid is returned when a trailing signature fails to
// verify against the session's owning account key (§7 SignatureInvalid).
var ErrSignatureInvalid = errors.New("sessionlog: signature does not verify")

// ErrChainBroken is returned when a caller attempts to verify a log whose
// stored chain hash no longer matches its recomputation (§7 ChainBroken).
var ErrChainBroken = errors.New("sessionlog: chain hash mismatch")

// Entry is one committed transaction plus the chain hash it produced.
type Entry struct {
	Tx        covalue.Transaction
	ChainHash [32]byte
}

// Log is the ordered sequence of transactions for one session, together
// with the latest cumulative signature over its current chain hash.
//
// Signatures are cumulative, not per-transaction (§9): most entries are
// appended with no signature at all; only the session's current tail
// carries one, and a later signature supersedes it. Append enforces this
// by only verifying when a non-nil signature is supplied.
type Log struct {
	Session   covalue.SessionID
	SigningPK crypto.SigningPublicKey

	entries       []Entry
	lastSignature crypto.Signature
}

// New creates an empty log for session, verified against signingPK.
func New(session covalue.SessionID, signingPK crypto.SigningPublicKey) *Log {
	return &Log{Session: session, SigningPK: signingPK}
}

// Len reports the number of committed transactions.
func (l *Log) Len() int { return len(l.entries) }

// chainHash returns the hash chaining prevHash with tx's canonical form,
// per §3 invariant 1: h_i = H(h_{i-1} ‖ canonical(tx_i)).
func chainHash(provider crypto.Provider, prevHash [32]byte, tx covalue.Transaction) ([32]byte, error) {
	canon, err := covalue.Canonicalize(tx)
	if err != nil {
		return [32]byte{}, fmt.Errorf("sessionlog: canonicalize transaction: %w", err)
	}
	combined := make([]byte, 0, len(prevHash)+len(canon))
	combined = append(combined, prevHash[:]...)
	combined = append(combined, canon...)
	return provider.Hash(combined), nil
}

// NextChainHash computes the chain hash tx would produce if appended now,
// without mutating the log — the value a local writer must sign before
// calling Append (§4.3 invariant 1).
func (l *Log) NextChainHash(provider crypto.Provider, tx covalue.Transaction) ([32]byte, error) {
	var prev [32]byte
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].ChainHash
	}
	return chainHash(provider, prev, tx)
}

// Append extends the log with tx. When signatureAfter is non-nil it must
// verify over the resulting chain hash under the session's signing key, or
// ErrSignatureInvalid is returned and the log is left unchanged; a nil
// signatureAfter appends an as-yet-unsigned entry (§4.3 Append, §9
// cumulative signatures).
func (l *Log) Append(provider crypto.Provider, tx covalue.Transaction, signatureAfter crypto.Signature) error {
	var prev [32]byte
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].ChainHash
	}
	h, err := chainHash(provider, prev, tx)
	if err != nil {
		return err
	}
	if signatureAfter != nil {
		if !provider.Verify(l.SigningPK, h[:], signatureAfter) {
			return ErrSignatureInvalid
		}
	}
	l.entries = append(l.entries, Entry{Tx: tx, ChainHash: h})
	if signatureAfter != nil {
		l.lastSignature = signatureAfter
	}
	return nil
}

// AppendBatch extends the log with every transaction in txs as a single
// atomic unit (§4.8 point 3: CONTENT is applied all-or-nothing per
// message). The chain hash is walked forward into a scratch slice first;
// only once every transaction has canonicalized and, if lastSignature is
// non-nil, the trailing hash has verified against it, are the entries
// committed to the log. A failure at any point — canonicalization or
// signature verification — leaves the log exactly as it was before the
// call, so a corrected resend of the same batch still sees the original
// afterIndex and is not rejected as ChainBroken.
func (l *Log) AppendBatch(provider crypto.Provider, txs []covalue.Transaction, lastSignature crypto.Signature) error {
	if len(txs) == 0 {
		return nil
	}

	var prev [32]byte
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].ChainHash
	}

	staged := make([]Entry, len(txs))
	h := prev
	for i, tx := range txs {
		var err error
		h, err = chainHash(provider, h, tx)
		if err != nil {
			return err
		}
		staged[i] = Entry{Tx: tx, ChainHash: h}
	}

	if lastSignature != nil && !provider.Verify(l.SigningPK, h[:], lastSignature) {
		return ErrSignatureInvalid
	}

	l.entries = append(l.entries, staged...)
	if lastSignature != nil {
		l.lastSignature = lastSignature
	}
	return nil
}

// SignLatest signs the current tail chain hash and records it as the
// log's latest cumulative signature, without appending a new transaction.
// Used by the sync engine before transmitting a CONTENT message (§9).
func (l *Log) SignLatest(provider crypto.Provider, sk crypto.SigningPrivateKey) error {
	if len(l.entries) == 0 {
		return fmt.Errorf("sessionlog: cannot sign an empty log")
	}
	tail := l.entries[len(l.entries)-1].ChainHash
	sig, err := provider.Sign(sk, tail[:])
	if err != nil {
		return fmt.Errorf("sessionlog: sign latest: %w", err)
	}
	l.lastSignature = sig
	return nil
}

// Verify re-derives the chain hash from entry zero and checks the latest
// signature verifies over the final hash (§4.3 verify).
func (l *Log) Verify(provider crypto.Provider) error {
	var prev [32]byte
	for i, e := range l.entries {
		h, err := chainHash(provider, prev, e.Tx)
		if err != nil {
			return err
		}
		if h != e.ChainHash {
			return fmt.Errorf("%w: entry %d", ErrChainBroken, i)
		}
		prev = h
	}
	if len(l.entries) == 0 {
		return nil
	}
	if l.lastSignature == nil {
		return fmt.Errorf("%w: no signature recorded", ErrSignatureInvalid)
	}
	if !provider.Verify(l.SigningPK, prev[:], l.lastSignature) {
		return ErrSignatureInvalid
	}
	return nil
}

// TransactionsAfter returns the entries with index > index, used by the
// sync engine to compute a CONTENT delta (§4.3, §4.8).
func (l *Log) TransactionsAfter(index int) []Entry {
	if index < 0 {
		index = -1
	}
	if index+1 >= len(l.entries) {
		return nil
	}
	out := make([]Entry, len(l.entries)-(index+1))
	copy(out, l.entries[index+1:])
	return out
}

// KnownState reports this session's replication progress: the index of
// the last committed transaction (-1 if empty) and its cumulative
// signature.
func (l *Log) KnownState() (lastIndex int, lastSignature crypto.Signature) {
	return len(l.entries) - 1, l.lastSignature
}

// EntryAt returns the committed entry at index, if any.
func (l *Log) EntryAt(index int) (Entry, bool) {
	if index < 0 || index >= len(l.entries) {
		return Entry{}, false
	}
	return l.entries[index], true
}

// TailHash returns the chain hash after the last committed entry, or the
// zero hash for an empty log.
func (l *Log) TailHash() [32]byte {
	if len(l.entries) == 0 {
		return [32]byte{}
	}
	return l.entries[len(l.entries)-1].ChainHash
}
