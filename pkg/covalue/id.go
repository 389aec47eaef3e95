// Package covalue holds the wire-shaped model types shared across the
// CoJSON engine: identifiers, headers, transactions and the canonical
// encoding used for chain hashing and peer replication.
package covalue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// Kind tags the concrete CoValue variants a header can declare.
type Kind string

const (
	KindMap       Kind = "comap"
	KindList      Kind = "colist"
	KindStream    Kind = "costream"
	KindPlainText Kind = "coplaintext"
	KindAccount   Kind = "account"
	KindGroup     Kind = "group"
)

// ID identifies a CoValue. It is the content hash of the CoValue's header,
// textually represented as "co_z" + base58(hash), and never changes.
type ID struct {
	hash [32]byte
}

// NewID wraps a raw 32-byte content hash as a CoValue ID.
func NewID(hash [32]byte) ID {
	return ID{hash: hash}
}

// Bytes returns the raw 32-byte content hash.
func (id ID) Bytes() [32]byte { return id.hash }

// String renders the co_z-prefixed base58 textual form (§6).
func (id ID) String() string {
	return "co_z" + base58.Encode(id.hash[:])
}

// IsZero reports whether id is the unset value.
func (id ID) IsZero() bool { return id.hash == [32]byte{} }

// ParseID parses the co_z-prefixed textual form back into an ID.
func ParseID(s string) (ID, error) {
	const prefix = "co_z"
	if !strings.HasPrefix(s, prefix) {
		return ID{}, fmt.Errorf("covalue: id %q missing %q prefix", s, prefix)
	}
	raw := base58.Decode(strings.TrimPrefix(s, prefix))
	if len(raw) != 32 {
		return ID{}, fmt.Errorf("covalue: id %q decodes to %d bytes, want 32", s, len(raw))
	}
	var out ID
	copy(out.hash[:], raw)
	return out, nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// AccountID identifies an account CoValue. Accounts are CoValues, so an
// AccountID is textually a "co_z..." ID; it is distinguished at the type
// level so account references can't be confused with arbitrary CoValue IDs.
type AccountID struct {
	ID
}

// NewAccountID wraps a CoValue ID as an account reference.
func NewAccountID(id ID) AccountID { return AccountID{ID: id} }

// SessionID identifies a single-writer append context: an account plus a
// per-device/tab session counter chosen at startup.
type SessionID struct {
	Account AccountID
	Counter uint64
}

// String renders "<accountID>_session_z<counter-base58>" per §4.2/§6.
func (s SessionID) String() string {
	var buf [8]byte
	n := s.Counter
	for i := 7; i >= 0; i-- {
		buf[i] = byte(n)
		n >>= 8
	}
	return s.Account.String() + "_session_z" + base58.Encode(buf[:])
}

func (s SessionID) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SessionID) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseSessionID(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSessionID parses the textual session-id form back into a SessionID.
func ParseSessionID(s string) (SessionID, error) {
	idx := strings.LastIndex(s, "_session_z")
	if idx < 0 {
		return SessionID{}, fmt.Errorf("covalue: %q is not a session id", s)
	}
	accID, err := ParseID(s[:idx])
	if err != nil {
		return SessionID{}, fmt.Errorf("covalue: session id %q: %w", s, err)
	}
	raw := base58.Decode(s[idx+len("_session_z"):])
	if len(raw) != 8 {
		return SessionID{}, fmt.Errorf("covalue: session id %q has bad counter encoding", s)
	}
	var counter uint64
	for _, b := range raw {
		counter = counter<<8 | uint64(b)
	}
	return SessionID{Account: NewAccountID(accID), Counter: counter}, nil
}

// KeyID identifies one symmetric key epoch of a group (§3, §4.5).
type KeyID struct {
	raw string
}

// NewKeyID wraps an opaque epoch identifier.
func NewKeyID(raw string) KeyID { return KeyID{raw: "key_z" + raw} }

func (k KeyID) String() string { return k.raw }
func (k KeyID) IsZero() bool   { return k.raw == "" }

func (k KeyID) MarshalJSON() ([]byte, error) { return json.Marshal(k.raw) }
func (k *KeyID) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &k.raw)
}

// TransactionID identifies one transaction: the session it was appended to
// plus its index within that session. It also serves as the CoList/CoText
// position identifier (§4.6).
type TransactionID struct {
	Session SessionID
	Index   int
}

func (t TransactionID) String() string {
	return t.Session.String() + "/" + strconv.Itoa(t.Index)
}

func (t TransactionID) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TransactionID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	i := strings.LastIndex(s, "/")
	if i < 0 {
		return fmt.Errorf("covalue: %q is not a transaction id", s)
	}
	sess, err := ParseSessionID(s[:i])
	if err != nil {
		return err
	}
	idx, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return fmt.Errorf("covalue: transaction id %q has bad index: %w", s, err)
	}
	*t = TransactionID{Session: sess, Index: idx}
	return nil
}

// Less orders two transaction IDs for display only; causal ordering uses
// OrderKey, not this comparison.
func (t TransactionID) Less(o TransactionID) bool {
	if t.Session.String() != o.Session.String() {
		return t.Session.String() < o.Session.String()
	}
	return t.Index < o.Index
}
