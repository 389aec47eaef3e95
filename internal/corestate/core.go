// Package corestate implements CoValueCore (§4.4): the owner of one
// CoValue's complete state across every session's log, the permission
// checks gating each transaction, and the lazily-recomputed materialized
// view subscribers read.
package corestate

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/cojson/internal/crdt"
	"github.com/rawblock/cojson/internal/crypto"
	"github.com/rawblock/cojson/internal/group"
	"github.com/rawblock/cojson/internal/sessionlog"
	"github.com/rawblock/cojson/pkg/covalue"
)

// The §7 error kinds corestate defines. IngestBatch and Append return
// ErrUnknownDependency; ErrPermissionDenied and ErrKeyUnavailable are
// recorded per transaction and reported by RejectionReason (Append also
// returns ErrKeyUnavailable). Chain and signature errors come from
// internal/sessionlog.
var (
	ErrUnknownDependency = errors.New("corestate: header or governing group not yet available")
	ErrPermissionDenied  = errors.New("corestate: signer's effective role is insufficient")
	ErrKeyUnavailable    = errors.New("corestate: private transaction's key epoch is not sealed to this reader")
)

// AccountKeys resolves an account's current signing public key, needed the
// first time Core sees a session for that account (§4.2: "session ID
// carries the owning account ID as a prefix so the verifying key is
// locatable").
type AccountKeys interface {
	SigningPublicKey(account covalue.AccountID) (crypto.SigningPublicKey, bool)
}

// GroupResolver fetches another CoValue's materialized permission view, for
// CoValues whose ruleset references a group they do not themselves own
// (§3 "ownedByGroup").
type GroupResolver interface {
	ResolveGroup(id covalue.ID) (*group.Group, bool)
}

// KeyRing exposes this node's own unsealed symmetric keys, by epoch, for
// decrypting private transactions (§4.4.3).
type KeyRing interface {
	SymmetricKey(epoch covalue.KeyID) (crypto.SymmetricKey, bool)
}

// subscriber is a registered view listener; removed is checked before each
// delivery so unsubscribing mid-delivery is safe (§4.4.5).
type subscriber struct {
	fn      func(crdt.Kind)
	removed bool
}

// Core owns one CoValue's complete replicated state.
type Core struct {
	mu sync.Mutex

	id       covalue.ID
	header   covalue.Header
	provider crypto.Provider
	accounts AccountKeys
	groups   GroupResolver
	keys     KeyRing

	sessions map[string]*sessionlog.Log // SessionID.String() -> log

	view       crdt.Kind
	dirty      bool
	allSeq     []seqEntry // every validated, decrypted (txID, order, seq, change), for recompute/AtTime
	subs       []*subscriber
	rejections map[string]error          // TransactionID.String() -> why it contributes nothing to the view
	locked     map[string]lockedPrivate  // TransactionID.String() -> awaiting its key epoch (§4.4.3)
}

// lockedPrivate is a private transaction retained but held opaque because
// this reader was not yet sealed into tx.KeyUsed's epoch.
type lockedPrivate struct {
	txID  covalue.TransactionID
	order covalue.OrderKey
	tx    covalue.Transaction
}

type seqEntry struct {
	txID  covalue.TransactionID
	order covalue.OrderKey
	seq   int
	madeAt time.Time
	change json.RawMessage
}

// New creates an empty Core for header, whose CoValue ID is id (the
// content hash of header, per §3 — callers are responsible for deriving
// and checking it; Core trusts the caller's id).
func New(id covalue.ID, header covalue.Header, provider crypto.Provider, accounts AccountKeys, groups GroupResolver, keys KeyRing) *Core {
	return &Core{
		id:       id,
		header:   header,
		provider: provider,
		accounts: accounts,
		groups:   groups,
		keys:     keys,
		sessions:   make(map[string]*sessionlog.Log),
		view:       newKind(header.Type),
		rejections: make(map[string]error),
		locked:     make(map[string]lockedPrivate),
	}
}

func newKind(t covalue.Kind) crdt.Kind {
	switch t {
	case covalue.KindMap, covalue.KindAccount:
		return crdt.NewMap()
	case covalue.KindGroup:
		return nil // populated lazily with the CoValue's own id, see Core.groupView
	case covalue.KindList:
		return crdt.NewList()
	case covalue.KindStream:
		return crdt.NewStream()
	case covalue.KindPlainText:
		return crdt.NewPlainText()
	default:
		return crdt.NewMap()
	}
}

// ID returns the CoValue identifier this Core owns.
func (c *Core) ID() covalue.ID { return c.id }

// Header returns the CoValue's immutable header.
func (c *Core) Header() covalue.Header { return c.header }

// groupView returns this Core's own materialized state as a *group.Group,
// lazily created for self-governing (ruleset.type=="group") CoValues. Only
// valid when Header.Type == KindGroup.
func (c *Core) groupView() *group.Group {
	if c.view == nil {
		c.view = group.New(c.id)
	}
	return c.view.(*group.Group)
}

// ResolveGroup implements GroupResolver for this Core itself, so a node's
// registry can expose every loaded group-typed Core uniformly (§4.4.2,
// §4.7).
func (c *Core) ResolveGroup(id covalue.ID) (*group.Group, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != id || c.header.Type != covalue.KindGroup {
		return nil, false
	}
	return c.groupView(), true
}

// governingGroup resolves the *group.Group gating writes to this CoValue,
// per §4.4.2: itself if self-governing, the referenced CoValue's group view
// otherwise. unsafeAllowAll has no governing group.
func (c *Core) governingGroup() (*group.Group, bool) {
	gid, ok := c.header.GoverningGroup(c.id)
	if !ok {
		return nil, false
	}
	if gid == c.id && c.header.Type == covalue.KindGroup {
		return c.groupView(), true
	}
	if c.groups == nil {
		return nil, false
	}
	return c.groups.ResolveGroup(gid)
}

// IngestBatch validates and applies the transactions a CONTENT message
// carries for one session (§4.4.1). Every transaction's index must extend
// the session log contiguously and its chain hash must follow from the
// prior tail; lastSignature, if non-nil, is checked against the resulting
// tail and the whole batch is rejected if it fails to verify — nothing is
// applied to the materialized view from a batch whose trailing signature
// is invalid. A batch with a nil lastSignature (an interior fragment of a
// longer session) is committed and applied without a signature check.
func (c *Core) IngestBatch(sessionID covalue.SessionID, afterIndex int, txs []covalue.Transaction, lastSignature []byte) error {
	if len(txs) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	log, err := c.sessionLog(sessionID)
	if err != nil {
		return err
	}

	lastIdx, _ := log.KnownState()
	if afterIndex != lastIdx {
		return fmt.Errorf("%w: session %s: batch starts after index %d, have %d", sessionlog.ErrChainBroken, sessionID.String(), afterIndex, lastIdx)
	}

	// Stage the whole batch's chain hashes and check the trailing signature
	// before committing anything — a batch may be an interior fragment of a
	// longer session whose signature arrives in a later CONTENT message (§9
	// "signatures are cumulative"), but if a trailing signature is present
	// and fails to verify the entire batch is rejected atomically (§4.8
	// point 3, §7 SignatureInvalid "reject the entire message"); none of its
	// transactions are left committed to the log for a later resend to trip
	// over.
	if err := log.AppendBatch(c.provider, txs, lastSignature); err != nil {
		return fmt.Errorf("corestate: ingest session %s batch [%d,%d]: %w", sessionID.String(), afterIndex+1, afterIndex+len(txs), err)
	}

	// Validate, decrypt and stage each transaction's changes; failures here
	// do not unwind the log append above (the transaction is still
	// recorded, per §7 PermissionDenied/KeyUnavailable "the transaction is
	// recorded but contributes nothing to the view").
	for i, tx := range txs {
		idx := afterIndex + 1 + i
		txID := covalue.TransactionID{Session: sessionID, Index: idx}
		order := covalue.NewOrderKey(tx, sessionID, idx)
		c.stageTransaction(txID, order, tx)
	}

	c.dirty = true
	c.notify()
	return nil
}

// Append builds a transaction from plaintext changes, signs its resulting
// chain hash with sk and appends it to sessionID's log in one step — the
// local-write counterpart to IngestBatch's remote-delta path, used by
// node.Node when this node's own account is the one producing new content
// (§4.4.1's "Append" operation, driven locally rather than arriving over
// sync). When privacy is PrivacyPrivate, changes are encrypted under
// keyUsed before the transaction is chained and signed, so what lands in
// the session log and on the wire is already ciphertext (§4.4.3); the
// caller never handles ciphertext itself.
func (c *Core) Append(sk crypto.SigningPrivateKey, sessionID covalue.SessionID, privacy covalue.Privacy, changes []json.RawMessage, keyUsed covalue.KeyID, madeAt time.Time) (covalue.TransactionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log, err := c.sessionLog(sessionID)
	if err != nil {
		return covalue.TransactionID{}, err
	}
	idx := log.Len()
	txID := covalue.TransactionID{Session: sessionID, Index: idx}

	payload := changes
	if privacy == covalue.PrivacyPrivate {
		encrypted, err := c.encryptChanges(txID, keyUsed, changes)
		if err != nil {
			return covalue.TransactionID{}, fmt.Errorf("corestate: append: %w", err)
		}
		payload = encrypted
	}

	tx := covalue.Transaction{MadeAt: madeAt, Privacy: privacy, Changes: payload, KeyUsed: keyUsed}
	nextHash, err := log.NextChainHash(c.provider, tx)
	if err != nil {
		return covalue.TransactionID{}, fmt.Errorf("corestate: append: %w", err)
	}
	sig, err := c.provider.Sign(sk, nextHash[:])
	if err != nil {
		return covalue.TransactionID{}, fmt.Errorf("corestate: append: sign: %w", err)
	}
	if err := log.Append(c.provider, tx, sig); err != nil {
		return covalue.TransactionID{}, fmt.Errorf("corestate: append: %w", err)
	}

	order := covalue.NewOrderKey(tx, sessionID, idx)
	c.stageTransaction(txID, order, tx)
	c.dirty = true
	c.notify()
	return txID, nil
}

func (c *Core) sessionLog(sessionID covalue.SessionID) (*sessionlog.Log, error) {
	key := sessionID.String()
	if log, ok := c.sessions[key]; ok {
		return log, nil
	}
	if c.accounts == nil {
		return nil, fmt.Errorf("%w: no signing key resolver configured", ErrUnknownDependency)
	}
	pk, ok := c.accounts.SigningPublicKey(sessionID.Account)
	if !ok {
		return nil, fmt.Errorf("%w: unknown signing key for account %s", ErrUnknownDependency, sessionID.Account.String())
	}
	log := sessionlog.New(sessionID, pk)
	c.sessions[key] = log
	return log, nil
}

// stageTransaction runs the permission check, decryption and kind-apply for
// one transaction. Errors are swallowed per §7's disposition table (the
// transaction stays recorded in the session log but is excluded from the
// view); callers that need to observe per-transaction rejection should use
// Role/KeyUnavailable accessors directly rather than IngestBatch's error,
// which only reports structural (chain/signature) failures.
func (c *Core) stageTransaction(txID covalue.TransactionID, order covalue.OrderKey, tx covalue.Transaction) {
	role := c.roleAt(txID.Session.Account, order)

	var permitted bool
	if c.header.Type == covalue.KindGroup {
		// Every change to a group CoValue is a membership change, so it
		// requires admin (§4.4.2) — except a self-swap invite redemption
		// (admin-equivalent but scoped to the redeemer's own role, §4.5
		// "Invites") and, in a brand-new group, any change from any account
		// made before any admin has ever been established.
		g, _ := c.governingGroupIfSelf()
		permitted = role.CanAdmin() || (g != nil && !g.HasAdmin())
		if !permitted {
			if secret, invRole, ok := group.IsInviteSwap(tx.Changes, txID.Session.Account); ok {
				if g != nil {
					if active, hasInvite := g.InviteRole(secret); hasInvite && active == invRole {
						permitted = true
					}
				}
			}
		}
	} else {
		permitted = role.CanAppend()
	}
	if !permitted {
		c.rejections[txID.String()] = ErrPermissionDenied
		return // §7 PermissionDenied: recorded in the log, contributes nothing
	}

	changes := tx.Changes
	if tx.Privacy == covalue.PrivacyPrivate {
		decoded, ok := c.decryptChanges(txID, tx)
		if !ok {
			c.rejections[txID.String()] = ErrKeyUnavailable
			c.locked[txID.String()] = lockedPrivate{txID: txID, order: order, tx: tx}
			return // §7 KeyUnavailable: recorded, changes held opaque
		}
		changes = decoded
	}

	// Apply directly into the live view as each transaction is staged,
	// rather than deferring to a batch-end refold: a later transaction in
	// the same batch must see the permission and membership effects of an
	// earlier one (e.g. a group's founding admin grant and its first
	// content write arriving together), and every Kind.Apply is defined to
	// be order-independent and idempotent (§4.6 doc comment), so applying
	// eagerly converges to the same state a full refold would produce.
	for seq, change := range changes {
		_ = c.view.Apply(txID, order, seq, change)
		c.allSeq = append(c.allSeq, seqEntry{txID: txID, order: order, seq: seq, madeAt: tx.MadeAt, change: change})
	}
}

// RejectionReason reports why a recorded transaction contributes nothing to
// the materialized view (§7 PermissionDenied/KeyUnavailable), if it was
// rejected.
func (c *Core) RejectionReason(txID covalue.TransactionID) (error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err, ok := c.rejections[txID.String()]
	return err, ok
}

// RetryLocked re-attempts decryption of every private transaction still
// held opaque for lack of a sealed key, unlocking any whose epoch this
// node's KeyRing now has (§4.4.3: "a later group update that seals the
// epoch to the reader unlocks the transactions retroactively"). The node
// registry calls this after ingesting a group update that seals a new
// epoch to the local account (§4.7).
func (c *Core) RetryLocked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var unlockedAny bool
	for key, locked := range c.locked {
		decoded, ok := c.decryptChanges(locked.txID, locked.tx)
		if !ok {
			continue
		}
		for seq, change := range decoded {
			c.allSeq = append(c.allSeq, seqEntry{txID: locked.txID, order: locked.order, seq: seq, madeAt: locked.tx.MadeAt, change: change})
		}
		delete(c.locked, key)
		delete(c.rejections, key)
		c.dirty = true
		unlockedAny = true
	}
	if unlockedAny {
		c.notify()
	}
}

func (c *Core) governingGroupIfSelf() (*group.Group, bool) {
	if c.header.Type != covalue.KindGroup {
		return nil, false
	}
	return c.groupView(), true
}

// roleAt computes account's effective role as of order, via the governing
// group (§4.4.2). unsafeAllowAll CoValues grant admin to everyone.
func (c *Core) roleAt(account covalue.AccountID, order covalue.OrderKey) group.Role {
	if c.header.Ruleset.Type == covalue.RulesetUnsafeAllowAll {
		return group.RoleAdmin
	}
	g, ok := c.governingGroup()
	if !ok {
		return group.RoleRevoked
	}
	return g.EffectiveRole(account.String(), order, c.groups)
}

// Role resolves account's effective role at the causal position of at
// (§4.4.2, exported for callers validating writes before they append).
func (c *Core) Role(account covalue.AccountID, at covalue.TransactionID) group.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	log, ok := c.sessions[at.Session.String()]
	if !ok {
		return group.RoleRevoked
	}
	entry, ok := log.EntryAt(at.Index)
	if !ok {
		return group.RoleRevoked
	}
	order := covalue.NewOrderKey(entry.Tx, at.Session, at.Index)
	return c.roleAt(account, order)
}

// decryptChanges decrypts a private transaction's changes with the
// symmetric key of tx.KeyUsed, if this node has it sealed (§4.4.3). Each
// change's nonce is derived deterministically from (txID, change index) so
// the wire format need not carry one separately; every (key, nonce) pair is
// used for exactly one change because txID/index pairs never repeat.
func (c *Core) decryptChanges(txID covalue.TransactionID, tx covalue.Transaction) ([]json.RawMessage, bool) {
	if c.keys == nil {
		return nil, false
	}
	key, ok := c.keys.SymmetricKey(tx.KeyUsed)
	if !ok {
		return nil, false
	}
	out := make([]json.RawMessage, len(tx.Changes))
	for i, ciphertext := range tx.Changes {
		var raw []byte
		if err := json.Unmarshal(ciphertext, &raw); err != nil {
			return nil, false
		}
		nonce := deriveNonce(txID, i)
		plain, err := c.provider.Decrypt(key, nonce, raw)
		if err != nil {
			return nil, false
		}
		out[i] = json.RawMessage(plain)
	}
	return out, true
}

// encryptChanges is decryptChanges's inverse for local writes: it wraps
// each plaintext change as a self-describing JSON byte-array ciphertext
// under keyUsed, with the same per-change nonce derivation so the eventual
// reader's decryptChanges recovers it unchanged.
func (c *Core) encryptChanges(txID covalue.TransactionID, keyUsed covalue.KeyID, changes []json.RawMessage) ([]json.RawMessage, error) {
	if c.keys == nil {
		return nil, fmt.Errorf("%w: no key ring configured", ErrKeyUnavailable)
	}
	key, ok := c.keys.SymmetricKey(keyUsed)
	if !ok {
		return nil, fmt.Errorf("%w: epoch %s not available", ErrKeyUnavailable, keyUsed.String())
	}
	out := make([]json.RawMessage, len(changes))
	for i, plain := range changes {
		nonce := deriveNonce(txID, i)
		ciphertext, err := c.provider.Encrypt(key, nonce, plain)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
		}
		wrapped, err := json.Marshal(ciphertext)
		if err != nil {
			return nil, err
		}
		out[i] = wrapped
	}
	return out, nil
}

func deriveNonce(txID covalue.TransactionID, seq int) crypto.Nonce {
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", txID.String(), seq)))
	var nonce crypto.Nonce
	copy(nonce[:], digest[:24])
	return nonce
}

// View returns the current materialized view, recomputing lazily if any
// ingest has happened since the last read (§4.4.4).
func (c *Core) View() crdt.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recomputeLocked()
	return c.view
}

// AtTime returns a materialized view that ignores transactions with
// MadeAt after t (§4.4.6). It does not affect the live view or its dirty
// flag, and gives no consistency guarantee beyond "some valid prefix by
// madeAt".
func (c *Core) AtTime(t time.Time) crdt.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := newKind(c.header.Type)
	if c.header.Type == covalue.KindGroup {
		snapshot = group.New(c.id)
	}
	cutoff := func(e seqEntry) bool { return !e.madeAt.After(t) }
	c.foldInto(snapshot, cutoff)
	return snapshot
}

func (c *Core) recomputeLocked() {
	if !c.dirty {
		return
	}
	fresh := newKind(c.header.Type)
	if c.header.Type == covalue.KindGroup {
		fresh = group.New(c.id)
	}
	c.foldInto(fresh, nil)
	c.view = fresh
	c.dirty = false
}

func (c *Core) foldInto(k crdt.Kind, filter func(seqEntry) bool) {
	entries := make([]seqEntry, len(c.allSeq))
	copy(entries, c.allSeq)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].order.Less(entries[j].order) })
	for _, e := range entries {
		if filter != nil && !filter(e) {
			continue
		}
		_ = k.Apply(e.txID, e.order, e.seq, e.change)
	}
}

// Subscribe registers fn to be called synchronously, in insertion order,
// after every committed batch (§4.4.5). The returned func unsubscribes;
// calling it during delivery stops further notifications to fn without
// interrupting delivery to other already-enqueued listeners, mirroring the
// teacher's websocket Hub's guarded client map.
func (c *Core) Subscribe(fn func(crdt.Kind)) (unsubscribe func()) {
	c.mu.Lock()
	sub := &subscriber{fn: fn}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		sub.removed = true
		c.mu.Unlock()
	}
}

// KnownState reports this Core's per-session replication progress: the
// last committed index for every session that has at least one entry
// (§4.8 step 1 "Announce", step 2 "HandleKnown").
func (c *Core) KnownState() map[covalue.SessionID]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[covalue.SessionID]int, len(c.sessions))
	for _, log := range c.sessions {
		lastIdx, _ := log.KnownState()
		if lastIdx >= 0 {
			out[log.Session] = lastIdx
		}
	}
	return out
}

// TransactionsAfter returns sessionID's committed transactions after
// index and that session's current cumulative signature, for building a
// CONTENT message delta (§4.8 step 2).
func (c *Core) TransactionsAfter(sessionID covalue.SessionID, index int) ([]covalue.Transaction, crypto.Signature, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log, ok := c.sessions[sessionID.String()]
	if !ok {
		return nil, nil, false
	}
	entries := log.TransactionsAfter(index)
	txs := make([]covalue.Transaction, len(entries))
	for i, e := range entries {
		txs[i] = e.Tx
	}
	_, sig := log.KnownState()
	return txs, sig, true
}

func (c *Core) notify() {
	c.recomputeLocked()
	view := c.view
	subs := make([]*subscriber, len(c.subs))
	copy(subs, c.subs)
	for _, s := range subs {
		if s.removed {
			continue
		}
		s.fn(view)
	}
}
