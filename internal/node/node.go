// Package node implements the process-wide local node of §4.7: the
// lifecycle owner of every CoValueCore this process has open, bound to one
// account's keys, and the bridge between internal/sync's peer state
// machine and internal/storage's durable log.
package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/cojson/internal/corestate"
	"github.com/rawblock/cojson/internal/crdt"
	"github.com/rawblock/cojson/internal/crypto"
	"github.com/rawblock/cojson/internal/group"
	"github.com/rawblock/cojson/internal/storage"
	syncengine "github.com/rawblock/cojson/internal/sync"
	"github.com/rawblock/cojson/internal/telemetry"
	"github.com/rawblock/cojson/pkg/covalue"
)

// PeerConn is the duplex connection surface Node needs from a transport
// peer; *transport.Peer satisfies it structurally.
type PeerConn interface {
	Send(covalue.Message) error
	Inbound() <-chan covalue.Message
	Done() <-chan struct{}
}

// registryEntry is one loaded CoValue: the live Core plus an atomic
// reference count that EvictIdle checks (§9 "a weak cache allows eviction
// of idle cores"); nothing in this package increments refs, so it stays
// zero and Handles are not counted. It generalizes the teacher's
// Hub.clients map (registry owns cores; cores hold IDs only, never direct
// references to each other — §9 "cyclic references").
type registryEntry struct {
	core       *corestate.Core
	refs       atomic.Int32
	lastActive atomic.Int64 // unix nanos, updated on every touch
}

// Node owns every CoValueCore open in this process, bound to one local
// account, and drives sync replication and durable persistence for them.
type Node struct {
	Account  covalue.AccountID
	provider crypto.Provider
	store    storage.Store
	log      *telemetry.Logger

	signingSK crypto.SigningPrivateKey
	signingPK crypto.SigningPublicKey
	sealingSK crypto.SealingPrivateKey
	sealingPK crypto.SealingPublicKey

	session covalue.SessionID // this process's own write session

	engine *syncengine.Engine

	mu       sync.Mutex
	registry map[string]*registryEntry // covalue.ID.String() -> entry

	keys *accountKeyCache
}

// Open starts a Node for account, generating a fresh session counter for
// this process run (§4.2: "each device/tab of an account picks a fresh
// session counter at startup"). hwm/fragmentSize/ackTimeout are forwarded
// to the sync engine; zero values fall back to its defaults.
func Open(account covalue.AccountID, signingSK crypto.SigningPrivateKey, signingPK crypto.SigningPublicKey, sealingSK crypto.SealingPrivateKey, sealingPK crypto.SealingPublicKey, provider crypto.Provider, store storage.Store, hwm, fragmentSize int, ackTimeout time.Duration, logger *telemetry.Logger) (*Node, error) {
	if logger == nil {
		logger = telemetry.NewLogger("node")
	}
	sessionCounter, err := randomSessionCounter(provider)
	if err != nil {
		return nil, fmt.Errorf("node: open: %w", err)
	}

	n := &Node{
		Account:   account,
		provider:  provider,
		store:     store,
		log:       logger,
		signingSK: signingSK,
		signingPK: signingPK,
		sealingSK: sealingSK,
		sealingPK: sealingPK,
		session:   covalue.SessionID{Account: account, Counter: sessionCounter},
		registry:  make(map[string]*registryEntry),
		keys:      newAccountKeyCache(),
	}
	n.keys.set(account, signingPK)
	n.keys.setSealing(account, sealingPK)
	n.engine = syncengine.NewEngine(n, hwm, fragmentSize, ackTimeout)

	if err := n.restoreFromStore(context.Background()); err != nil {
		n.log.Warnf("restore from store: %v", err)
	}
	return n, nil
}

func randomSessionCounter(provider crypto.Provider) (uint64, error) {
	raw, err := provider.RandomBytes(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, b := range raw {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// Close drops every connected peer. Open cores themselves need no explicit
// shutdown: they hold no resources beyond process memory.
func (n *Node) Close() {
	for _, peerID := range n.engine.PeerIDs() {
		n.engine.RemovePeer(peerID)
	}
}

// AddPeer registers a connected peer with the sync engine and announces
// this node's open CoValue set to it.
func (n *Node) AddPeer(peerID string, conn PeerConn) { n.engine.AddPeer(peerID, conn) }

// RemovePeer drops a disconnected peer.
func (n *Node) RemovePeer(peerID string) { n.engine.RemovePeer(peerID) }

// restoreFromStore loads every CoValue header the store already has into
// the registry as an empty Core, then replays each session's recorded
// transactions back through IngestBatch so the in-memory view matches disk
// without re-running the network (§4.9 "rebuild a corestate.Core on
// restart").
func (n *Node) restoreFromStore(ctx context.Context) error {
	if n.store == nil {
		return nil
	}
	ids, errs := n.store.ListCoValues(ctx)
	for id := range ids {
		header, sessions, err := n.store.ReadCoValue(ctx, id)
		if err != nil {
			n.log.Warnf("restore %s: %v", id.String(), err)
			continue
		}
		entry := n.getOrCreate(id, header)
		for sessStr, rec := range sessions {
			sessID, err := covalue.ParseSessionID(sessStr)
			if err != nil {
				continue
			}
			n.keys.set(sessID.Account, rec.SigningPublicKey)
			if err := entry.core.IngestBatch(sessID, -1, rec.Transactions, rec.LastSignature); err != nil {
				n.log.Warnf("restore %s session %s: %v", id.String(), sessStr, err)
			}
		}
	}
	if err := <-errs; err != nil {
		return err
	}
	return nil
}

// getOrCreate returns the registry entry for id, creating a fresh Core
// bound to header if none exists yet.
func (n *Node) getOrCreate(id covalue.ID, header covalue.Header) *registryEntry {
	key := id.String()
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.registry[key]; ok {
		e.lastActive.Store(time.Now().UnixNano())
		return e
	}
	core := corestate.New(id, header, n.provider, n.keys, n, n)
	e := &registryEntry{core: core}
	e.lastActive.Store(time.Now().UnixNano())
	n.registry[key] = e
	if header.Type == covalue.KindAccount {
		accountID := covalue.NewAccountID(id)
		core.Subscribe(func(view crdt.Kind) { n.keys.observeAccountView(accountID, view) })
	}
	return e
}

func (n *Node) lookup(id covalue.ID) (*registryEntry, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.registry[id.String()]
	if ok {
		e.lastActive.Store(time.Now().UnixNano())
	}
	return e, ok
}

// EvictIdle drops registry entries whose refs count is zero and that have
// not been touched in over maxIdle, so a long-running node doesn't keep
// every CoValue it ever saw resident forever (§9 "a weak cache allows
// eviction of idle cores"). Handles do not increment refs, so an entry a
// Handle still refers to is evicted once idle; that Handle's View then
// returns nil and its Append returns an error.
func (n *Node) EvictIdle(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle).UnixNano()
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, e := range n.registry {
		if e.refs.Load() > 0 {
			continue
		}
		if e.lastActive.Load() < cutoff {
			delete(n.registry, key)
		}
	}
}

// ResolveGroup implements corestate.GroupResolver (and, by extension,
// sync's need to see cross-CoValue group state) by delegating to whichever
// loaded Core owns id, if it is a group — so every Core in this node's
// registry shares one uniform way to look up another CoValue's permission
// view (§4.4.2, §4.7).
func (n *Node) ResolveGroup(id covalue.ID) (*group.Group, bool) {
	e, ok := n.lookup(id)
	if !ok {
		return nil, false
	}
	return e.core.ResolveGroup(id)
}
