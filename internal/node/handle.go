package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/cojson/internal/crdt"
	"github.com/rawblock/cojson/pkg/covalue"
)

// Handle is a thin, caller-held reference to one open CoValue (§4.7): it
// carries no state of its own beyond the ID and the owning Node, so
// copying it is cheap and every Handle for the same ID sees the same
// underlying Core.
type Handle struct {
	node *Node
	id   covalue.ID
}

// ID returns the CoValue this handle refers to.
func (h *Handle) ID() covalue.ID { return h.id }

// View returns the handle's current materialized view.
func (h *Handle) View() crdt.Kind {
	entry, ok := h.node.lookup(h.id)
	if !ok {
		return nil
	}
	return entry.core.View()
}

// Subscribe registers fn against this CoValue's Core; see corestate.Core.Subscribe.
func (h *Handle) Subscribe(fn func(crdt.Kind)) (unsubscribe func()) {
	entry, ok := h.node.lookup(h.id)
	if !ok {
		return func() {}
	}
	return entry.core.Subscribe(fn)
}

// Append signs and appends a local change to this node's own write
// session for this CoValue, per corestate.Core.Append.
func (h *Handle) Append(privacy covalue.Privacy, changes []json.RawMessage, keyUsed covalue.KeyID) (covalue.TransactionID, error) {
	entry, ok := h.node.lookup(h.id)
	if !ok {
		return covalue.TransactionID{}, fmt.Errorf("node: handle: %s is no longer open", h.id.String())
	}
	txID, err := entry.core.Append(h.node.signingSK, h.node.session, privacy, changes, keyUsed, time.Now())
	if err != nil {
		return covalue.TransactionID{}, err
	}
	txs, sig, _ := entry.core.TransactionsAfter(h.node.session, txID.Index-1)
	if h.node.store != nil {
		pk, _ := h.node.keys.SigningPublicKey(h.node.session.Account)
		if err := h.node.store.WriteTransactions(context.Background(), h.id, h.node.session, txID.Index-1, txs, sig, pk); err != nil {
			h.node.log.Warnf("persist append %s: %v", h.id.String(), err)
		}
	}
	h.node.engine.Forward(h.id, h.node.session, txID.Index-1, txs, []byte(sig), "")
	return txID, nil
}

// Load returns a Handle for id, materializing it from whatever this node
// already has locally (store or registry) and, if nothing is known yet,
// requesting it from every connected peer — the cold-start path of §4.7's
// Load operation. The returned Handle's view fills in asynchronously as
// Load messages are answered; until this node holds the CoValue, View
// returns nil and Subscribe registers nothing.
func (n *Node) Load(ctx context.Context, id covalue.ID) (*Handle, error) {
	if _, ok := n.lookup(id); ok {
		return &Handle{node: n, id: id}, nil
	}
	if n.store != nil {
		header, sessions, err := n.store.ReadCoValue(ctx, id)
		if err == nil {
			entry := n.getOrCreate(id, header)
			for sessStr, rec := range sessions {
				sessID, err := covalue.ParseSessionID(sessStr)
				if err != nil {
					continue
				}
				n.keys.set(sessID.Account, rec.SigningPublicKey)
				if err := entry.core.IngestBatch(sessID, -1, rec.Transactions, rec.LastSignature); err != nil {
					n.log.Warnf("load %s session %s: %v", id.String(), sessStr, err)
				}
			}
			return &Handle{node: n, id: id}, nil
		}
	}
	n.engine.RequestLoad(id)
	return &Handle{node: n, id: id}, nil
}

// Create derives id from header, registers a fresh empty Core for it,
// persists the header, and sends a Load for id to every connected peer —
// §4.7's Create operation. The header itself is not pushed to peers: a
// peer that does not already hold id leaves that Load unanswered. The
// caller appends its own initial content afterward
// via the returned Handle's Append, so the first transaction is signed
// and chained the same way any later write is.
func (n *Node) Create(ctx context.Context, header covalue.Header) (*Handle, error) {
	if header.Uniqueness == ([16]byte{}) {
		header.Uniqueness = uuid.New()
	}
	id, err := covalue.DeriveID(n.provider, header)
	if err != nil {
		return nil, fmt.Errorf("node: create: %w", err)
	}
	n.getOrCreate(id, header)
	if n.store != nil {
		if err := n.store.WriteHeader(ctx, id, header); err != nil {
			return nil, fmt.Errorf("node: create: persist header: %w", err)
		}
	}
	n.engine.RequestLoad(id) // a Load for id to every connected peer
	return &Handle{node: n, id: id}, nil
}
