package node

import (
	"context"

	"github.com/rawblock/cojson/internal/corestate"
	"github.com/rawblock/cojson/internal/crypto"
	"github.com/rawblock/cojson/pkg/covalue"
)

// IngestBatch implements sync.Dispatcher, bridging an inbound CONTENT
// message to the owning Core, creating it from header the first time this
// node sees it, and persisting a successful batch (§4.7 dispatchInbound,
// §4.9).
func (n *Node) IngestBatch(id covalue.ID, header *covalue.Header, sessionID covalue.SessionID, afterIndex int, txs []covalue.Transaction, lastSignature []byte) (covalue.ID, error) {
	entry, ok := n.lookup(id)
	if !ok {
		if header == nil {
			return id, corestate.ErrUnknownDependency
		}
		entry = n.getOrCreate(id, *header)
		if n.store != nil {
			if err := n.store.WriteHeader(context.Background(), id, *header); err != nil {
				n.log.Warnf("persist header %s: %v", id.String(), err)
			}
		}
	}

	if err := entry.core.IngestBatch(sessionID, afterIndex, txs, lastSignature); err != nil {
		var missing covalue.ID
		if err == corestate.ErrUnknownDependency {
			if gid, ok := entry.core.Header().GoverningGroup(id); ok {
				missing = gid
			}
		}
		return missing, err
	}

	if n.store != nil {
		signingPK, _ := n.keys.SigningPublicKey(sessionID.Account)
		if err := n.store.WriteTransactions(context.Background(), id, sessionID, afterIndex, txs, crypto.Signature(lastSignature), signingPK); err != nil {
			n.log.Warnf("persist transactions %s session %s: %v", id.String(), sessionID.String(), err)
		}
	}

	return covalue.ID{}, nil
}

// KnownState implements sync.Dispatcher.
func (n *Node) KnownState(id covalue.ID) (map[covalue.SessionID]int, covalue.Header, bool) {
	entry, ok := n.lookup(id)
	if !ok {
		return nil, covalue.Header{}, false
	}
	return entry.core.KnownState(), entry.core.Header(), true
}

// TransactionsAfter implements sync.Dispatcher.
func (n *Node) TransactionsAfter(id covalue.ID, sessionID covalue.SessionID, afterIndex int) ([]covalue.Transaction, []byte, bool) {
	entry, ok := n.lookup(id)
	if !ok {
		return nil, nil, false
	}
	txs, sig, ok := entry.core.TransactionsAfter(sessionID, afterIndex)
	return txs, []byte(sig), ok
}

// OpenIDs implements sync.Dispatcher.
func (n *Node) OpenIDs() []covalue.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]covalue.ID, 0, len(n.registry))
	for _, e := range n.registry {
		out = append(out, e.core.ID())
	}
	return out
}
