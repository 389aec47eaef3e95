// Package sync implements the peer replication protocol of §4.8: the
// per-peer KNOWN/CONTENT/LOAD state machine that converges every open
// CoValue across nodes with no global clock, generalizing the teacher's
// one-way Hub.Broadcast dashboard feed into a full duplex exchange.
package sync

import "github.com/rawblock/cojson/pkg/covalue"

// Dispatcher bridges the per-peer state machine to wherever CoValue
// cores actually live (internal/node), kept as a narrow interface here
// so this package never imports node and stays unit-testable against a
// fake.
type Dispatcher interface {
	// IngestBatch routes one session's transactions to the named
	// CoValue, creating it from header if this is the first time the
	// dispatcher has seen it. Returns the ID of a still-missing
	// dependency (the CoValue's own header, or its governing group) when
	// the batch could not yet be applied; a zero ID means either success
	// or a final (non-retryable) error.
	IngestBatch(id covalue.ID, header *covalue.Header, sessionID covalue.SessionID, afterIndex int, txs []covalue.Transaction, lastSignature []byte) (missing covalue.ID, err error)

	// KnownState reports id's current per-session replication progress
	// and header, or ok=false if id is not open locally.
	KnownState(id covalue.ID) (sessions map[covalue.SessionID]int, header covalue.Header, ok bool)

	// TransactionsAfter returns sessionID's committed transactions after
	// index and the session's latest cumulative signature, for building
	// a CONTENT delta.
	TransactionsAfter(id covalue.ID, sessionID covalue.SessionID, afterIndex int) (txs []covalue.Transaction, lastSignature []byte, ok bool)

	// OpenIDs lists every CoValue currently open locally, for
	// Engine.AnnounceOpenSet.
	OpenIDs() []covalue.ID
}

// peerConn is the narrow surface Engine needs from a connected peer;
// *transport.Peer satisfies it, and tests substitute an in-process fake.
type peerConn interface {
	Send(covalue.Message) error
	Inbound() <-chan covalue.Message
	Done() <-chan struct{}
}
