package sync

import (
	"log"
	"sync"
	"time"

	"github.com/rawblock/cojson/pkg/covalue"
)

// DefaultHighWaterMark and DefaultFragmentSize are §4.8's stated
// defaults (config.SyncHWM / config.SyncFragmentSize), used when Engine
// is constructed with a non-positive value.
const (
	DefaultHighWaterMark = 256
	DefaultFragmentSize  = 100
	DefaultAckTimeout    = 30 * time.Second
)

type pendingBatch struct {
	id            covalue.ID
	header        *covalue.Header
	sessionID     covalue.SessionID
	afterIndex    int
	txs           []covalue.Transaction
	lastSignature []byte
}

type peerState struct {
	id    string
	conn  peerConn
	queue *outboundQueue

	mu    sync.Mutex
	known map[string]map[string]int // covalue id -> session id -> lastIndex, as peer last advertised
	acks  map[string]*time.Timer    // covalue id -> pending Known ack deadline
}

// Engine runs the per-peer KNOWN/CONTENT/LOAD state machine of §4.8. One
// Engine serves every peer of a node; each peer gets its own outbound
// queue and pump goroutine, the multi-peer generalization of the
// teacher's single Hub.broadcast channel feeding every dashboard client.
type Engine struct {
	dispatcher   Dispatcher
	hwm          int
	fragmentSize int
	ackTimeout   time.Duration

	mu      sync.Mutex
	peers   map[string]*peerState
	pending map[string][]pendingBatch // missing dependency id -> buffered batches awaiting it
}

// NewEngine creates an Engine driving dispatcher. A non-positive hwm,
// fragmentSize or ackTimeout falls back to the package defaults.
func NewEngine(dispatcher Dispatcher, hwm, fragmentSize int, ackTimeout time.Duration) *Engine {
	if hwm <= 0 {
		hwm = DefaultHighWaterMark
	}
	if fragmentSize <= 0 {
		fragmentSize = DefaultFragmentSize
	}
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Engine{
		dispatcher:   dispatcher,
		hwm:          hwm,
		fragmentSize: fragmentSize,
		ackTimeout:   ackTimeout,
		peers:        make(map[string]*peerState),
		pending:      make(map[string][]pendingBatch),
	}
}

// AddPeer registers conn under peerID, starts its pumps, and immediately
// announces the local open set (§4.8 step 1).
func (e *Engine) AddPeer(peerID string, conn peerConn) {
	ps := &peerState{
		id:    peerID,
		conn:  conn,
		queue: newOutboundQueue(e.hwm),
		known: make(map[string]map[string]int),
		acks:  make(map[string]*time.Timer),
	}
	e.mu.Lock()
	e.peers[peerID] = ps
	e.mu.Unlock()

	go e.pump(ps)
	go e.readLoop(ps)
	e.AnnounceOpenSet(peerID)
}

// RemovePeer drops a disconnected peer's state and cancels its pending
// ack timers.
func (e *Engine) RemovePeer(peerID string) {
	e.mu.Lock()
	ps, ok := e.peers[peerID]
	delete(e.peers, peerID)
	e.mu.Unlock()
	if !ok {
		return
	}
	ps.mu.Lock()
	for _, t := range ps.acks {
		t.Stop()
	}
	ps.mu.Unlock()
}

// PeerIDs lists every peer currently registered, for callers tearing down
// an Engine's owner (e.g. node.Node.Close).
func (e *Engine) PeerIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.peers))
	for id := range e.peers {
		out = append(out, id)
	}
	return out
}

func (e *Engine) peerFor(peerID string) *peerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers[peerID]
}

func (e *Engine) pump(ps *peerState) {
	for {
		select {
		case <-ps.queue.notify:
			for _, msg := range ps.queue.drain() {
				if err := ps.conn.Send(msg); err != nil {
					e.RemovePeer(ps.id)
					return
				}
			}
		case <-ps.conn.Done():
			e.RemovePeer(ps.id)
			return
		}
	}
}

func (e *Engine) readLoop(ps *peerState) {
	for msg := range ps.conn.Inbound() {
		e.HandleMessage(ps.id, msg)
	}
	e.RemovePeer(ps.id)
}

func (e *Engine) enqueue(peerID string, msg covalue.Message) {
	if ps := e.peerFor(peerID); ps != nil {
		ps.queue.push(msg)
	}
}

// HandleMessage dispatches one decoded wire message to the matching step
// of §4.8.
func (e *Engine) HandleMessage(peerID string, msg covalue.Message) {
	switch msg.Kind {
	case covalue.MessageKnown:
		e.clearAck(peerID, msg.ID)
		e.HandleKnown(peerID, msg)
	case covalue.MessageContent:
		e.clearAck(peerID, msg.ID)
		e.HandleContent(peerID, msg)
	case covalue.MessageLoad:
		e.HandleLoad(peerID, msg)
	case covalue.MessageDone:
		// A pure liveness marker; convergence never depends on it
		// arriving (§4.8 point 4: "no global clock").
	}
}

// AnnounceOpenSet sends a Known message for every locally open CoValue
// to peerID (§4.8 step 1).
func (e *Engine) AnnounceOpenSet(peerID string) {
	for _, id := range e.dispatcher.OpenIDs() {
		e.announce(peerID, id)
	}
}

func (e *Engine) announce(peerID string, id covalue.ID) {
	sessions, header, ok := e.dispatcher.KnownState(id)
	if !ok {
		return
	}
	sessMap := make(map[string]covalue.SessionKnown, len(sessions))
	for sessID, lastIdx := range sessions {
		sessMap[sessID.String()] = covalue.SessionKnown{LastIndex: lastIdx}
	}
	h := header
	e.enqueue(peerID, covalue.Message{Kind: covalue.MessageKnown, ID: id, Header: &h, Sessions: sessMap})
	e.scheduleAck(peerID, id)
}

// HandleKnown diffs msg against our own per-session state for msg.ID,
// emitting Content for sessions where we have more and Load for
// sessions the peer claims but we have never seen (§4.8 step 2).
func (e *Engine) HandleKnown(peerID string, msg covalue.Message) {
	ourSessions, _, ok := e.dispatcher.KnownState(msg.ID)
	if !ok {
		e.enqueue(peerID, covalue.Message{Kind: covalue.MessageLoad, ID: msg.ID})
		return
	}

	peerKnown := make(map[string]int, len(msg.Sessions))
	for s, sk := range msg.Sessions {
		peerKnown[s] = sk.LastIndex
	}
	if ps := e.peerFor(peerID); ps != nil {
		ps.mu.Lock()
		ps.known[msg.ID.String()] = peerKnown
		ps.mu.Unlock()
	}

	seen := make(map[string]bool, len(ourSessions))
	for sessID, ourLast := range ourSessions {
		seen[sessID.String()] = true
		peerLast, peerHas := peerKnown[sessID.String()]
		if !peerHas {
			peerLast = -1
		}
		if ourLast > peerLast {
			txs, sig, ok := e.dispatcher.TransactionsAfter(msg.ID, sessID, peerLast)
			if ok && len(txs) > 0 {
				e.enqueueContent(peerID, msg.ID, sessID, peerLast, txs, sig)
			}
		}
	}
	for sessStr := range peerKnown {
		if !seen[sessStr] {
			e.enqueue(peerID, covalue.Message{Kind: covalue.MessageLoad, ID: msg.ID})
			break
		}
	}
}

// HandleContent applies every session's delta via the dispatcher,
// buffering and requesting any still-missing dependency (§4.8 step 3).
func (e *Engine) HandleContent(peerID string, msg covalue.Message) {
	for sessStr, sc := range msg.New {
		sessID, err := covalue.ParseSessionID(sessStr)
		if err != nil {
			log.Printf("sync: peer %s: content %s: bad session id %q: %v", peerID, msg.ID.String(), sessStr, err)
			continue
		}
		e.ingestOne(peerID, msg.ID, msg.Header, sessID, sc.AfterIndex, sc.Transactions, sc.LastSignature)
	}
}

func (e *Engine) ingestOne(peerID string, id covalue.ID, header *covalue.Header, sessID covalue.SessionID, afterIndex int, txs []covalue.Transaction, lastSignature []byte) {
	missing, err := e.dispatcher.IngestBatch(id, header, sessID, afterIndex, txs, lastSignature)
	if err != nil {
		if !missing.IsZero() {
			e.bufferPending(missing, pendingBatch{id: id, header: header, sessionID: sessID, afterIndex: afterIndex, txs: txs, lastSignature: lastSignature})
			e.enqueue(peerID, covalue.Message{Kind: covalue.MessageLoad, ID: missing})
			return
		}
		log.Printf("sync: peer %s: ingest %s session %s: %v", peerID, id.String(), sessID.String(), err)
		return
	}
	// Fan out to every other peer now, while we still know which peer this
	// batch came from — Dispatcher.IngestBatch itself has no notion of
	// peers, so Forward (and its origin exclusion) lives here rather than
	// in the dispatcher implementation.
	e.Forward(id, sessID, afterIndex, txs, lastSignature, peerID)
	e.resolveDependency(peerID, id)
}

func (e *Engine) bufferPending(missing covalue.ID, batch pendingBatch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[missing.String()] = append(e.pending[missing.String()], batch)
}

// resolveDependency replays every batch that was buffered waiting on id,
// now that id ingested successfully (§4.8 step 3,
// "Engine.onDependencyResolved").
func (e *Engine) resolveDependency(peerID string, id covalue.ID) {
	e.mu.Lock()
	batches := e.pending[id.String()]
	delete(e.pending, id.String())
	e.mu.Unlock()
	for _, b := range batches {
		e.ingestOne(peerID, b.id, b.header, b.sessionID, b.afterIndex, b.txs, b.lastSignature)
	}
}

// RequestLoad asks every connected peer for id, the cold-start path for a
// CoValue this node has never seen a header for (no registry entry, no
// stored header) — the same Load message HandleKnown sends when a peer's
// Known names a session we don't recognize, issued here proactively
// instead of in response to one.
func (e *Engine) RequestLoad(id covalue.ID) {
	e.mu.Lock()
	peers := make([]string, 0, len(e.peers))
	for pid := range e.peers {
		peers = append(peers, pid)
	}
	e.mu.Unlock()
	for _, pid := range peers {
		e.enqueue(pid, covalue.Message{Kind: covalue.MessageLoad, ID: id})
	}
}

// HandleLoad answers a peer's request for a CoValue it doesn't yet have
// by sending our current Known state for it, letting the peer's own
// HandleKnown pull the content it's missing.
func (e *Engine) HandleLoad(peerID string, msg covalue.Message) {
	e.announce(peerID, msg.ID)
}

// Forward fans a freshly-ingested batch out to every tracked peer whose
// advertised knownState doesn't yet cover it, excluding originPeer
// (directly generalizing the teacher's RGA Document.Broadcast from "all
// sessions but the sender" to "all peers whose known-state says they
// need it").
func (e *Engine) Forward(id covalue.ID, sessID covalue.SessionID, afterIndex int, txs []covalue.Transaction, lastSignature []byte, originPeer string) {
	e.mu.Lock()
	targets := make([]*peerState, 0, len(e.peers))
	for pid, ps := range e.peers {
		if pid == originPeer {
			continue
		}
		targets = append(targets, ps)
	}
	e.mu.Unlock()

	upTo := afterIndex + len(txs)
	for _, ps := range targets {
		peerLast := -1
		ps.mu.Lock()
		if known, ok := ps.known[id.String()]; ok {
			if v, ok2 := known[sessID.String()]; ok2 {
				peerLast = v
			}
		}
		ps.mu.Unlock()
		if peerLast >= upTo {
			continue
		}
		e.enqueueContent(ps.id, id, sessID, afterIndex, txs, lastSignature)
	}
}

// enqueueContent splits txs into fragmentSize-sized CONTENT messages so
// a single large backlog session never blocks the queue on one giant
// frame (§4.8 backpressure: "splits Content into fragments").
func (e *Engine) enqueueContent(peerID string, id covalue.ID, sessID covalue.SessionID, afterIndex int, txs []covalue.Transaction, lastSignature []byte) {
	if len(txs) <= e.fragmentSize {
		e.enqueue(peerID, covalue.Message{
			Kind: covalue.MessageContent,
			ID:   id,
			New: map[string]covalue.SessionContent{
				sessID.String(): {AfterIndex: afterIndex, Transactions: txs, LastSignature: lastSignature},
			},
		})
		return
	}
	for start := 0; start < len(txs); start += e.fragmentSize {
		end := start + e.fragmentSize
		if end > len(txs) {
			end = len(txs)
		}
		var sig []byte
		if end == len(txs) {
			sig = lastSignature
		}
		e.enqueue(peerID, covalue.Message{
			Kind: covalue.MessageContent,
			ID:   id,
			New: map[string]covalue.SessionContent{
				sessID.String(): {AfterIndex: afterIndex + start, Transactions: txs[start:end], LastSignature: sig},
			},
		})
	}
}

func (e *Engine) scheduleAck(peerID string, id covalue.ID) {
	ps := e.peerFor(peerID)
	if ps == nil {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if t, ok := ps.acks[id.String()]; ok {
		t.Stop()
	}
	ps.acks[id.String()] = time.AfterFunc(e.ackTimeout, func() {
		e.onAckTimeout(peerID, id)
	})
}

func (e *Engine) clearAck(peerID string, id covalue.ID) {
	ps := e.peerFor(peerID)
	if ps == nil {
		return
	}
	ps.mu.Lock()
	if t, ok := ps.acks[id.String()]; ok {
		t.Stop()
		delete(ps.acks, id.String())
	}
	ps.mu.Unlock()
}

// onAckTimeout resets the peer's advertised knownState for id and
// re-sends Known, the reset-and-retry idiom the teacher's mempool poller
// uses on a failed scan: start over from a checkpoint rather than wait
// indefinitely for an ack that may never come (§5).
func (e *Engine) onAckTimeout(peerID string, id covalue.ID) {
	ps := e.peerFor(peerID)
	if ps == nil {
		return
	}
	ps.mu.Lock()
	delete(ps.known, id.String())
	delete(ps.acks, id.String())
	ps.mu.Unlock()
	e.announce(peerID, id)
}
