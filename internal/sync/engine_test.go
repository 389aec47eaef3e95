package sync

import (
	"testing"
	"time"

	"github.com/rawblock/cojson/pkg/covalue"
)

type fakeConn struct {
	out  chan covalue.Message
	in   chan covalue.Message
	done chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{out: make(chan covalue.Message, 64), in: make(chan covalue.Message, 64), done: make(chan struct{})}
}

func (c *fakeConn) Send(m covalue.Message) error {
	select {
	case c.out <- m:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}
func (c *fakeConn) Inbound() <-chan covalue.Message { return c.in }
func (c *fakeConn) Done() <-chan struct{}           { return c.done }

// ErrConnClosed mirrors transport.ErrClosed for the fake connection used
// only within this package's tests.
var ErrConnClosed = errConnClosed{}

type errConnClosed struct{}

func (errConnClosed) Error() string { return "sync: fake connection closed" }

type fakeDispatcher struct {
	sessions map[string]map[string]int // covalue id -> session id -> lastIndex
	headers  map[string]covalue.Header
	logs     map[string]map[string][]covalue.Transaction // covalue id -> session id -> txs
	ingested []pendingBatch
	open     []covalue.ID
	missingFor string // covalue id whose ingest always reports itself as the missing dependency
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		sessions: make(map[string]map[string]int),
		headers:  make(map[string]covalue.Header),
		logs:     make(map[string]map[string][]covalue.Transaction),
	}
}

func (d *fakeDispatcher) IngestBatch(id covalue.ID, header *covalue.Header, sessionID covalue.SessionID, afterIndex int, txs []covalue.Transaction, lastSignature []byte) (covalue.ID, error) {
	if d.missingFor != "" && id.String() == d.missingFor {
		return id, errIngestBlocked{}
	}
	d.ingested = append(d.ingested, pendingBatch{id: id, header: header, sessionID: sessionID, afterIndex: afterIndex, txs: txs, lastSignature: lastSignature})
	if d.sessions[id.String()] == nil {
		d.sessions[id.String()] = make(map[string]int)
	}
	d.sessions[id.String()][sessionID.String()] = afterIndex + len(txs)
	if d.logs[id.String()] == nil {
		d.logs[id.String()] = make(map[string][]covalue.Transaction)
	}
	d.logs[id.String()][sessionID.String()] = append(d.logs[id.String()][sessionID.String()], txs...)
	if header != nil {
		d.headers[id.String()] = *header
	}
	return covalue.ID{}, nil
}

type errIngestBlocked struct{}

func (errIngestBlocked) Error() string { return "fake: blocked on missing dependency" }

func (d *fakeDispatcher) KnownState(id covalue.ID) (map[covalue.SessionID]int, covalue.Header, bool) {
	sessStrs, ok := d.sessions[id.String()]
	if !ok {
		return nil, covalue.Header{}, false
	}
	out := make(map[covalue.SessionID]int, len(sessStrs))
	for s, idx := range sessStrs {
		sessID, err := covalue.ParseSessionID(s)
		if err != nil {
			continue
		}
		out[sessID] = idx
	}
	return out, d.headers[id.String()], true
}

func (d *fakeDispatcher) TransactionsAfter(id covalue.ID, sessionID covalue.SessionID, afterIndex int) ([]covalue.Transaction, []byte, bool) {
	sessMap, ok := d.logs[id.String()]
	if !ok {
		return nil, nil, false
	}
	all, ok := sessMap[sessionID.String()]
	if !ok {
		return nil, nil, false
	}
	if afterIndex+1 >= len(all) {
		return nil, nil, true
	}
	return all[afterIndex+1:], nil, true
}

func (d *fakeDispatcher) OpenIDs() []covalue.ID { return d.open }

func testAccount(b byte) covalue.AccountID {
	var h [32]byte
	h[0] = b
	return covalue.NewAccountID(covalue.NewID(h))
}

func TestEngineHandleKnownSendsContentWhenWeHaveMore(t *testing.T) {
	d := newFakeDispatcher()
	id := covalue.NewID([32]byte{0x05})
	sess := covalue.SessionID{Account: testAccount(1), Counter: 1}
	header := covalue.Header{Type: covalue.KindMap, Ruleset: covalue.Ruleset{Type: covalue.RulesetUnsafeAllowAll}}
	d.sessions[id.String()] = map[string]int{sess.String(): 1}
	d.headers[id.String()] = header
	d.logs[id.String()] = map[string][]covalue.Transaction{
		sess.String(): {
			{MadeAt: time.Unix(1, 0)},
			{MadeAt: time.Unix(2, 0)},
		},
	}

	e := NewEngine(d, 0, 0, 0)
	conn := newFakeConn()
	e.AddPeer("peerA", conn)

	// drain the initial AnnounceOpenSet (OpenIDs is empty so nothing sent).
	peerKnown := covalue.Message{Kind: covalue.MessageKnown, ID: id, Sessions: map[string]covalue.SessionKnown{
		sess.String(): {LastIndex: -1},
	}}
	e.HandleMessage("peerA", peerKnown)

	select {
	case msg := <-conn.out:
		if msg.Kind != covalue.MessageContent {
			t.Fatalf("got kind %v, want CONTENT", msg.Kind)
		}
		sc, ok := msg.New[sess.String()]
		if !ok || len(sc.Transactions) != 2 {
			t.Fatalf("content = %+v, want 2 transactions for session", msg.New)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CONTENT")
	}
}

func TestEngineHandleContentIngestsAndForwards(t *testing.T) {
	d := newFakeDispatcher()
	id := covalue.NewID([32]byte{0x06})
	sess := covalue.SessionID{Account: testAccount(2), Counter: 1}

	e := NewEngine(d, 0, 0, 0)
	conn := newFakeConn()
	e.AddPeer("peerB", conn)

	msg := covalue.Message{
		Kind: covalue.MessageContent,
		ID:   id,
		New: map[string]covalue.SessionContent{
			sess.String(): {AfterIndex: -1, Transactions: []covalue.Transaction{{MadeAt: time.Unix(1, 0)}}},
		},
	}
	e.HandleMessage("peerB", msg)

	if len(d.ingested) != 1 {
		t.Fatalf("ingested %d batches, want 1", len(d.ingested))
	}
	if d.ingested[0].id.String() != id.String() {
		t.Errorf("ingested wrong id")
	}
}

func TestEngineBuffersOnMissingDependencyAndReplaysOnResolve(t *testing.T) {
	d := newFakeDispatcher()
	blockedID := covalue.NewID([32]byte{0x07})
	d.missingFor = blockedID.String()
	sess := covalue.SessionID{Account: testAccount(3), Counter: 1}

	e := NewEngine(d, 0, 0, 0)
	conn := newFakeConn()
	e.AddPeer("peerC", conn)

	msg := covalue.Message{
		Kind: covalue.MessageContent,
		ID:   blockedID,
		New: map[string]covalue.SessionContent{
			sess.String(): {AfterIndex: -1, Transactions: []covalue.Transaction{{MadeAt: time.Unix(1, 0)}}},
		},
	}
	e.HandleMessage("peerC", msg)

	select {
	case sent := <-conn.out:
		if sent.Kind != covalue.MessageLoad {
			t.Fatalf("got %v, want LOAD for missing dependency", sent.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for LOAD")
	}

	if len(d.ingested) != 0 {
		t.Fatalf("batch should still be buffered, got %d ingested", len(d.ingested))
	}

	// Unblock and resolve the dependency id itself: a successful ingest
	// of blockedID should replay the buffered batch for it.
	d.missingFor = ""
	e.resolveDependency("peerC", blockedID)

	if len(d.ingested) != 1 {
		t.Fatalf("ingested %d batches after resolve, want 1", len(d.ingested))
	}
}

func TestEngineForwardSkipsOriginAndPeersAlreadyCaughtUp(t *testing.T) {
	d := newFakeDispatcher()
	id := covalue.NewID([32]byte{0x08})
	sess := covalue.SessionID{Account: testAccount(4), Counter: 1}

	e := NewEngine(d, 0, 0, 0)
	origin := newFakeConn()
	behind := newFakeConn()
	caughtUp := newFakeConn()
	e.AddPeer("origin", origin)
	e.AddPeer("behind", behind)
	e.AddPeer("caughtUp", caughtUp)

	// caughtUp already knows index 0 (the only tx in this forward).
	if ps := e.peerFor("caughtUp"); ps != nil {
		ps.mu.Lock()
		ps.known[id.String()] = map[string]int{sess.String(): 0}
		ps.mu.Unlock()
	}

	txs := []covalue.Transaction{{MadeAt: time.Unix(1, 0)}}
	e.Forward(id, sess, -1, txs, nil, "origin")

	select {
	case msg := <-behind.out:
		if msg.Kind != covalue.MessageContent {
			t.Errorf("behind got %v, want CONTENT", msg.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("behind peer never received forwarded content")
	}

	select {
	case msg := <-caughtUp.out:
		t.Fatalf("caughtUp peer should not have been forwarded anything, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case msg := <-origin.out:
		t.Fatalf("origin peer should be excluded from Forward, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}
