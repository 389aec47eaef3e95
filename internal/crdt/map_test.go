package crdt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rawblock/cojson/pkg/covalue"
)

func sessionFor(counter uint64) covalue.SessionID {
	var h [32]byte
	h[0] = byte(counter)
	return covalue.SessionID{Account: covalue.NewAccountID(covalue.NewID(h)), Counter: counter}
}

func txOrder(sessCounter uint64, index int, madeAt int64) (covalue.TransactionID, covalue.OrderKey) {
	sess := sessionFor(sessCounter)
	txID := covalue.TransactionID{Session: sess, Index: index}
	tx := covalue.Transaction{MadeAt: time.Unix(madeAt, 0)}
	return txID, covalue.NewOrderKey(tx, sess, index)
}

func rawString(s string) json.RawMessage {
	out, _ := json.Marshal(s)
	return out
}

// TestMapLWW_S1 implements scenario S1: A sets k="x" at t=1, B sets k="y"
// at t=2; both replicate; final view is {k:"y"} regardless of apply order.
func TestMapLWW_S1(t *testing.T) {
	txA, orderA := txOrder(1, 0, 1)
	txB, orderB := txOrder(2, 0, 2)

	m1 := NewMap()
	if err := m1.Apply(txA, orderA, 0, EncodeSet("k", rawString("x"))); err != nil {
		t.Fatalf("Apply A on replica 1: %v", err)
	}
	if err := m1.Apply(txB, orderB, 0, EncodeSet("k", rawString("y"))); err != nil {
		t.Fatalf("Apply B on replica 1: %v", err)
	}

	m2 := NewMap()
	if err := m2.Apply(txB, orderB, 0, EncodeSet("k", rawString("y"))); err != nil {
		t.Fatalf("Apply B on replica 2: %v", err)
	}
	if err := m2.Apply(txA, orderA, 0, EncodeSet("k", rawString("x"))); err != nil {
		t.Fatalf("Apply A on replica 2: %v", err)
	}

	v1, _ := m1.Get("k")
	v2, _ := m2.Get("k")
	if string(v1) != `"y"` || string(v2) != `"y"` {
		t.Errorf("expected both replicas to converge on {k:\"y\"}, got %s and %s", v1, v2)
	}
}

// TestMapLWW_TieBreakOnSessionID covers S1's clock-skew tie-break: equal
// madeAt breaks on the lexicographically greater session ID.
func TestMapLWW_TieBreakOnSessionID(t *testing.T) {
	txA, orderA := txOrder(1, 0, 0)
	txB, orderB := txOrder(2, 0, 0)

	winner := "x"
	if orderB.Session.String() > orderA.Session.String() {
		winner = "y"
	}

	m := NewMap()
	_ = m.Apply(txA, orderA, 0, EncodeSet("k", rawString("x")))
	_ = m.Apply(txB, orderB, 0, EncodeSet("k", rawString("y")))

	got, _ := m.Get("k")
	want := rawString(winner)
	if string(got) != string(want) {
		t.Errorf("tie-break winner = %s, want %s", got, want)
	}
}

func TestMapDeleteThenReadMissing(t *testing.T) {
	tx1, order1 := txOrder(1, 0, 1)
	tx2, order2 := txOrder(1, 1, 2)

	m := NewMap()
	_ = m.Apply(tx1, order1, 0, EncodeSet("k", rawString("x")))
	_ = m.Apply(tx2, order2, 0, EncodeDel("k"))

	if _, ok := m.Get("k"); ok {
		t.Errorf("expected key to be absent after delete")
	}
}

func TestMapIdempotentIngest(t *testing.T) {
	tx1, order1 := txOrder(1, 0, 1)

	m := NewMap()
	change := EncodeSet("k", rawString("x"))
	if err := m.Apply(tx1, order1, 0, change); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if err := m.Apply(tx1, order1, 0, change); err != nil {
		t.Fatalf("replayed Apply: %v", err)
	}
	v, ok := m.Get("k")
	if !ok || string(v) != `"x"` {
		t.Errorf("expected replayed ingest to leave value unchanged, got %s", v)
	}
}
