package crdt

import (
	"encoding/json"
	"testing"
)

func TestStreamPerSessionOrderingNoCrossMerge(t *testing.T) {
	s := NewStream()
	tx1, order1 := txOrder(1, 0, 1)
	tx2, order2 := txOrder(1, 1, 2)
	tx3, order3 := txOrder(2, 0, 1)

	if err := s.Apply(tx1, order1, 0, EncodeAppend(rawString("a1"))); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.Apply(tx2, order2, 0, EncodeAppend(rawString("a2"))); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.Apply(tx3, order3, 0, EncodeAppend(rawString("b1"))); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	sessA := tx1.Session.String()
	sessB := tx3.Session.String()

	feedA := s.Session(sessA)
	if len(feedA) != 2 {
		t.Fatalf("expected 2 entries in session A's feed, got %d", len(feedA))
	}
	var op0 struct {
		Value json.RawMessage `json:"value"`
	}
	_ = json.Unmarshal(feedA[0].Value, &op0)
	var v string
	_ = json.Unmarshal(op0.Value, &v)
	if v != "a1" {
		t.Errorf("expected first entry a1, got %q", v)
	}

	feedB := s.Session(sessB)
	if len(feedB) != 1 {
		t.Fatalf("expected session B to have its own independent feed of 1, got %d", len(feedB))
	}

	if len(s.AllSessions()) != 2 {
		t.Errorf("expected 2 distinct sessions, no cross-session merge")
	}
}

func TestStreamIdempotentIngest(t *testing.T) {
	s := NewStream()
	tx1, order1 := txOrder(1, 0, 1)
	change := EncodeAppend(rawString("x"))

	if err := s.Apply(tx1, order1, 0, change); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if err := s.Apply(tx1, order1, 0, change); err != nil {
		t.Fatalf("replayed Apply: %v", err)
	}

	sess := tx1.Session.String()
	if len(s.Session(sess)) != 1 {
		t.Errorf("expected replayed entry to be deduplicated, got %d entries", len(s.Session(sess)))
	}
}

func TestStreamBinarySubStream(t *testing.T) {
	s := NewStream()
	tx, order := txOrder(1, 0, 1)

	if err := s.Apply(tx, order, 0, EncodeBinaryStart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	tx2, order2 := txOrder(1, 1, 2)
	if err := s.Apply(tx2, order2, 0, EncodeBinaryPush([]byte("hel"))); err != nil {
		t.Fatalf("push 1: %v", err)
	}
	tx3, order3 := txOrder(1, 2, 3)
	if err := s.Apply(tx3, order3, 0, EncodeBinaryPush([]byte("lo"))); err != nil {
		t.Fatalf("push 2: %v", err)
	}
	tx4, order4 := txOrder(1, 3, 4)
	if err := s.Apply(tx4, order4, 0, EncodeBinaryEnd()); err != nil {
		t.Fatalf("end: %v", err)
	}

	sess := tx.Session.String()
	data, err := DecodeBinary(s.Session(sess))
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("got %q, want %q", data, "hello")
	}
}

func TestStreamLatestPerAccount(t *testing.T) {
	s := NewStream()
	tx1, order1 := txOrder(1, 0, 1)
	tx2, order2 := txOrder(1, 1, 5)

	_ = s.Apply(tx1, order1, 0, EncodeAppend(rawString("old")))
	_ = s.Apply(tx2, order2, 0, EncodeAppend(rawString("new")))

	acc := tx1.Session.Account.String()
	latest, ok := s.LatestPerAccount()[acc]
	if !ok {
		t.Fatalf("expected an entry for account %s", acc)
	}
	var op struct {
		Value json.RawMessage `json:"value"`
	}
	_ = json.Unmarshal(latest.Value, &op)
	var v string
	_ = json.Unmarshal(op.Value, &v)
	if v != "new" {
		t.Errorf("expected latest entry to be the most recent by causal order, got %q", v)
	}
}
