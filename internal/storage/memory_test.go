package storage

import (
	"context"
	"testing"
	"time"

	"github.com/rawblock/cojson/internal/crypto"
	"github.com/rawblock/cojson/pkg/covalue"
)

func testHeader() covalue.Header {
	return covalue.Header{
		Type:      covalue.KindMap,
		Ruleset:   covalue.Ruleset{Type: covalue.RulesetUnsafeAllowAll},
		CreatedAt: time.Unix(0, 0),
	}
}

func testSession(counter uint64) covalue.SessionID {
	var h [32]byte
	h[0] = byte(counter)
	return covalue.SessionID{Account: covalue.NewAccountID(covalue.NewID(h)), Counter: counter}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := covalue.NewID([32]byte{0x01})
	header := testHeader()

	if err := s.WriteHeader(ctx, id, header); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	// A second WriteHeader for the same id must not error or overwrite.
	if err := s.WriteHeader(ctx, id, testHeader()); err != nil {
		t.Fatalf("WriteHeader (repeat): %v", err)
	}

	sess := testSession(1)
	_, pk, err := crypto.NewMemoryProvider(1).SigningKeypair()
	if err != nil {
		t.Fatalf("SigningKeypair: %v", err)
	}
	txs := []covalue.Transaction{
		{MadeAt: time.Unix(1, 0), Privacy: covalue.PrivacyTrusting, Changes: nil},
		{MadeAt: time.Unix(2, 0), Privacy: covalue.PrivacyTrusting, Changes: nil},
	}
	if err := s.WriteTransactions(ctx, id, sess, -1, txs, nil, pk); err != nil {
		t.Fatalf("WriteTransactions: %v", err)
	}

	gotHeader, sessions, err := s.ReadCoValue(ctx, id)
	if err != nil {
		t.Fatalf("ReadCoValue: %v", err)
	}
	if gotHeader.Type != header.Type {
		t.Errorf("header type = %v, want %v", gotHeader.Type, header.Type)
	}
	rec, ok := sessions[sess.String()]
	if !ok {
		t.Fatalf("session %s not found", sess.String())
	}
	if len(rec.Transactions) != 2 {
		t.Fatalf("got %d transactions, want 2", len(rec.Transactions))
	}
}

func TestMemoryStoreWriteTransactionsSkipsAlreadyLandedBatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := covalue.NewID([32]byte{0x02})
	_ = s.WriteHeader(ctx, id, testHeader())

	sess := testSession(2)
	_, pk, _ := crypto.NewMemoryProvider(2).SigningKeypair()
	first := []covalue.Transaction{{MadeAt: time.Unix(1, 0), Privacy: covalue.PrivacyTrusting}}
	if err := s.WriteTransactions(ctx, id, sess, -1, first, nil, pk); err != nil {
		t.Fatalf("WriteTransactions: %v", err)
	}

	// Re-delivering the same batch (afterIndex=-1 again) must be a no-op,
	// not a duplicate append, since WriteTransactions is idempotent under
	// replay (§4.9).
	if err := s.WriteTransactions(ctx, id, sess, -1, first, nil, pk); err != nil {
		t.Fatalf("WriteTransactions (replay): %v", err)
	}

	_, sessions, err := s.ReadCoValue(ctx, id)
	if err != nil {
		t.Fatalf("ReadCoValue: %v", err)
	}
	if got := len(sessions[sess.String()].Transactions); got != 1 {
		t.Errorf("got %d transactions after replay, want 1", got)
	}
}

func TestMemoryStoreReadCoValueNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := s.ReadCoValue(context.Background(), covalue.NewID([32]byte{0x03}))
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreListCoValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ids := []covalue.ID{covalue.NewID([32]byte{0x10}), covalue.NewID([32]byte{0x11}), covalue.NewID([32]byte{0x12})}
	for _, id := range ids {
		if err := s.WriteHeader(ctx, id, testHeader()); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
	}

	idCh, errCh := s.ListCoValues(ctx)
	seen := make(map[string]bool)
	for id := range idCh {
		seen[id.String()] = true
	}
	if err := <-errCh; err != nil {
		t.Fatalf("ListCoValues error: %v", err)
	}
	if len(seen) != len(ids) {
		t.Fatalf("got %d ids, want %d", len(seen), len(ids))
	}
	for _, id := range ids {
		if !seen[id.String()] {
			t.Errorf("missing id %s", id.String())
		}
	}
}
