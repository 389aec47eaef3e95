package crdt

import (
	"encoding/json"
	"testing"
)

func applyApp(t *testing.T, l *List, sessCounter uint64, index int, madeAt int64, after Anchor, value string) PosID {
	t.Helper()
	txID, order := txOrder(sessCounter, index, madeAt)
	pos := PosID{Tx: txID, Seq: 0}
	if err := l.Apply(txID, order, 0, EncodeApp(after, rawString(value))); err != nil {
		t.Fatalf("Apply app(%s): %v", value, err)
	}
	return pos
}

func textOf(l *List) string {
	out := ""
	for _, el := range l.Snapshot() {
		var s string
		_ = json.Unmarshal(el.Value, &s)
		out += s
	}
	return out
}

// TestListConcurrentInsertSameAnchor_S2 implements scenario S2: list [a,b]
// at positions pa,pb; node X inserts c after pa, node Y inserts d after
// pa; both replicas converge, ordered by the inserting transaction's
// causal order (newer-first at the anchor).
func TestListConcurrentInsertSameAnchor_S2(t *testing.T) {
	cTx, cOrder := txOrder(2, 0, 10)
	dTx, dOrder := txOrder(3, 0, 10)

	build := func(applyOrder []string) *List {
		l := NewList()
		pa := applyApp(t, l, 1, 0, 1, Anchor{Start: true}, "a")
		_ = applyApp(t, l, 1, 1, 2, Anchor{Pos: pa}, "b")

		ops := map[string]func(){
			"c": func() { _ = l.Apply(cTx, cOrder, 0, EncodeApp(Anchor{Pos: pa}, rawString("c"))) },
			"d": func() { _ = l.Apply(dTx, dOrder, 0, EncodeApp(Anchor{Pos: pa}, rawString("d"))) },
		}
		for _, name := range applyOrder {
			ops[name]()
		}
		return l
	}

	text1 := textOf(build([]string{"c", "d"}))
	text2 := textOf(build([]string{"d", "c"}))
	if text1 != text2 {
		t.Fatalf("replicas diverged depending on apply order: %q vs %q", text1, text2)
	}

	want := "adcb"
	if cOrder.Wins(dOrder) {
		want = "acdb"
	}
	if text1 != want {
		t.Errorf("got order %q, want %q (newer-first at the shared anchor)", text1, want)
	}
}

func TestListTombstoneSkippedButSlotPersists(t *testing.T) {
	l := NewList()
	pa := applyApp(t, l, 1, 0, 1, Anchor{Start: true}, "a")
	_ = applyApp(t, l, 1, 1, 2, Anchor{Pos: pa}, "b")

	delTx, delOrder := txOrder(1, 2, 3)
	if err := l.Apply(delTx, delOrder, 0, EncodeListDel(pa)); err != nil {
		t.Fatalf("Apply del: %v", err)
	}

	if textOf(l) != "b" {
		t.Fatalf("expected tombstoned element to be skipped, got %q", textOf(l))
	}

	// A later op can still anchor to the tombstoned position (§4.6: "later
	// operations referring to them remain meaningful").
	afterTx, afterOrder := txOrder(1, 3, 4)
	if err := l.Apply(afterTx, afterOrder, 0, EncodeApp(Anchor{Pos: pa}, rawString("c"))); err != nil {
		t.Fatalf("Apply app anchored to tombstoned pos: %v", err)
	}
	if textOf(l) != "cb" {
		t.Errorf("expected anchor to tombstoned position to remain meaningful, got %q", textOf(l))
	}
}
