package group

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rawblock/cojson/internal/crdt"
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

func rawRole(r Role) json.RawMessage {
	out, _ := json.Marshal(r)
	return out
}

func TestGroupRoleOfAndEffectiveRole(t *testing.T) {
	groupID := covalue.NewID([32]byte{0xAA})
	g := New(groupID)

	alice := sessionFor(10).Account
	txID, order := txOrder(10, 0, 1)
	if err := g.Apply(txID, order, 0, crdt.EncodeSet(alice.String(), rawRole(RoleWriter))); err != nil {
		t.Fatalf("Apply grant: %v", err)
	}

	role, ok := g.RoleOf(alice.String())
	if !ok || role != RoleWriter {
		t.Fatalf("RoleOf = %v, %v, want writer, true", role, ok)
	}

	if got := g.EffectiveRole(alice.String(), order, nil); got != RoleWriter {
		t.Errorf("EffectiveRole at grant position = %v, want writer", got)
	}
}

func TestGroupRevokeRemovesEffectiveRole(t *testing.T) {
	groupID := covalue.NewID([32]byte{0xAB})
	g := New(groupID)
	alice := sessionFor(11).Account

	tx1, order1 := txOrder(11, 0, 1)
	_ = g.Apply(tx1, order1, 0, crdt.EncodeSet(alice.String(), rawRole(RoleWriter)))

	tx2, order2 := txOrder(11, 1, 2)
	if err := g.Apply(tx2, order2, 0, crdt.EncodeSet(alice.String(), rawRole(RoleRevoked))); err != nil {
		t.Fatalf("Apply revoke: %v", err)
	}

	if got := g.EffectiveRole(alice.String(), order1, nil); got != RoleWriter {
		t.Errorf("EffectiveRole before revoke = %v, want writer", got)
	}
	if got := g.EffectiveRole(alice.String(), order2, nil); got != RoleRevoked {
		t.Errorf("EffectiveRole after revoke = %v, want revoked", got)
	}
}

func TestGroupEveryoneFallback(t *testing.T) {
	groupID := covalue.NewID([32]byte{0xAC})
	g := New(groupID)
	bob := sessionFor(12).Account

	tx1, order1 := txOrder(12, 0, 1)
	if err := g.Apply(tx1, order1, 0, crdt.EncodeSet(everyonePrincipal, rawRole(RoleReader))); err != nil {
		t.Fatalf("Apply everyone grant: %v", err)
	}

	// bob has no explicit grant, so EffectiveRole falls back to "everyone".
	if got := g.EffectiveRole(bob.String(), order1, nil); got != RoleReader {
		t.Errorf("EffectiveRole fallback to everyone = %v, want reader", got)
	}
}

func TestRoleMinForParentInheritance(t *testing.T) {
	cases := []struct {
		parent, child, want Role
	}{
		{RoleAdmin, RoleReader, RoleReader},
		{RoleReader, RoleAdmin, RoleReader},
		{RoleWriter, RoleWriter, RoleWriter},
		{RoleRevoked, RoleAdmin, RoleRevoked},
	}
	for _, c := range cases {
		if got := Min(c.parent, c.child); got != c.want {
			t.Errorf("Min(%v, %v) = %v, want %v", c.parent, c.child, got, c.want)
		}
	}
}

func TestGroupParentGroups(t *testing.T) {
	groupID := covalue.NewID([32]byte{0xAD})
	g := New(groupID)
	parentID := covalue.NewID([32]byte{0xAE})

	tx, order := txOrder(13, 0, 1)
	marker, _ := json.Marshal(true)
	key := parentGroupPrefix + parentID.String()
	if err := g.Apply(tx, order, 0, crdt.EncodeSet(key, marker)); err != nil {
		t.Fatalf("Apply parent marker: %v", err)
	}

	parents := g.ParentGroups()
	if len(parents) != 1 || parents[0] != parentID {
		t.Errorf("ParentGroups() = %v, want [%v]", parents, parentID)
	}
}

type stubResolver map[covalue.ID]*Group

func (s stubResolver) ResolveGroup(id covalue.ID) (*Group, bool) {
	g, ok := s[id]
	return g, ok
}

func TestGroupEffectiveRoleInheritsFromParent(t *testing.T) {
	parentID := covalue.NewID([32]byte{0xC0})
	parent := New(parentID)
	alice := sessionFor(20).Account

	ptx, porder := txOrder(20, 0, 1)
	if err := parent.Apply(ptx, porder, 0, crdt.EncodeSet(alice.String(), rawRole(RoleWriter))); err != nil {
		t.Fatalf("Apply parent grant: %v", err)
	}

	childID := covalue.NewID([32]byte{0xC1})
	child := New(childID)
	ctx, corder := txOrder(21, 0, 2)
	marker, _ := json.Marshal(true)
	if err := child.Apply(ctx, corder, 0, crdt.EncodeSet(parentGroupPrefix+parentID.String(), marker)); err != nil {
		t.Fatalf("Apply parent marker: %v", err)
	}

	resolver := stubResolver{parentID: parent}

	// alice has no direct or everyone grant in child, only the parent's.
	if got := child.EffectiveRole(alice.String(), corder, resolver); got != RoleWriter {
		t.Errorf("EffectiveRole inherited from parent = %v, want writer", got)
	}

	// A lower child override narrows what the parent granted.
	otx, oorder := txOrder(21, 1, 3)
	if err := child.Apply(otx, oorder, 0, crdt.EncodeSet(alice.String(), rawRole(RoleReader))); err != nil {
		t.Fatalf("Apply child override: %v", err)
	}
	if got := child.EffectiveRole(alice.String(), oorder, resolver); got != RoleReader {
		t.Errorf("EffectiveRole with child override = %v, want min(writer, reader) = reader", got)
	}

	// A nil resolver cannot see the parent, so only the child override applies.
	if got := child.EffectiveRole(alice.String(), oorder, nil); got != RoleReader {
		t.Errorf("EffectiveRole with nil resolver = %v, want reader", got)
	}
}

func TestGroupReadKeyAndEpoch(t *testing.T) {
	groupID := covalue.NewID([32]byte{0xAF})
	g := New(groupID)
	alice := sessionFor(14).Account
	epoch := covalue.NewKeyID("1")

	tx1, order1 := txOrder(14, 0, 1)
	epochIDJSON, _ := json.Marshal(epoch)
	if err := g.Apply(tx1, order1, 0, crdt.EncodeSet(readKeyKey, epochIDJSON)); err != nil {
		t.Fatalf("Apply readKey: %v", err)
	}

	sealed := SealedKey{0x01, 0x02, 0x03}
	sealedJSON, _ := json.Marshal(sealed)
	tx2, order2 := txOrder(14, 1, 2)
	if err := g.Apply(tx2, order2, 0, crdt.EncodeSet(alice.String()+"_"+epoch.String(), sealedJSON)); err != nil {
		t.Fatalf("Apply sealed key: %v", err)
	}

	gotEpoch, ok := g.ReadKey()
	if !ok || gotEpoch.String() != epoch.String() {
		t.Fatalf("ReadKey() = %v, %v, want %v, true", gotEpoch, ok, epoch)
	}

	gotSealed, ok := g.Epoch(alice, epoch)
	if !ok || string(gotSealed) != string(sealed) {
		t.Errorf("Epoch() = %v, %v, want %v, true", gotSealed, ok, sealed)
	}
}

func TestGroupInviteRoleAndSwap(t *testing.T) {
	groupID := covalue.NewID([32]byte{0xB0})
	g := New(groupID)

	tx, order := txOrder(15, 0, 1)
	null, _ := json.Marshal(nil)
	if err := g.Apply(tx, order, 0, crdt.EncodeSet("inviteSecret_s3cr3t_writer", null)); err != nil {
		t.Fatalf("Apply invite: %v", err)
	}

	role, ok := g.InviteRole("s3cr3t")
	if !ok || role != RoleWriter {
		t.Fatalf("InviteRole() = %v, %v, want writer, true", role, ok)
	}

	redeemer := sessionFor(16).Account
	changes := []json.RawMessage{
		crdt.EncodeSet("inviteSecret_s3cr3t_writer", null),
		crdt.EncodeSet(redeemer.String(), rawRole(RoleWriter)),
	}
	secret, grantedRole, ok := IsInviteSwap(changes, redeemer)
	if !ok || secret != "s3cr3t" || grantedRole != RoleWriter {
		t.Errorf("IsInviteSwap() = %q, %v, %v, want s3cr3t, writer, true", secret, grantedRole, ok)
	}

	// A swap attempting to set a different account's role must not be
	// recognized as a valid self-swap (§4.5 "scoped to self-insertion only").
	other := sessionFor(17).Account
	badChanges := []json.RawMessage{
		crdt.EncodeSet("inviteSecret_s3cr3t_writer", null),
		crdt.EncodeSet(other.String(), rawRole(RoleWriter)),
	}
	if _, _, ok := IsInviteSwap(badChanges, redeemer); ok {
		t.Errorf("IsInviteSwap() accepted a swap granting a different account's role")
	}
}
