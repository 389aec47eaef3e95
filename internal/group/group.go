package group

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rawblock/cojson/internal/crdt"
	"github.com/rawblock/cojson/pkg/covalue"
)

const (
	everyonePrincipal = "everyone"
	readKeyKey        = "readKey"
	parentGroupPrefix = "parentGroup_"
	inviteSecretPrefix = "inviteSecret_"
	epochSealerPrefix = "epochSealer_"
)

// SealedKey is an opaque blob produced by crypto.Provider.Seal: a group's
// symmetric key for one epoch, wrapped for one member's sealing public key
// (§4.5's `<accountID>_<epochID>` entries).
type SealedKey []byte

// roleGrant is one recorded role-assignment transaction, kept alongside the
// live CoMap fold so EffectiveRole can re-fold up to an arbitrary causal
// cutoff (§4.4.2: "effective role of the signing account as of this
// transaction's position in the causal order").
type roleGrant struct {
	principal string
	role      Role
	order     covalue.OrderKey
}

// Group is a disciplined reader over a CoMap (§4.5 opening sentence): every
// accessor recognizes one of the key patterns of the permission table, and
// EffectiveRole folds the recorded grants up to a causal cutoff.
type Group struct {
	id       covalue.ID
	state    *crdt.Map
	grants   []roleGrant
	hasAdmin bool
}

// New creates an empty Group over CoValue id.
func New(id covalue.ID) *Group {
	return &Group{id: id, state: crdt.NewMap()}
}

// ID returns the backing CoValue's identifier.
func (g *Group) ID() covalue.ID { return g.id }

// Apply folds one group transaction change. Role-assignment changes (keyed
// by an account ID or "everyone") are additionally recorded in the grant
// log so EffectiveRole can reconstruct the role at any earlier causal
// position, not just the current one.
func (g *Group) Apply(txID covalue.TransactionID, order covalue.OrderKey, seq int, change json.RawMessage) error {
	if err := g.state.Apply(txID, order, seq, change); err != nil {
		return err
	}

	var probe struct {
		Op    string          `json:"op"`
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(change, &probe); err != nil {
		return nil // not a comap-shaped change; state.Apply already rejected it if invalid
	}
	if probe.Op != "set" || probe.Key == "" {
		return nil
	}
	if isRoleKey(probe.Key) {
		var role Role
		_ = json.Unmarshal(probe.Value, &role)
		if role.Valid() {
			g.grants = append(g.grants, roleGrant{principal: probe.Key, role: role, order: order})
			if role == RoleAdmin {
				g.hasAdmin = true
			}
		}
	}
	return nil
}

// HasAdmin reports whether any account has ever been granted admin in this
// group's history. corestate.Core uses it for a brand-new group's
// bootstrap: before a group has its first admin, there is no one who could
// have authorized one, so every change to the group is accepted from any
// account (not only the creator's, and not only self-grants) until the
// first admin grant is recorded (§9 open question on a group's first
// admin).
func (g *Group) HasAdmin() bool { return g.hasAdmin }

// isRoleKey reports whether key is a bare principal (account ID or
// "everyone"), as opposed to an epoch blob, readKey pointer, parent-group
// marker or invite secret.
func isRoleKey(key string) bool {
	if key == everyonePrincipal {
		return true
	}
	if strings.HasPrefix(key, parentGroupPrefix) || strings.HasPrefix(key, inviteSecretPrefix) || key == readKeyKey {
		return false
	}
	// A role grant's key is a bare account ID, which parses as a CoValue
	// ID; an <accountID>_<epochID> sealed-key entry carries a further
	// "_<epochID>" suffix and so does not.
	_, err := covalue.ParseID(key)
	return err == nil
}

// Snapshot returns every live key/value pair in the group's backing
// CoMap, for debug inspection (internal/api's covalue-view endpoint).
func (g *Group) Snapshot() map[string]json.RawMessage { return g.state.Snapshot() }

// RoleOf returns principal's current (latest causal position) role.
func (g *Group) RoleOf(principal string) (Role, bool) {
	raw, ok := g.state.Get(principal)
	if !ok {
		return "", false
	}
	var role Role
	if err := json.Unmarshal(raw, &role); err != nil || !role.Valid() {
		return "", false
	}
	return role, true
}

// Resolver looks up another CoValue's materialized Group view, so
// EffectiveRole can follow a parentGroup_<id> marker to the parent's own
// grants. Satisfied by corestate.Core's GroupResolver.
type Resolver interface {
	ResolveGroup(id covalue.ID) (*Group, bool)
}

// EffectiveRole computes principal's role as of the causal position cutoff
// (§4.5, §4.4.2). It first folds this group's own grants, last writer wins,
// falling back to the "everyone" grant at the same cutoff if there is no
// principal-specific grant. If the group also declares parent groups
// (ParentGroups), the highest role principal holds across those parents -
// resolved recursively through resolver - is combined with this group's own
// grant via Min: a parent grant alone is inherited as-is, a child grant
// alone applies as-is, and when both are present the child grant can only
// narrow, never widen, what the parent conferred ("effective role =
// min(parent role, child override)"). A nil resolver, or a parent that
// fails to resolve, is treated as granting nothing from that parent.
func (g *Group) EffectiveRole(principal string, cutoff covalue.OrderKey, resolver Resolver) Role {
	return g.effectiveRole(principal, cutoff, resolver, make(map[covalue.ID]bool))
}

func (g *Group) effectiveRole(principal string, cutoff covalue.OrderKey, resolver Resolver, visiting map[covalue.ID]bool) Role {
	override, hasOverride := g.roleAt(principal, cutoff)
	if !hasOverride {
		override, hasOverride = g.roleAt(everyonePrincipal, cutoff)
	}

	inherited := RoleRevoked
	if resolver != nil && !visiting[g.id] {
		visiting[g.id] = true
		for _, parentID := range g.ParentGroups() {
			parent, ok := resolver.ResolveGroup(parentID)
			if !ok {
				continue
			}
			if r := parent.effectiveRole(principal, cutoff, resolver, visiting); r.Rank() > inherited.Rank() {
				inherited = r
			}
		}
		delete(visiting, g.id)
	}

	switch {
	case hasOverride && inherited != RoleRevoked:
		return Min(override, inherited)
	case hasOverride:
		return override
	default:
		return inherited
	}
}

func (g *Group) roleAt(principal string, cutoff covalue.OrderKey) (Role, bool) {
	var best *roleGrant
	for i := range g.grants {
		gr := &g.grants[i]
		if gr.principal != principal {
			continue
		}
		if cutoff.Wins(gr.order) || gr.order == cutoff {
			if best == nil || gr.order.Wins(best.order) {
				best = gr
			}
		}
	}
	if best == nil {
		return "", false
	}
	return best.role, true
}

// ParentGroups returns the parent group IDs this group inherits roles from
// (§4.5 `parentGroup_<parentGroupID>` markers).
func (g *Group) ParentGroups() []covalue.ID {
	var out []covalue.ID
	for _, k := range g.state.Keys() {
		if !strings.HasPrefix(k, parentGroupPrefix) {
			continue
		}
		id, err := covalue.ParseID(strings.TrimPrefix(k, parentGroupPrefix))
		if err == nil {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ReadKey returns the currently active key epoch ID (§4.5 `readKey`).
func (g *Group) ReadKey() (covalue.KeyID, bool) {
	raw, ok := g.state.Get(readKeyKey)
	if !ok {
		return covalue.KeyID{}, false
	}
	var id covalue.KeyID
	if err := json.Unmarshal(raw, &id); err != nil {
		return covalue.KeyID{}, false
	}
	return id, true
}

// Epoch returns the sealed symmetric key blob for (account, epoch), i.e.
// the `<accountID>_<epochID>` entry (§4.5).
func (g *Group) Epoch(account covalue.AccountID, epoch covalue.KeyID) (SealedKey, bool) {
	raw, ok := g.state.Get(account.String() + "_" + epoch.String())
	if !ok {
		return nil, false
	}
	var sealed SealedKey
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, false
	}
	return sealed, true
}

// EpochSealer returns the account that sealed epoch's symmetric key, i.e.
// the `epochSealer_<epochID>` entry recorded alongside every
// `<accountID>_<epochID>` blob when the epoch was (re)sealed, so a reader
// knows whose SealingPublicKey to unseal against (§4.1 `unseal` needs the
// sealer's identity, not just its own private key).
func (g *Group) EpochSealer(epoch covalue.KeyID) (covalue.AccountID, bool) {
	raw, ok := g.state.Get(epochSealerPrefix + epoch.String())
	if !ok {
		return covalue.AccountID{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return covalue.AccountID{}, false
	}
	id, err := covalue.ParseID(s)
	if err != nil {
		return covalue.AccountID{}, false
	}
	return covalue.NewAccountID(id), true
}

// InviteRole looks up the role an invite secret grants, if any
// (§4.5 `inviteSecret_<secret>_<role>`, §4.5 "Invites").
func (g *Group) InviteRole(secret string) (Role, bool) {
	prefix := inviteSecretPrefix + secret + "_"
	for _, k := range g.state.Keys() {
		if strings.HasPrefix(k, prefix) {
			role := Role(strings.TrimPrefix(k, prefix))
			if role.Valid() {
				return role, true
			}
		}
	}
	return "", false
}

// IsInviteSwap reports whether changes represents a self-swap invite
// redemption (§4.5 closing paragraph): a transaction whose sole changes are
// clearing the invite principal and setting the redeemer's own role, issued
// from the redeemer's own session. Returns the invite secret and the role
// granted when true.
func IsInviteSwap(changes []json.RawMessage, redeemer covalue.AccountID) (secret string, role Role, ok bool) {
	if len(changes) != 2 {
		return "", "", false
	}
	var clearOp, setOp struct {
		Op    string          `json:"op"`
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(changes[0], &clearOp); err != nil {
		return "", "", false
	}
	if err := json.Unmarshal(changes[1], &setOp); err != nil {
		return "", "", false
	}
	if !strings.HasPrefix(clearOp.Key, inviteSecretPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(clearOp.Key, inviteSecretPrefix)
	i := strings.LastIndex(rest, "_")
	if i < 0 {
		return "", "", false
	}
	inviteSecret, inviteRole := rest[:i], Role(rest[i+1:])
	if !inviteRole.Valid() {
		return "", "", false
	}
	if setOp.Key != redeemer.String() {
		return "", "", false
	}
	var grantedRole Role
	if err := json.Unmarshal(setOp.Value, &grantedRole); err != nil || grantedRole != inviteRole {
		return "", "", false
	}
	return inviteSecret, inviteRole, true
}
