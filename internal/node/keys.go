package node

import (
	"crypto/sha256"
	"encoding/json"
	"sync"

	"github.com/rawblock/cojson/internal/crdt"
	"github.com/rawblock/cojson/internal/crypto"
	"github.com/rawblock/cojson/internal/group"
	"github.com/rawblock/cojson/pkg/covalue"
)

// accountKeyCache implements corestate.AccountKeys: a signing-key lookup
// by account, populated both from accounts this node directly knows about
// (its own) and from every account CoValue's materialized content as it
// loads (an account stores its own signing public key under the
// "signingPublicKey" key, §3 "Account").
type accountKeyCache struct {
	mu         sync.RWMutex
	signing    map[string]crypto.SigningPublicKey
	sealingMu  sync.RWMutex
	sealing    map[string]crypto.SealingPublicKey
}

func newAccountKeyCache() *accountKeyCache {
	return &accountKeyCache{
		signing: make(map[string]crypto.SigningPublicKey),
		sealing: make(map[string]crypto.SealingPublicKey),
	}
}

func (c *accountKeyCache) set(account covalue.AccountID, pk crypto.SigningPublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signing[account.String()] = pk
}

// SigningPublicKey implements corestate.AccountKeys.
func (c *accountKeyCache) SigningPublicKey(account covalue.AccountID) (crypto.SigningPublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pk, ok := c.signing[account.String()]
	return pk, ok
}

func (c *accountKeyCache) setSealing(account covalue.AccountID, pk crypto.SealingPublicKey) {
	c.sealingMu.Lock()
	defer c.sealingMu.Unlock()
	c.sealing[account.String()] = pk
}

func (c *accountKeyCache) sealingPublicKey(account covalue.AccountID) (crypto.SealingPublicKey, bool) {
	c.sealingMu.RLock()
	defer c.sealingMu.RUnlock()
	pk, ok := c.sealing[account.String()]
	return pk, ok
}

// observeAccountView extracts and caches the signing and sealing keys
// published in an account CoValue's own content, called whenever that
// account's Core notifies a subscriber of a fresh materialization.
func (c *accountKeyCache) observeAccountView(account covalue.AccountID, view crdt.Kind) {
	m, ok := view.(*crdt.Map)
	if !ok {
		return
	}
	if raw, ok := m.Get("signingPublicKey"); ok {
		var arr [33]byte
		if json.Unmarshal(raw, &arr) == nil {
			c.set(account, crypto.NewSigningPublicKey(arr))
		}
	}
	if raw, ok := m.Get("sealingPublicKey"); ok {
		var arr [32]byte
		if json.Unmarshal(raw, &arr) == nil {
			c.setSealing(account, crypto.NewSealingPublicKey(arr))
		}
	}
}

// SymmetricKey implements corestate.KeyRing: it scans every group CoValue
// this node has open for an epoch entry sealed to the local account, and
// unseals it against the sealer's published sealing public key (§4.1
// "unseal" needs the sealer's identity, recorded per-epoch by
// group.Group.EpochSealer since NaCl box authentication is not anonymous).
func (n *Node) SymmetricKey(epoch covalue.KeyID) (crypto.SymmetricKey, bool) {
	n.mu.Lock()
	entries := make([]*registryEntry, 0, len(n.registry))
	for _, e := range n.registry {
		entries = append(entries, e)
	}
	n.mu.Unlock()

	for _, e := range entries {
		if e.core.Header().Type != covalue.KindGroup {
			continue
		}
		g, ok := e.core.ResolveGroup(e.core.ID())
		if !ok {
			continue
		}
		if key, ok := n.unsealEpoch(g, epoch); ok {
			return key, true
		}
	}
	return crypto.SymmetricKey{}, false
}

func (n *Node) unsealEpoch(g *group.Group, epoch covalue.KeyID) (crypto.SymmetricKey, bool) {
	sealed, ok := g.Epoch(n.Account, epoch)
	if !ok {
		return crypto.SymmetricKey{}, false
	}
	sealer, ok := g.EpochSealer(epoch)
	if !ok {
		return crypto.SymmetricKey{}, false
	}
	sealerPK, ok := n.keys.sealingPublicKey(sealer)
	if !ok {
		return crypto.SymmetricKey{}, false
	}
	nonce := deriveEpochNonce(g.ID(), epoch, n.Account)
	plain, err := n.provider.Unseal(sealerPK, n.sealingSK, nonce, sealed)
	if err != nil || len(plain) != 32 {
		return crypto.SymmetricKey{}, false
	}
	var raw [32]byte
	copy(raw[:], plain)
	return crypto.NewSymmetricKeyFromBytes(raw), true
}

func deriveEpochNonce(groupID covalue.ID, epoch covalue.KeyID, account covalue.AccountID) crypto.Nonce {
	digest := sha256.Sum256([]byte(groupID.String() + "#" + epoch.String() + "#" + account.String()))
	var nonce crypto.Nonce
	copy(nonce[:], digest[:24])
	return nonce
}
