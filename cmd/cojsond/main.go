// Command cojsond runs one CoJSON node: it owns a local account's key
// material, persists every CoValue it opens, and syncs with whatever
// peers it is told to dial or accepts over its admin/debug HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/rawblock/cojson/internal/api"
	"github.com/rawblock/cojson/internal/config"
	"github.com/rawblock/cojson/internal/crypto"
	"github.com/rawblock/cojson/internal/node"
	"github.com/rawblock/cojson/internal/storage"
	"github.com/rawblock/cojson/internal/telemetry"
	"github.com/rawblock/cojson/internal/transport"
	"github.com/rawblock/cojson/pkg/covalue"
)

func main() {
	logger := telemetry.NewLogger("cojsond")
	logger.Infof("starting CoJSON node")

	cfg := config.Load()
	provider := crypto.NewBtcecProvider()

	identity, err := loadOrCreateIdentity(provider, cfg.IdentityFile)
	if err != nil {
		log.Fatalf("FATAL: load identity: %v", err)
	}
	logger.Infof("node account %s", identity.Account.String())

	store, err := storage.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Warnf("connect to PostgreSQL, falling back to in-memory storage: %v", err)
	} else {
		defer store.Close()
		if err := store.InitSchema(context.Background()); err != nil {
			logger.Warnf("init schema: %v", err)
		}
	}

	var backing storage.Store
	if store != nil {
		backing = store
	} else {
		backing = storage.NewMemoryStore()
	}

	n, err := node.Open(identity.Account, identity.SigningSK, identity.SigningPK, identity.SealingSK, identity.SealingPK, provider, backing, cfg.SyncHWM, cfg.SyncFragmentSize, cfg.SyncAckTimeout, telemetry.NewLogger("node"))
	if err != nil {
		log.Fatalf("FATAL: open node: %v", err)
	}
	defer n.Close()

	hub := transport.NewHub()
	defer hub.Close()

	for _, url := range cfg.PeerURLs {
		peerID := url
		peer, err := hub.Connect(url, peerID)
		if err != nil {
			logger.Warnf("dial peer %s: %v", url, err)
			continue
		}
		n.AddPeer(peerID, peer)
		logger.Infof("connected to peer %s", url)
	}

	r := api.SetupRouter(n, hub, cfg.APIAuthToken)

	logger.Infof("listening on %s", cfg.ListenAddr)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("FATAL: server exited: %v", err)
	}
}

// identity is one node's complete key material plus the account ID it
// derives, persisted to disk so restarting the same node doesn't mint a
// fresh, unrelated account every time.
type identity struct {
	Account   covalue.AccountID
	SigningSK crypto.SigningPrivateKey
	SigningPK crypto.SigningPublicKey
	SealingSK crypto.SealingPrivateKey
	SealingPK crypto.SealingPublicKey
}

// identityFile is identity's on-disk encoding. Keys are stored raw
// rather than through covalue's canonical encoding since they never
// flow through a CoValue themselves here.
type identityFile struct {
	SigningSK [32]byte `json:"signingSK"`
	SigningPK [33]byte `json:"signingPK"`
	SealingSK [32]byte `json:"sealingSK"`
	SealingPK [32]byte `json:"sealingPK"`
}

// loadOrCreateIdentity reads a node's key material from path, generating
// and persisting a fresh keypair the first time a node runs at that
// path (§4.2: an account's keys, not its CoValue, are what a device
// must keep secret across restarts).
func loadOrCreateIdentity(provider crypto.Provider, path string) (identity, error) {
	if raw, err := os.ReadFile(path); err == nil {
		var f identityFile
		if err := json.Unmarshal(raw, &f); err != nil {
			return identity{}, err
		}
		signingSK := crypto.NewSigningPrivateKey(f.SigningSK)
		signingPK := crypto.NewSigningPublicKey(f.SigningPK)
		sealingSK := crypto.NewSealingPrivateKey(f.SealingSK)
		sealingPK := crypto.NewSealingPublicKey(f.SealingPK)
		return identity{
			Account:   deriveAccountID(provider, signingPK, sealingPK),
			SigningSK: signingSK,
			SigningPK: signingPK,
			SealingSK: sealingSK,
			SealingPK: sealingPK,
		}, nil
	} else if !os.IsNotExist(err) {
		return identity{}, err
	}

	signingSK, signingPK, err := provider.SigningKeypair()
	if err != nil {
		return identity{}, err
	}
	sealingSK, sealingPK, err := provider.SealingKeypair()
	if err != nil {
		return identity{}, err
	}

	f := identityFile{
		SigningSK: signingSK.Bytes(),
		SigningPK: signingPK.Bytes(),
		SealingSK: sealingSK.Bytes(),
		SealingPK: sealingPK.Bytes(),
	}
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return identity{}, err
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return identity{}, err
	}

	return identity{
		Account:   deriveAccountID(provider, signingPK, sealingPK),
		SigningSK: signingSK,
		SigningPK: signingPK,
		SealingSK: sealingSK,
		SealingPK: sealingPK,
	}, nil
}

// deriveAccountID derives a stable account ID from the node's public key
// material, so the same keys always resolve to the same CoValue ID.
func deriveAccountID(provider crypto.Provider, signingPK crypto.SigningPublicKey, sealingPK crypto.SealingPublicKey) covalue.AccountID {
	pk := signingPK.Bytes()
	sk := sealingPK.Bytes()
	combined := append(append([]byte{}, pk[:]...), sk[:]...)
	return covalue.NewAccountID(covalue.NewID(provider.Hash(combined)))
}
