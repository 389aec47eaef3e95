package crypto

import (
	cryptorand "crypto/rand"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// BtcecProvider is the production Provider. Signing is grounded on the
// secp256k1 ECDSA keypairs and double-SHA256 hashing the teacher's
// Bitcoin-RPC client already depends on (btcec, chainhash); sealing and
// symmetric encryption reuse the same golang.org/x/crypto transitive
// dependency the teacher already pulls in under btcsuite, promoted here to
// a direct import for NaCl box/secretbox.
type BtcecProvider struct{}

// NewBtcecProvider constructs the production crypto provider.
func NewBtcecProvider() *BtcecProvider { return &BtcecProvider{} }

func (p *BtcecProvider) Hash(data []byte) [32]byte {
	return chainhash.HashH(data)
}

func (p *BtcecProvider) ShortHash(data []byte) [16]byte {
	full := chainhash.HashH(data)
	var short [16]byte
	copy(short[:], full[:16])
	return short
}

func (p *BtcecProvider) SigningKeypair() (SigningPrivateKey, SigningPublicKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return SigningPrivateKey{}, SigningPublicKey{}, wrapErr("signingKeypair", err)
	}
	var sk SigningPrivateKey
	copy(sk.raw[:], priv.Serialize())
	var pk SigningPublicKey
	copy(pk.raw[:], priv.PubKey().SerializeCompressed())
	return sk, pk, nil
}

func (p *BtcecProvider) Sign(sk SigningPrivateKey, msg []byte) (Signature, error) {
	priv, _ := btcec.PrivKeyFromBytes(sk.raw[:])
	digest := chainhash.HashB(msg)
	sig := ecdsa.Sign(priv, digest)
	return Signature(sig.Serialize()), nil
}

func (p *BtcecProvider) Verify(pk SigningPublicKey, msg []byte, sig Signature) bool {
	pub, err := btcec.ParsePubKey(pk.raw[:])
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := chainhash.HashB(msg)
	return parsed.Verify(digest, pub)
}

func (p *BtcecProvider) SealingKeypair() (SealingPrivateKey, SealingPublicKey, error) {
	pub, priv, err := box.GenerateKey(cryptorand.Reader)
	if err != nil {
		return SealingPrivateKey{}, SealingPublicKey{}, wrapErr("sealingKeypair", err)
	}
	return SealingPrivateKey{raw: *priv}, SealingPublicKey{raw: *pub}, nil
}

func (p *BtcecProvider) Seal(to SealingPublicKey, from SealingPrivateKey, nonce Nonce, plaintext []byte) ([]byte, error) {
	n := [24]byte(nonce)
	toArr := to.raw
	fromArr := from.raw
	out := box.Seal(nil, plaintext, &n, &toArr, &fromArr)
	return out, nil
}

func (p *BtcecProvider) Unseal(from SealingPublicKey, to SealingPrivateKey, nonce Nonce, ciphertext []byte) ([]byte, error) {
	n := [24]byte(nonce)
	fromArr := from.raw
	toArr := to.raw
	out, ok := box.Open(nil, ciphertext, &n, &fromArr, &toArr)
	if !ok {
		return nil, wrapErr("unseal", fmt.Errorf("authentication failed"))
	}
	return out, nil
}

func (p *BtcecProvider) NewSymmetricKey() (SymmetricKey, error) {
	raw, err := p.RandomBytes(32)
	if err != nil {
		return SymmetricKey{}, err
	}
	var k SymmetricKey
	copy(k.raw[:], raw)
	return k, nil
}

func (p *BtcecProvider) Encrypt(k SymmetricKey, nonce Nonce, plaintext []byte) ([]byte, error) {
	n := [24]byte(nonce)
	key := k.raw
	return secretbox.Seal(nil, plaintext, &n, &key), nil
}

func (p *BtcecProvider) Decrypt(k SymmetricKey, nonce Nonce, ciphertext []byte) ([]byte, error) {
	n := [24]byte(nonce)
	key := k.raw
	out, ok := secretbox.Open(nil, ciphertext, &n, &key)
	if !ok {
		return nil, wrapErr("decrypt", fmt.Errorf("authentication failed"))
	}
	return out, nil
}

func (p *BtcecProvider) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := cryptorand.Read(buf); err != nil {
		return nil, wrapErr("randomBytes", err)
	}
	return buf, nil
}
