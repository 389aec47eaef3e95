// Package crypto is the narrow boundary between the CoJSON engine and key
// material (§4.1). The core never sees a private key except through the
// Provider interface; every operation here is deterministic given its
// inputs, so the engine can treat the provider as a pure dependency to
// substitute in tests.
package crypto

import "fmt"

// SigningPrivateKey / SigningPublicKey back an account's identity: every
// session's latest transaction must carry a verifying signature under the
// owning account's signing public key (§3 "Session log" invariant 2).
type SigningPrivateKey struct{ raw [32]byte }
type SigningPublicKey struct{ raw [33]byte } // compressed secp256k1 point

// SealingPrivateKey / SealingPublicKey wrap group symmetric keys for
// members (§3 "Group").
type SealingPrivateKey struct{ raw [32]byte }
type SealingPublicKey struct{ raw [32]byte }

// SymmetricKey is one group key epoch (§3 "Each epoch has a random
// symmetric key").
type SymmetricKey struct{ raw [32]byte }

// Signature is an opaque signing-provider output.
type Signature []byte

// Nonce is a 24-byte nonce for sealing/symmetric operations.
type Nonce [24]byte

func (k SigningPrivateKey) Bytes() [32]byte { return k.raw }
func (k SigningPublicKey) Bytes() [33]byte  { return k.raw }
func (k SealingPrivateKey) Bytes() [32]byte { return k.raw }
func (k SealingPublicKey) Bytes() [32]byte  { return k.raw }
func (k SymmetricKey) Bytes() [32]byte      { return k.raw }

// NewSymmetricKeyFromBytes wraps a 32-byte group epoch key, for
// reconstructing one recovered by unsealing (internal/node.SymmetricKey).
func NewSymmetricKeyFromBytes(raw [32]byte) SymmetricKey { return SymmetricKey{raw: raw} }

// NewSealingPublicKey wraps a 32-byte X25519 point as a SealingPublicKey,
// for reconstructing a key published in an account CoValue's content.
func NewSealingPublicKey(raw [32]byte) SealingPublicKey { return SealingPublicKey{raw: raw} }

// NewSigningPublicKey wraps a 33-byte compressed secp256k1 point as a
// SigningPublicKey, for reconstructing a key read back from storage.
func NewSigningPublicKey(raw [33]byte) SigningPublicKey { return SigningPublicKey{raw: raw} }

// NewSigningPrivateKey wraps a 32-byte scalar as a SigningPrivateKey, for
// reconstructing a node's identity from its persisted key file.
func NewSigningPrivateKey(raw [32]byte) SigningPrivateKey { return SigningPrivateKey{raw: raw} }

// NewSealingPrivateKey wraps a 32-byte X25519 scalar as a
// SealingPrivateKey, for reconstructing a node's identity from its
// persisted key file.
func NewSealingPrivateKey(raw [32]byte) SealingPrivateKey { return SealingPrivateKey{raw: raw} }

// ParseSigningPublicKey wraps a 33-byte slice as a SigningPublicKey,
// erroring if the slice is the wrong length.
func ParseSigningPublicKey(b []byte) (SigningPublicKey, error) {
	if len(b) != 33 {
		return SigningPublicKey{}, fmt.Errorf("crypto: signing public key must be 33 bytes, got %d", len(b))
	}
	var pk SigningPublicKey
	copy(pk.raw[:], b)
	return pk, nil
}

// Error is the sentinel error kind the engine must treat as "transaction
// invalid" whenever a signature fails to verify or a decryption fails
// (§4.1 closing paragraph, §7 CryptoError).
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Provider is the complete crypto surface of §4.1's table.
type Provider interface {
	// Hash returns a collision-resistant 32-byte digest, used both as the
	// content hash (CoValue ID) and the running session chain hash.
	Hash(data []byte) [32]byte
	// ShortHash returns a truncated digest for in-memory dedup keys.
	ShortHash(data []byte) [16]byte

	SigningKeypair() (SigningPrivateKey, SigningPublicKey, error)
	Sign(sk SigningPrivateKey, msg []byte) (Signature, error)
	Verify(pk SigningPublicKey, msg []byte, sig Signature) bool

	SealingKeypair() (SealingPrivateKey, SealingPublicKey, error)
	Seal(to SealingPublicKey, from SealingPrivateKey, nonce Nonce, plaintext []byte) ([]byte, error)
	Unseal(from SealingPublicKey, to SealingPrivateKey, nonce Nonce, ciphertext []byte) ([]byte, error)

	NewSymmetricKey() (SymmetricKey, error)
	Encrypt(k SymmetricKey, nonce Nonce, plaintext []byte) ([]byte, error)
	Decrypt(k SymmetricKey, nonce Nonce, ciphertext []byte) ([]byte, error)

	RandomBytes(n int) ([]byte, error)
}
