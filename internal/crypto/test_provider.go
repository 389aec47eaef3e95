package crypto

import (
	"fmt"
	"math/rand"
)

// MemoryProvider is a deterministic, software-only Provider for tests and
// local development. It is the crypto-package analogue of the teacher's
// hardware/software split in internal/cuda (cuda_matcher_nvidia.go backed
// by real hardware, cuda_matcher_cpu.go a safe fallback loaded when that
// hardware is unavailable): here, the unavailable "hardware" is a real KMS
// or HSM, and MemoryProvider is what gets wired in its place.
//
// It still performs real signing/sealing/AEAD math (so ingest/validation
// logic under test is exercised faithfully); only RandomBytes is seeded and
// reproducible. Keypair and symmetric-key generation delegate to
// BtcecProvider and draw from crypto/rand.
type MemoryProvider struct {
	inner *BtcecProvider
	rnd   *rand.Rand
}

// NewMemoryProvider builds a provider whose RandomBytes is seeded by seed.
// Two providers built from the same seed return the same RandomBytes
// sequence in the same call order; their keypairs and symmetric keys are
// not reproducible.
func NewMemoryProvider(seed int64) *MemoryProvider {
	return &MemoryProvider{inner: NewBtcecProvider(), rnd: rand.New(rand.NewSource(seed))}
}

func (p *MemoryProvider) Hash(data []byte) [32]byte      { return p.inner.Hash(data) }
func (p *MemoryProvider) ShortHash(data []byte) [16]byte { return p.inner.ShortHash(data) }

func (p *MemoryProvider) SigningKeypair() (SigningPrivateKey, SigningPublicKey, error) {
	return p.inner.SigningKeypair()
}

func (p *MemoryProvider) Sign(sk SigningPrivateKey, msg []byte) (Signature, error) {
	return p.inner.Sign(sk, msg)
}

func (p *MemoryProvider) Verify(pk SigningPublicKey, msg []byte, sig Signature) bool {
	return p.inner.Verify(pk, msg, sig)
}

func (p *MemoryProvider) SealingKeypair() (SealingPrivateKey, SealingPublicKey, error) {
	return p.inner.SealingKeypair()
}

func (p *MemoryProvider) Seal(to SealingPublicKey, from SealingPrivateKey, nonce Nonce, plaintext []byte) ([]byte, error) {
	return p.inner.Seal(to, from, nonce, plaintext)
}

func (p *MemoryProvider) Unseal(from SealingPublicKey, to SealingPrivateKey, nonce Nonce, ciphertext []byte) ([]byte, error) {
	return p.inner.Unseal(from, to, nonce, ciphertext)
}

func (p *MemoryProvider) NewSymmetricKey() (SymmetricKey, error) {
	return p.inner.NewSymmetricKey()
}

func (p *MemoryProvider) Encrypt(k SymmetricKey, nonce Nonce, plaintext []byte) ([]byte, error) {
	return p.inner.Encrypt(k, nonce, plaintext)
}

func (p *MemoryProvider) Decrypt(k SymmetricKey, nonce Nonce, ciphertext []byte) ([]byte, error) {
	return p.inner.Decrypt(k, nonce, ciphertext)
}

// RandomBytes is the one operation MemoryProvider overrides with a seeded
// source, so nonce/uniqueness generation is reproducible under test.
func (p *MemoryProvider) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := p.rnd.Read(buf)
	if err != nil {
		return nil, wrapErr("randomBytes", err)
	}
	if read != n {
		return nil, wrapErr("randomBytes", fmt.Errorf("short read: got %d want %d", read, n))
	}
	return buf, nil
}
