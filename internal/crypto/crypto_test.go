package crypto

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	p := NewMemoryProvider(1)
	sk, pk, err := p.SigningKeypair()
	if err != nil {
		t.Fatalf("SigningKeypair returned error: %v", err)
	}

	msg := []byte("hello session chain")
	sig, err := p.Sign(sk, msg)
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}

	if !p.Verify(pk, msg, sig) {
		t.Errorf("Verify failed for a freshly produced signature")
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	p := NewMemoryProvider(2)
	sk, pk, err := p.SigningKeypair()
	if err != nil {
		t.Fatalf("SigningKeypair returned error: %v", err)
	}

	sig, err := p.Sign(sk, []byte("original"))
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}

	if p.Verify(pk, []byte("tampered"), sig) {
		t.Errorf("expected Verify to reject a signature over a different message")
	}
}

func TestSealUnsealRoundTrip(t *testing.T) {
	p := NewMemoryProvider(3)
	aPriv, aPub, err := p.SealingKeypair()
	if err != nil {
		t.Fatalf("SealingKeypair returned error: %v", err)
	}
	bPriv, bPub, err := p.SealingKeypair()
	if err != nil {
		t.Fatalf("SealingKeypair returned error: %v", err)
	}

	var nonce Nonce
	copy(nonce[:], []byte("deterministic-test-nonce"))

	plaintext := []byte("group symmetric key epoch 1")
	ciphertext, err := p.Seal(bPub, aPriv, nonce, plaintext)
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}

	opened, err := p.Unseal(aPub, bPriv, nonce, ciphertext)
	if err != nil {
		t.Fatalf("Unseal returned error: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Errorf("Unseal = %q, want %q", opened, plaintext)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p := NewMemoryProvider(4)
	key, err := p.NewSymmetricKey()
	if err != nil {
		t.Fatalf("NewSymmetricKey returned error: %v", err)
	}

	var nonce Nonce
	copy(nonce[:], []byte("another-test-nonce-value"))

	plaintext := []byte(`{"op":"set","key":"a","value":"x"}`)
	ciphertext, err := p.Encrypt(key, nonce, plaintext)
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}

	decrypted, err := p.Decrypt(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt returned error: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Errorf("Decrypt = %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	p := NewMemoryProvider(5)
	key, _ := p.NewSymmetricKey()
	other, _ := p.NewSymmetricKey()

	var nonce Nonce
	copy(nonce[:], []byte("yet-another-test-nonce-"))

	ciphertext, err := p.Encrypt(key, nonce, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}

	if _, err := p.Decrypt(other, nonce, ciphertext); err == nil {
		t.Errorf("expected Decrypt to fail under the wrong key")
	}
}
