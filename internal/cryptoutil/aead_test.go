package cryptoutil

import "testing"

func TestGCMRoundTrip(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	nonce, _ := GCMNonce()
	aad := []byte("version=3,seq=1")
	pt := []byte("hello sentinelfs")

	ct, err := EncryptGCM(pt, key, nonce, aad)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := DecryptGCM(ct, key, nonce, aad)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(pt) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, pt)
	}
}

func TestGCMTamperDetected(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	nonce, _ := GCMNonce()
	ct, _ := EncryptGCM([]byte("payload"), key, nonce, nil)

	for i := range ct {
		tampered := append([]byte(nil), ct...)
		tampered[i] ^= 0xFF
		if _, err := DecryptGCM(tampered, key, nonce, nil); err != ErrAuthFailed {
			t.Fatalf("byte %d: expected ErrAuthFailed, got %v", i, err)
		}
	}
}

func TestCBCHMACRoundTrip(t *testing.T) {
	dk := DeriveKeyPairPBKDF2("ABC123", []byte("salt-salt-salt-!"), PBKDF2MinIterations)
	iv, _ := RandomBytes(CBCIVSize)
	prefix := []byte{0x02}

	ct, tag, err := EncryptCBCHMAC([]byte("text to protect"), dk.EncKey, dk.MACKey, iv, prefix)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := DecryptCBCHMAC(ct, tag, dk.EncKey, dk.MACKey, iv, prefix)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(pt) != "text to protect" {
		t.Fatalf("got %q", pt)
	}

	tag[0] ^= 0xFF
	if _, err := DecryptCBCHMAC(ct, tag, dk.EncKey, dk.MACKey, iv, prefix); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed on tampered tag, got %v", err)
	}
}

func TestDeriveKeyPairIsDeterministic(t *testing.T) {
	salt, _ := RandomBytes(16)
	a := DeriveKeyPairPBKDF2("CODE42", salt, PBKDF2MinIterations)
	b := DeriveKeyPairPBKDF2("CODE42", salt, PBKDF2MinIterations)
	if string(a.EncKey) != string(b.EncKey) || string(a.MACKey) != string(b.MACKey) {
		t.Fatal("expected identical derivation for identical inputs")
	}
}

func TestECDHAgreement(t *testing.T) {
	aPub, aPriv, err := GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	bPub, bPriv, err := GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	ss1, err := ECDH(aPriv, bPub)
	if err != nil {
		t.Fatal(err)
	}
	ss2, err := ECDH(bPriv, aPub)
	if err != nil {
		t.Fatal(err)
	}
	if string(ss1) != string(ss2) {
		t.Fatal("ECDH shared secrets diverged")
	}
}

func TestSecretZero(t *testing.T) {
	s := NewSecret([]byte{1, 2, 3, 4})
	s.Zero()
	for _, b := range s.Bytes() {
		if b != 0 {
			t.Fatal("secret not zeroed")
		}
	}
}
