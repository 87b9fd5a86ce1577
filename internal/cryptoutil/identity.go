package cryptoutil

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// GenerateEd25519 creates a fresh Ed25519 identity keypair.
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

// Sign produces an Ed25519 signature over data.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify checks an Ed25519 signature.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// KeyID derives the hex-encoded, truncated SHA-256 peer/key identifier
// spec.md §3 defines: hex(SHA-256(pubkey)[0..16]).
func KeyID(pubkey []byte) string {
	sum := sha256.Sum256(pubkey)
	return hex.EncodeToString(sum[:16])
}

// ShortKeyID derives the 8-byte session key identifier spec.md §4.2 uses:
// hex(SHA-256(sessionKey)[0..8]).
func ShortKeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

// GenerateX25519 creates an ephemeral X25519 keypair for ECDH.
func GenerateX25519() (pub, priv []byte, err error) {
	priv, err = RandomBytes(32)
	if err != nil {
		return nil, nil, err
	}
	clampX25519(priv)
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func clampX25519(priv []byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// ECDH performs X25519(priv, peerPub), rejecting the all-zero output
// that indicates a low-order point (RFC 7748 §6.1).
func ECDH(priv, peerPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, err
	}
	zero := make([]byte, len(shared))
	if ConstantTimeEqual(shared, zero) {
		return nil, errors.New("cryptoutil: ecdh produced all-zero shared secret")
	}
	return shared, nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SHA256 returns the raw SHA-256 digest of b.
func SHA256(b []byte) [32]byte { return sha256.Sum256(b) }
