package keymanager

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/reicalasso/sentinelfs-node/internal/cryptoutil"
)

// envelopeVersion is the only version ExportIdentity ever writes.
// ImportIdentity rejects anything else rather than guess at an older
// layout.
const envelopeVersion = 0x01

const envelopePBKDF2Iterations = 200_000

// ExportIdentity wraps the local identity keypair in a password-based
// envelope suitable for moving between devices:
//
//	salt(16) || iv(16) || AES-256-CBC+HMAC(
//	    version(1) || name_len(2,BE) || name || pubkey(32) || privkey(64)
//	)
//
// The encryption key and MAC key are both derived from password via
// PBKDF2-SHA256 with envelopePBKDF2Iterations rounds.
func (m *Manager) ExportIdentity(password []byte) ([]byte, error) {
	m.mu.RLock()
	id := m.identity
	m.mu.RUnlock()
	if id == nil {
		return nil, errors.New("keymanager: identity not loaded")
	}

	nameBytes := []byte(id.DeviceName)
	if len(nameBytes) > 0xFFFF {
		return nil, errors.New("keymanager: device name too long")
	}

	payload := make([]byte, 0, 1+2+len(nameBytes)+ed25519.PublicKeySize+ed25519.PrivateKeySize)
	payload = append(payload, envelopeVersion)
	nameLen := make([]byte, 2)
	binary.BigEndian.PutUint16(nameLen, uint16(len(nameBytes)))
	payload = append(payload, nameLen...)
	payload = append(payload, nameBytes...)
	payload = append(payload, id.Public...)
	payload = append(payload, id.private...)

	salt, err := cryptoutil.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	iv, err := cryptoutil.RandomBytes(cryptoutil.CBCIVSize)
	if err != nil {
		return nil, err
	}
	derived := cryptoutil.DeriveKeyPairPBKDF2(string(password), salt, envelopePBKDF2Iterations)

	ct, tag, err := cryptoutil.EncryptCBCHMAC(payload, derived.EncKey, derived.MACKey, iv, nil)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(salt)+len(iv)+len(ct)+len(tag))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, tag...)
	return out, nil
}

// ImportIdentity reverses ExportIdentity, verifying the HMAC tag before
// touching any key material and rejecting any envelope version other
// than 0x01.
func ImportIdentity(blob, password []byte) (*Identity, error) {
	minLen := 16 + cryptoutil.CBCIVSize + cryptoutil.HMACSize
	if len(blob) < minLen {
		return nil, errors.New("keymanager: envelope too short")
	}
	salt := blob[:16]
	iv := blob[16 : 16+cryptoutil.CBCIVSize]
	tag := blob[len(blob)-cryptoutil.HMACSize:]
	ct := blob[16+cryptoutil.CBCIVSize : len(blob)-cryptoutil.HMACSize]

	derived := cryptoutil.DeriveKeyPairPBKDF2(string(password), salt, envelopePBKDF2Iterations)
	payload, err := cryptoutil.DecryptCBCHMAC(ct, tag, derived.EncKey, derived.MACKey, iv, nil)
	if err != nil {
		return nil, fmt.Errorf("keymanager: import identity: %w", err)
	}

	if len(payload) < 1+2 {
		return nil, errors.New("keymanager: malformed envelope payload")
	}
	if payload[0] != envelopeVersion {
		return nil, fmt.Errorf("keymanager: unsupported envelope version %d", payload[0])
	}
	nameLen := int(binary.BigEndian.Uint16(payload[1:3]))
	offset := 3
	if len(payload) < offset+nameLen+ed25519.PublicKeySize+ed25519.PrivateKeySize {
		return nil, errors.New("keymanager: truncated envelope payload")
	}
	name := string(payload[offset : offset+nameLen])
	offset += nameLen
	pub := append(ed25519.PublicKey(nil), payload[offset:offset+ed25519.PublicKeySize]...)
	offset += ed25519.PublicKeySize
	priv := append(ed25519.PrivateKey(nil), payload[offset:offset+ed25519.PrivateKeySize]...)

	return &Identity{
		KeyID:      cryptoutil.KeyID(pub),
		DeviceName: name,
		Public:     pub,
		private:    priv,
	}, nil
}

// AdoptIdentity installs an externally constructed identity (e.g. the
// result of ImportIdentity) as this manager's active identity and
// persists it to the key store.
func (m *Manager) AdoptIdentity(id *Identity) error {
	blob := make([]byte, 0, len(id.Public)+len(id.private))
	blob = append(blob, id.Public...)
	blob = append(blob, id.private...)
	if err := m.store.StoreKey(id.KeyID, blob, Info{
		KeyID:     id.KeyID,
		Type:      KeyTypeIdentityPrivate,
		Algorithm: "Ed25519",
	}); err != nil {
		return fmt.Errorf("keymanager: persist imported identity: %w", err)
	}
	m.mu.Lock()
	m.identity = id
	m.mu.Unlock()
	return nil
}
