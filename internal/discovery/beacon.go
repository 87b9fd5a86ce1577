package discovery

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// beaconMagic prefixes every encrypted beacon packet, letting a
// listener cheaply reject packets from a different protocol version
// before attempting decryption.
var beaconMagic = []byte("SFSB1")

// encryptBeacon wraps plaintext (spec.md's ASCII DISCOVERY|... line)
// in an XChaCha20-Poly1305 envelope under the shared group key, so a
// passive LAN observer never sees the session code or node id in the
// clear. Grounded on the teacher's encryptBeaconWithKey.
func encryptBeacon(plaintext []byte, groupKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(groupKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(beaconMagic)+len(nonce)+len(ct))
	out = append(out, beaconMagic...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// decryptBeacon reverses encryptBeacon, returning the plaintext
// DISCOVERY line.
func decryptBeacon(pkt []byte, groupKey []byte) ([]byte, error) {
	if len(pkt) <= len(beaconMagic)+chacha20poly1305.NonceSizeX {
		return nil, errors.New("discovery: beacon packet too short")
	}
	if string(pkt[:len(beaconMagic)]) != string(beaconMagic) {
		return nil, errors.New("discovery: bad beacon magic")
	}
	aead, err := chacha20poly1305.NewX(groupKey)
	if err != nil {
		return nil, err
	}
	nonce := pkt[len(beaconMagic) : len(beaconMagic)+chacha20poly1305.NonceSizeX]
	ct := pkt[len(beaconMagic)+chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: beacon auth failed: %w", err)
	}
	return plain, nil
}
