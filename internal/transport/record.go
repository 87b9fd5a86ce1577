// Package transport implements SentinelFS's framed, authenticated
// record protocol running over libp2p streams: a versioned wire
// format, a signed X25519 handshake, per-session replay protection,
// and a peer-keyed connection pool.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/reicalasso/sentinelfs-node/internal/cryptoutil"
)

// Version tags which cipher suite protects a record.
type Version byte

const (
	VersionCBCHMAC Version = 0x02 // legacy
	VersionGCM     Version = 0x03 // current
)

var (
	ErrReplay      = errors.New("transport: sequence replay detected")
	ErrAuthFailed  = errors.New("transport: record authentication failed")
	ErrShortRecord = errors.New("transport: record truncated")
)

// Record is one decoded wire message.
type Record struct {
	Version  Version
	Sequence uint64
	Nonce    []byte
	Payload  []byte // ciphertext (+ GCM tag, if Version == VersionGCM)
	HMAC     []byte // CBC only
}

// EncodeGCM seals plaintext under key with AAD = version‖sequence‖nonce
// and returns the wire bytes: version(1)‖sequence(8)‖nonce(12)‖ciphertext+tag.
func EncodeGCM(sequence uint64, key, plaintext []byte) ([]byte, error) {
	nonce, err := cryptoutil.GCMNonce()
	if err != nil {
		return nil, err
	}
	header := recordHeader(VersionGCM, sequence, nonce)
	ct, err := cryptoutil.EncryptGCM(plaintext, key, nonce, header)
	if err != nil {
		return nil, err
	}
	return append(header, ct...), nil
}

// EncodeCBCHMAC produces the legacy wire format:
// version(1)‖sequence(8)‖iv(16)‖ciphertext‖hmac(32).
func EncodeCBCHMAC(sequence uint64, encKey, macKey, plaintext []byte) ([]byte, error) {
	iv, err := cryptoutil.RandomBytes(cryptoutil.CBCIVSize)
	if err != nil {
		return nil, err
	}
	prefix := recordHeader(VersionCBCHMAC, sequence, nil)
	ct, tag, err := cryptoutil.EncryptCBCHMAC(plaintext, encKey, macKey, iv, prefix)
	if err != nil {
		return nil, err
	}
	out := append(append([]byte{}, prefix...), iv...)
	out = append(out, ct...)
	out = append(out, tag...)
	return out, nil
}

func recordHeader(v Version, sequence uint64, nonce []byte) []byte {
	h := make([]byte, 0, 1+8+len(nonce))
	h = append(h, byte(v))
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, sequence)
	h = append(h, seqBytes...)
	h = append(h, nonce...)
	return h
}

// Parse splits raw wire bytes into their fields without decrypting.
func Parse(raw []byte) (*Record, error) {
	if len(raw) < 1+8 {
		return nil, ErrShortRecord
	}
	v := Version(raw[0])
	seq := binary.BigEndian.Uint64(raw[1:9])
	rest := raw[9:]

	switch v {
	case VersionGCM:
		if len(rest) < cryptoutil.GCMIVSize+cryptoutil.GCMTagSize {
			return nil, ErrShortRecord
		}
		nonce := rest[:cryptoutil.GCMIVSize]
		payload := rest[cryptoutil.GCMIVSize:]
		return &Record{Version: v, Sequence: seq, Nonce: nonce, Payload: payload}, nil
	case VersionCBCHMAC:
		if len(rest) < cryptoutil.CBCIVSize+cryptoutil.HMACSize {
			return nil, ErrShortRecord
		}
		iv := rest[:cryptoutil.CBCIVSize]
		ct := rest[cryptoutil.CBCIVSize : len(rest)-cryptoutil.HMACSize]
		tag := rest[len(rest)-cryptoutil.HMACSize:]
		return &Record{Version: v, Sequence: seq, Nonce: iv, Payload: ct, HMAC: tag}, nil
	default:
		return nil, fmt.Errorf("transport: unknown record version 0x%02x", byte(v))
	}
}

// Open decrypts a parsed Record under the given keys, verifying its
// AAD/HMAC binding. encKey is used for both suites; macKey is ignored
// for GCM.
func Open(r *Record, encKey, macKey []byte) ([]byte, error) {
	switch r.Version {
	case VersionGCM:
		aad := recordHeader(VersionGCM, r.Sequence, r.Nonce)
		pt, err := cryptoutil.DecryptGCM(r.Payload, encKey, r.Nonce, aad)
		if err != nil {
			return nil, ErrAuthFailed
		}
		return pt, nil
	case VersionCBCHMAC:
		prefix := recordHeader(VersionCBCHMAC, r.Sequence, nil)
		pt, err := cryptoutil.DecryptCBCHMAC(r.Payload, r.HMAC, encKey, macKey, r.Nonce, prefix)
		if err != nil {
			return nil, ErrAuthFailed
		}
		return pt, nil
	default:
		return nil, fmt.Errorf("transport: unknown record version 0x%02x", byte(r.Version))
	}
}

// ReplayGuard tracks the last accepted sequence number per (session,
// direction) and rejects non-monotonic records.
type ReplayGuard struct {
	lastSeen uint64
	seen     bool
}

// Check verifies sequence > last_seen, updating last_seen on success.
// A gap (sequence not immediately following last_seen) is still
// accepted as monotonic — only non-increasing sequences are replay.
func (g *ReplayGuard) Check(sequence uint64) error {
	if g.seen && sequence <= g.lastSeen {
		return ErrReplay
	}
	g.lastSeen = sequence
	g.seen = true
	return nil
}
