package transport

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/reicalasso/sentinelfs-node/internal/cryptoutil"
	"github.com/reicalasso/sentinelfs-node/internal/keymanager"
)

// ProtoVersion is the handshake protocol version this build speaks.
const ProtoVersion = 1

// Hello is the initiator's opening handshake message. SigI signs the
// transcript of every preceding field so a man-in-the-middle cannot
// substitute its own ephemeral key.
type Hello struct {
	ProtoVersion   uint8
	PeerID         string
	Ed25519Pub     ed25519.PublicKey
	EphemeralX25519Pub []byte
	Nonce          []byte
	Sig            []byte
}

// HelloAck is the responder's reply, signed the same way.
type HelloAck struct {
	PeerID             string
	Ed25519Pub         ed25519.PublicKey
	EphemeralX25519Pub []byte
	Nonce              []byte
	Sig                []byte
}

func transcript(parts ...[]byte) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		var lenBytes [4]byte
		binary.BigEndian.PutUint32(lenBytes[:], uint32(len(p)))
		buf.Write(lenBytes[:])
		buf.Write(p)
	}
	return buf.Bytes()
}

// BuildHello creates and signs a Hello from this node's identity.
func BuildHello(mgr *keymanager.Manager, peerID string) (*Hello, []byte, error) {
	ephPub, ephPriv, err := cryptoutil.GenerateX25519()
	if err != nil {
		return nil, nil, err
	}
	nonce, err := cryptoutil.RandomBytes(16)
	if err != nil {
		return nil, nil, err
	}
	id := mgr.Identity()
	if id == nil {
		return nil, nil, errors.New("transport: local identity not loaded")
	}

	tx := transcript([]byte{ProtoVersion}, []byte(peerID), id.Public, ephPub, nonce)
	sig, err := mgr.Sign(tx)
	if err != nil {
		return nil, nil, err
	}

	return &Hello{
		ProtoVersion:       ProtoVersion,
		PeerID:             peerID,
		Ed25519Pub:         id.Public,
		EphemeralX25519Pub: ephPub,
		Nonce:              nonce,
		Sig:                sig,
	}, ephPriv, nil
}

// VerifyHello checks the transcript signature against the embedded
// public key. Callers must separately consult the key manager's trust
// state for PeerID before treating the sender as authorized.
func VerifyHello(h *Hello) error {
	tx := transcript([]byte{h.ProtoVersion}, []byte(h.PeerID), h.Ed25519Pub, h.EphemeralX25519Pub, h.Nonce)
	if !cryptoutil.Verify(h.Ed25519Pub, tx, h.Sig) {
		return fmt.Errorf("transport: hello signature invalid for peer %s", h.PeerID)
	}
	return nil
}

// BuildHelloAck creates and signs the responder's reply to hello.
func BuildHelloAck(mgr *keymanager.Manager, localPeerID string, hello *Hello) (*HelloAck, []byte, error) {
	ephPub, ephPriv, err := cryptoutil.GenerateX25519()
	if err != nil {
		return nil, nil, err
	}
	nonce, err := cryptoutil.RandomBytes(16)
	if err != nil {
		return nil, nil, err
	}
	id := mgr.Identity()
	if id == nil {
		return nil, nil, errors.New("transport: local identity not loaded")
	}

	tx := transcript(hello.Sig, []byte(localPeerID), id.Public, ephPub, nonce)
	sig, err := mgr.Sign(tx)
	if err != nil {
		return nil, nil, err
	}

	return &HelloAck{
		PeerID:             localPeerID,
		Ed25519Pub:         id.Public,
		EphemeralX25519Pub: ephPub,
		Nonce:              nonce,
		Sig:                sig,
	}, ephPriv, nil
}

// VerifyHelloAck checks ack's transcript signature, binding it to the
// hello it answers.
func VerifyHelloAck(hello *Hello, ack *HelloAck) error {
	tx := transcript(hello.Sig, []byte(ack.PeerID), ack.Ed25519Pub, ack.EphemeralX25519Pub, ack.Nonce)
	if !cryptoutil.Verify(ack.Ed25519Pub, tx, ack.Sig) {
		return fmt.Errorf("transport: hello_ack signature invalid for peer %s", ack.PeerID)
	}
	return nil
}

// DeriveKeys completes the handshake: ECDH(localEphPriv, peerEphPub)
// then HKDF-splits into send/receive keys via the key manager's
// direction-separated info string. Both the send and receive key are
// derived from the same shared secret, differing only in which role's
// info string they use — each side derives its own send key (role =
// its own direction) and uses the peer's role as its receive key.
func DeriveKeys(mgr *keymanager.Manager, peerID string, localEphPriv, peerEphPub []byte, localIsInitiator bool, sessionDuration time.Duration) (send, recv *keymanager.SessionKey, err error) {
	localDir := keymanager.DirectionResponder
	peerDir := keymanager.DirectionInitiator
	if localIsInitiator {
		localDir = keymanager.DirectionInitiator
		peerDir = keymanager.DirectionResponder
	}

	send, err = mgr.DeriveSessionKeyFromECDH(peerID, localEphPriv, peerEphPub, localDir, sessionDuration)
	if err != nil {
		return nil, nil, err
	}
	recv, err = mgr.DeriveSessionKeyFromECDH(peerID, localEphPriv, peerEphPub, peerDir, sessionDuration)
	if err != nil {
		return nil, nil, err
	}
	return send, recv, nil
}
