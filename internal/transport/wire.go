package transport

import "encoding/json"

// Handshake messages are JSON-encoded, matching the teacher's
// json.NewEncoder/Decoder convention for chat and manifest frames.

type helloWire struct {
	ProtoVersion       uint8  `json:"proto_version"`
	PeerID             string `json:"peer_id"`
	Ed25519Pub         []byte `json:"ed25519_pub"`
	EphemeralX25519Pub []byte `json:"ephemeral_x25519_pub"`
	Nonce              []byte `json:"nonce"`
	Sig                []byte `json:"sig"`
}

type helloAckWire struct {
	PeerID             string `json:"peer_id"`
	Ed25519Pub         []byte `json:"ed25519_pub"`
	EphemeralX25519Pub []byte `json:"ephemeral_x25519_pub"`
	Nonce              []byte `json:"nonce"`
	Sig                []byte `json:"sig"`
}

func encodeHello(h *Hello) []byte {
	b, _ := json.Marshal(helloWire{
		ProtoVersion:       h.ProtoVersion,
		PeerID:             h.PeerID,
		Ed25519Pub:         h.Ed25519Pub,
		EphemeralX25519Pub: h.EphemeralX25519Pub,
		Nonce:              h.Nonce,
		Sig:                h.Sig,
	})
	return b
}

func decodeHello(b []byte) (*Hello, error) {
	var w helloWire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	return &Hello{
		ProtoVersion:       w.ProtoVersion,
		PeerID:             w.PeerID,
		Ed25519Pub:         w.Ed25519Pub,
		EphemeralX25519Pub: w.EphemeralX25519Pub,
		Nonce:              w.Nonce,
		Sig:                w.Sig,
	}, nil
}

func encodeHelloAck(a *HelloAck) []byte {
	b, _ := json.Marshal(helloAckWire{
		PeerID:             a.PeerID,
		Ed25519Pub:         a.Ed25519Pub,
		EphemeralX25519Pub: a.EphemeralX25519Pub,
		Nonce:              a.Nonce,
		Sig:                a.Sig,
	})
	return b
}

func decodeHelloAck(b []byte) (*HelloAck, error) {
	var w helloAckWire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	return &HelloAck{
		PeerID:             w.PeerID,
		Ed25519Pub:         w.Ed25519Pub,
		EphemeralX25519Pub: w.EphemeralX25519Pub,
		Nonce:              w.Nonce,
		Sig:                w.Sig,
	}, nil
}
