package keymanager

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reicalasso/sentinelfs-node/internal/cryptoutil"
)

const sessionInfoPrefix = "SentinelFS-Session-"

// RotationCallback is invoked when a session key crosses the rotation
// predicate during RecordUsage, so the orchestrator can re-handshake.
type RotationCallback func(peerID string)

// Manager is the key lifecycle manager of spec.md §4.2: one identity
// keypair per node, a bounded cache of peer public keys, and active
// session keys. All fields are guarded by mu; read-heavy callers may
// still contend since session lookups happen on every record.
type Manager struct {
	store Store

	mu         sync.RWMutex
	identity   *Identity
	peers      map[string]*PeerIdentity
	sessions   map[string]*SessionKey // keyed by peerID
	onRotation RotationCallback
}

func New(store Store) *Manager {
	return &Manager{
		store:    store,
		peers:    make(map[string]*PeerIdentity),
		sessions: make(map[string]*SessionKey),
	}
}

// GenerateIdentity creates a fresh Ed25519 identity keypair and persists
// it (public||private) as an encrypted blob in the key store.
func (m *Manager) GenerateIdentity(deviceName string) (*Identity, error) {
	pub, priv, err := cryptoutil.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	keyID := cryptoutil.KeyID(pub)
	id := &Identity{
		KeyID:      keyID,
		DeviceName: deviceName,
		Public:     pub,
		private:    priv,
		Created:    time.Now(),
	}

	blob := make([]byte, 0, len(pub)+len(priv))
	blob = append(blob, pub...)
	blob = append(blob, priv...)
	if err := m.store.StoreKey(keyID, blob, Info{
		KeyID:     keyID,
		Type:      KeyTypeIdentityPrivate,
		Created:   id.Created,
		Algorithm: "Ed25519",
	}); err != nil {
		return nil, fmt.Errorf("keymanager: persist identity: %w", err)
	}

	m.mu.Lock()
	m.identity = id
	m.mu.Unlock()
	return id, nil
}

// LoadIdentity loads the first IDENTITY_PRIVATE entry from the store.
func (m *Manager) LoadIdentity() (*Identity, error) {
	infos, err := m.store.ListKeys(KeyTypeIdentityPrivate)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, errors.New("keymanager: no identity key in store")
	}
	info := infos[0]
	blob, err := m.store.LoadKey(info.KeyID)
	if err != nil {
		return nil, err
	}
	if len(blob) != ed25519.PublicKeySize+ed25519.PrivateKeySize {
		return nil, errors.New("keymanager: malformed identity blob")
	}
	id := &Identity{
		KeyID:      info.KeyID,
		DeviceName: info.PeerID,
		Public:     append(ed25519.PublicKey(nil), blob[:ed25519.PublicKeySize]...),
		private:    append(ed25519.PrivateKey(nil), blob[ed25519.PublicKeySize:]...),
		Created:    info.Created,
	}
	m.mu.Lock()
	m.identity = id
	m.mu.Unlock()
	return id, nil
}

func (m *Manager) Identity() *Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity
}

// Sign signs data with the local identity key.
func (m *Manager) Sign(data []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return nil, errors.New("keymanager: identity not loaded")
	}
	return cryptoutil.Sign(m.identity.private, data), nil
}

// Verify checks a signature against a peer's Ed25519 public key.
func (m *Manager) Verify(data, sig, peerPub []byte) bool {
	return cryptoutil.Verify(peerPub, data, sig)
}

// AddPeerKey idempotently upserts a peer's identity public key.
// verified should only be set true after an out-of-band fingerprint
// check — callers that merely observed the key over the network must
// pass false, leaving the peer in TrustUnknown/TrustPairing.
func (m *Manager) AddPeerKey(peerID string, pubkey ed25519.PublicKey, verified bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trust := TrustUnknown
	if existing, ok := m.peers[peerID]; ok && existing.Trust == TrustRevoked {
		trust = TrustRevoked // revocation is sticky
	} else if verified {
		trust = TrustVerified
	} else if ok {
		trust = existing.Trust
	}

	m.peers[peerID] = &PeerIdentity{
		PeerID:      peerID,
		PublicKey:   pubkey,
		Fingerprint: formatFingerprint(pubkey),
		Verified:    verified || trust == TrustVerified,
		Trust:       trust,
		AddedAt:     time.Now(),
	}
}

// RevokePeerKey marks a peer permanently untrusted; spec.md §3's
// invariant that a revoked peer is never selected as authorized is
// enforced by callers consulting PeerTrust before fan-out.
func (m *Manager) RevokePeerKey(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[peerID]; ok {
		p.Trust = TrustRevoked
		p.Verified = false
	}
}

func (m *Manager) PeerTrust(peerID string) Trust {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[peerID]
	if !ok {
		return TrustUnknown
	}
	return p.Trust
}

func (m *Manager) PeerKey(peerID string) (*PeerIdentity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[peerID]
	return p, ok
}

// DeriveSessionKey generates a fresh local ephemeral X25519 keypair,
// performs ECDH against the peer's ephemeral public key, and derives a
// session key from the result. Use this for standalone session
// establishment outside a handshake exchange (e.g. tests); a real
// handshake must use DeriveSessionKeyFromECDH with the exact ephemeral
// private key that was sent in its Hello/HelloAck message, since both
// sides must agree on the same shared secret.
func (m *Manager) DeriveSessionKey(peerID string, peerEphemeralPub []byte, dir Direction, duration time.Duration) (*SessionKey, error) {
	_, localPriv, err := cryptoutil.GenerateX25519()
	if err != nil {
		return nil, err
	}
	return m.DeriveSessionKeyFromECDH(peerID, localPriv, peerEphemeralPub, dir, duration)
}

// DeriveSessionKeyFromECDH performs X25519 ECDH(localEphPriv,
// peerEphemeralPub) and derives a 32-byte session key via
// HKDF(ss, info="SentinelFS-Session-"||peerID||direction-suffix).
// localEphPriv and the shared secret are zeroized before this function
// returns.
func (m *Manager) DeriveSessionKeyFromECDH(peerID string, localEphPriv, peerEphemeralPub []byte, dir Direction, duration time.Duration) (*SessionKey, error) {
	localPriv := append([]byte(nil), localEphPriv...)
	localSecret := cryptoutil.NewSecret(localPriv)
	defer localSecret.Zero()

	shared, err := cryptoutil.ECDH(localPriv, peerEphemeralPub)
	if err != nil {
		return nil, err
	}
	sharedSecret := cryptoutil.NewSecret(shared)
	defer sharedSecret.Zero()

	info := sessionInfoPrefix + peerID + dir.infoSuffix()
	key, err := cryptoutil.HKDFExpand(shared, nil, info, cryptoutil.KeySize)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sk := &SessionKey{
		KeyID:     cryptoutil.ShortKeyID(key),
		PeerID:    peerID,
		key:       key,
		Created:   now,
		Expires:   now.Add(duration),
		LastUsed:  now,
		Direction: dir,
	}

	m.mu.Lock()
	m.sessions[sessionMapKey(peerID, dir)] = sk
	m.mu.Unlock()
	return sk, nil
}

func sessionMapKey(peerID string, dir Direction) string {
	if dir == DirectionInitiator {
		return peerID + "#tx"
	}
	return peerID + "#rx"
}

// GetSessionKey returns the session key for (peerID, dir), or nil if
// missing or past its rotation predicate — callers must treat a nil
// return as "re-handshake required", never fall back to a stale key.
func (m *Manager) GetSessionKey(peerID string, dir Direction) *SessionKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	sk, ok := m.sessions[sessionMapKey(peerID, dir)]
	if !ok {
		return nil
	}
	if sk.NeedsRotation(time.Now()) {
		return nil
	}
	sk.LastUsed = time.Now()
	return sk
}

// RecordUsage updates byte/message counters for a session key and
// fires the rotation callback the instant the predicate becomes true.
func (m *Manager) RecordUsage(peerID string, dir Direction, bytes uint64) {
	m.mu.Lock()
	sk, ok := m.sessions[sessionMapKey(peerID, dir)]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasDue := sk.NeedsRotation(time.Now())
	sk.BytesEncrypted += bytes
	sk.MessagesEncrypted++
	nowDue := sk.NeedsRotation(time.Now())
	cb := m.onRotation
	m.mu.Unlock()

	if !wasDue && nowDue && cb != nil {
		cb(peerID)
	}
}

// SetRotationCallback registers the callback invoked when a session
// key's rotation predicate newly becomes true.
func (m *Manager) SetRotationCallback(cb RotationCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRotation = cb
}

// CleanupExpired removes every session whose rotation predicate holds,
// returning the count removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, sk := range m.sessions {
		if sk.NeedsRotation(now) {
			delete(m.sessions, k)
			removed++
		}
	}
	return removed
}

// InvalidateSession forces re-negotiation by dropping both directions'
// session keys for a peer (e.g. after a detected security event).
func (m *Manager) InvalidateSession(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionMapKey(peerID, DirectionInitiator))
	delete(m.sessions, sessionMapKey(peerID, DirectionResponder))
}
