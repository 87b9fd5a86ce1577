// Package cryptoutil provides the AEAD ciphers, KDFs, and signature
// primitives SentinelFS builds its secure transport and key manager on.
package cryptoutil

// Secret wraps key material that must be wiped once it is no longer
// needed — ephemeral ECDH outputs, derived session keys, passphrases.
type Secret struct {
	b []byte
}

// NewSecret takes ownership of b; callers must not retain b after this call.
func NewSecret(b []byte) *Secret {
	return &Secret{b: b}
}

func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Zero overwrites the secret's backing array with zeroes. Safe to call
// more than once and on a nil Secret.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
}
