package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"
)

const (
	KeySize    = 32 // AES-256 / session keys
	GCMIVSize  = 12
	GCMTagSize = 16
	CBCIVSize  = 16
	HMACSize   = 32
)

var (
	ErrAuthFailed = errors.New("cryptoutil: authentication failed")
	ErrBadKeySize = errors.New("cryptoutil: key must be 32 bytes")
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GCMNonce returns a 12-byte AES-GCM nonce.
func GCMNonce() ([]byte, error) { return RandomBytes(GCMIVSize) }

// EncryptGCM seals plaintext under key with the given 12-byte nonce and
// AAD, returning ciphertext||tag. The caller must guarantee the nonce
// is unique for (key, message) — SentinelFS's record protocol mixes a
// monotonic sequence number into every nonce to satisfy this.
func EncryptGCM(plaintext, key, nonce, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("cryptoutil: bad nonce size")
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// DecryptGCM opens a ciphertext||tag blob produced by EncryptGCM. Any
// tampering with ciphertext, nonce, or aad yields ErrAuthFailed.
func DecryptGCM(ciphertext, key, nonce, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptCBCHMAC implements AES-256-CBC with PKCS7 padding followed by
// HMAC-SHA256 over authenticatedPrefix||iv||ciphertext (Encrypt-then-MAC).
// authenticatedPrefix lets callers bind version/sequence bytes into the
// tag the way the record protocol's legacy (0x02) wire format requires.
func EncryptCBCHMAC(plaintext, encKey, macKey, iv, authenticatedPrefix []byte) (ciphertext, tag []byte, err error) {
	if len(encKey) != KeySize || len(macKey) != KeySize {
		return nil, nil, ErrBadKeySize
	}
	if len(iv) != CBCIVSize {
		return nil, nil, errors.New("cryptoutil: bad iv size")
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(authenticatedPrefix)
	mac.Write(iv)
	mac.Write(ct)
	return ct, mac.Sum(nil), nil
}

// DecryptCBCHMAC verifies the HMAC in constant time before decrypting.
func DecryptCBCHMAC(ciphertext, tag, encKey, macKey, iv, authenticatedPrefix []byte) ([]byte, error) {
	if len(encKey) != KeySize || len(macKey) != KeySize {
		return nil, ErrBadKeySize
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(authenticatedPrefix)
	mac.Write(iv)
	mac.Write(ciphertext)
	want := mac.Sum(nil)
	if subtle.ConstantTimeCompare(want, tag) != 1 {
		return nil, ErrAuthFailed
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%aes.BlockSize != 0 || len(ciphertext) == 0 {
		return nil, errors.New("cryptoutil: ciphertext not block aligned")
	}
	pt := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ciphertext)
	return pkcs7Unpad(pt)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("cryptoutil: empty padded data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.New("cryptoutil: bad padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("cryptoutil: bad padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// ConstantTimeEqual reports whether a and b are equal without leaking
// timing information about the position of the first mismatch.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
