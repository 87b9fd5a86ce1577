package cryptoutil

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2MinIterations is the floor spec.md §4.1 requires.
	PBKDF2MinIterations = 100_000

	// Argon2id parameters, OWASP-recommended and matching the original
	// source's Crypto.h ARGON2_TIME_COST / ARGON2_MEMORY_COST / ARGON2_PARALLELISM.
	Argon2Time    = 3
	Argon2MemKiB  = 64 * 1024
	Argon2Threads = 4
)

// HKDFExpand derives n bytes from ikm using HMAC-SHA256-based HKDF with
// the given salt and domain-separation info string.
func HKDFExpand(ikm, salt []byte, info string, n int) ([]byte, error) {
	h := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DerivedKeys is the (encKey, macKey) pair produced by key-separated KDFs.
type DerivedKeys struct {
	EncKey []byte
	MACKey []byte
}

// DeriveKeyPairPBKDF2 derives 64 bytes of PBKDF2-SHA256 output from
// sessionCode and splits it into an encryption key (bytes 0..32) and a
// MAC key (bytes 32..64), per spec.md §4.1.
func DeriveKeyPairPBKDF2(sessionCode string, salt []byte, iterations int) DerivedKeys {
	if iterations < PBKDF2MinIterations {
		iterations = PBKDF2MinIterations
	}
	raw := pbkdf2.Key([]byte(sessionCode), salt, iterations, 64, sha256.New)
	return DerivedKeys{EncKey: raw[:32], MACKey: raw[32:64]}
}

// DeriveKeyPairArgon2 is the memory-hard alternative to
// DeriveKeyPairPBKDF2, recommended for new deployments.
func DeriveKeyPairArgon2(sessionCode string, salt []byte) DerivedKeys {
	raw := argon2.IDKey([]byte(sessionCode), salt, Argon2Time, Argon2MemKiB, Argon2Threads, 64)
	return DerivedKeys{EncKey: raw[:32], MACKey: raw[32:64]}
}

// Argon2idKey derives a single n-byte key, used by the key store's
// master-key derivation where no MAC-key split is needed.
func Argon2idKey(passphrase, salt []byte, n uint32) []byte {
	return argon2.IDKey(passphrase, salt, Argon2Time, Argon2MemKiB, Argon2Threads, n)
}

// PBKDF2Key derives a single n-byte key with at least PBKDF2MinIterations.
func PBKDF2Key(passphrase, salt []byte, iterations int, n int) []byte {
	if iterations < PBKDF2MinIterations {
		iterations = PBKDF2MinIterations
	}
	return pbkdf2.Key(passphrase, salt, iterations, n, sha256.New)
}
