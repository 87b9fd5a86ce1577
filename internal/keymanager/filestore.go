package keymanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/reicalasso/sentinelfs-node/internal/cryptoutil"
)

// fileKeyMagic tags every on-disk key blob, following the teacher's
// env_encrypt.go MENV1 envelope convention (magic‖salt‖nonce‖ciphertext).
var fileKeyMagic = []byte("SFSK1")

// FileKeyStore is the default Store: one encrypted file per key_id
// plus a JSON ".meta" sidecar, under <state_dir>/keys/, grounded on
// original_source's FileKeyStore.cpp and the teacher's env.enc pattern.
type FileKeyStore struct {
	dir       string
	masterKey []byte

	mu sync.Mutex
}

const saltFileName = ".salt"

// NewFileKeyStore opens (or bootstraps) the encrypted key store rooted
// at dir, deriving its master key from passphrase via Argon2id and a
// salt persisted at <dir>/.salt (generated on first use).
func NewFileKeyStore(dir string, passphrase []byte) (*FileKeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keymanager: create store dir: %w", err)
	}
	salt, err := loadOrCreateSalt(filepath.Join(dir, saltFileName))
	if err != nil {
		return nil, err
	}
	master := cryptoutil.Argon2idKey(passphrase, salt, cryptoutil.KeySize)
	return &FileKeyStore{dir: dir, masterKey: master}, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil {
		return b, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	salt, err := cryptoutil.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}

func (s *FileKeyStore) keyPath(keyID string) string  { return filepath.Join(s.dir, keyID+".key") }
func (s *FileKeyStore) metaPath(keyID string) string { return filepath.Join(s.dir, keyID+".meta") }

// metaFile is the JSON-serializable form of Info.
type metaFile struct {
	KeyID       string    `json:"key_id"`
	Type        string    `json:"type"`
	Created     time.Time `json:"created"`
	Algorithm   string    `json:"algorithm"`
	PeerID      string    `json:"peer_id,omitempty"`
	Compromised bool      `json:"compromised"`
}

func (s *FileKeyStore) StoreKey(keyID string, data []byte, info Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := s.seal(data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.keyPath(keyID), blob, 0o600); err != nil {
		return fmt.Errorf("keymanager: write key %s: %w", keyID, err)
	}
	mf := metaFile{
		KeyID:       keyID,
		Type:        info.Type.String(),
		Created:     info.Created,
		Algorithm:   info.Algorithm,
		PeerID:      info.PeerID,
		Compromised: info.Compromised,
	}
	mb, err := json.Marshal(mf)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.metaPath(keyID), mb, 0o600); err != nil {
		return fmt.Errorf("keymanager: write meta %s: %w", keyID, err)
	}
	return nil
}

func (s *FileKeyStore) LoadKey(keyID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := os.ReadFile(s.keyPath(keyID))
	if err != nil {
		return nil, fmt.Errorf("keymanager: load key %s: %w", keyID, err)
	}
	return s.open(blob)
}

func (s *FileKeyStore) RemoveKey(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err1 := os.Remove(s.keyPath(keyID))
	err2 := os.Remove(s.metaPath(keyID))
	if err1 != nil && !errors.Is(err1, os.ErrNotExist) {
		return err1
	}
	if err2 != nil && !errors.Is(err2, os.ErrNotExist) {
		return err2
	}
	return nil
}

// ListKeys performs a full directory scan of .meta sidecars filtered by
// type — original_source leaves FileKeyStore::list unimplemented;
// spec.md §9 mandates this directory-scan behavior to close that gap.
func (s *FileKeyStore) ListKeys(t KeyType) ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var mf metaFile
		if err := json.Unmarshal(b, &mf); err != nil {
			continue
		}
		if mf.Type != t.String() {
			continue
		}
		out = append(out, Info{
			KeyID:       mf.KeyID,
			Type:        t,
			Created:     mf.Created,
			Algorithm:   mf.Algorithm,
			PeerID:      mf.PeerID,
			Compromised: mf.Compromised,
		})
	}
	return out, nil
}

func (s *FileKeyStore) Exists(keyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(s.keyPath(keyID))
	return err == nil
}

// ChangePassword rewraps every key under newPassword, verifying that
// oldPassword is correct first. Nothing is modified on disk unless every
// key rewraps successfully — resolving spec.md §9's "changePassword
// does not rewrap" ambiguity by always rewrapping-or-failing.
func (s *FileKeyStore) ChangePassword(oldPassword, newPassword []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	salt, err := os.ReadFile(filepath.Join(s.dir, saltFileName))
	if err != nil {
		return err
	}
	oldMaster := cryptoutil.Argon2idKey(oldPassword, salt, cryptoutil.KeySize)
	if !cryptoutil.ConstantTimeEqual(oldMaster, s.masterKey) {
		return errors.New("keymanager: incorrect current passphrase")
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	newSalt, err := cryptoutil.RandomBytes(16)
	if err != nil {
		return err
	}
	newMaster := cryptoutil.Argon2idKey(newPassword, newSalt, cryptoutil.KeySize)

	type rewrapped struct {
		path string
		blob []byte
	}
	var staged []rewrapped
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".key") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("keymanager: rewrap read %s: %w", e.Name(), err)
		}
		plain, err := s.openWith(raw, s.masterKey)
		if err != nil {
			return fmt.Errorf("keymanager: rewrap decrypt %s: %w", e.Name(), err)
		}
		newBlob, err := sealWith(plain, newMaster)
		if err != nil {
			return fmt.Errorf("keymanager: rewrap encrypt %s: %w", e.Name(), err)
		}
		staged = append(staged, rewrapped{path: path, blob: newBlob})
	}

	// Everything decrypted and re-encrypted cleanly; rewrite each key
	// file in place, then the salt. A write error part-way leaves the
	// files already rewritten under the new key.
	for _, r := range staged {
		if err := os.WriteFile(r.path, r.blob, 0o600); err != nil {
			return fmt.Errorf("keymanager: rewrap write %s: %w", r.path, err)
		}
	}
	if err := os.WriteFile(filepath.Join(s.dir, saltFileName), newSalt, 0o600); err != nil {
		return err
	}
	s.masterKey = newMaster
	return nil
}

func (s *FileKeyStore) seal(plain []byte) ([]byte, error) {
	return sealWith(plain, s.masterKey)
}

func (s *FileKeyStore) open(blob []byte) ([]byte, error) {
	return s.openWith(blob, s.masterKey)
}

func sealWith(plain, key []byte) ([]byte, error) {
	nonce, err := cryptoutil.GCMNonce()
	if err != nil {
		return nil, err
	}
	ct, err := cryptoutil.EncryptGCM(plain, key, nonce, fileKeyMagic)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(fileKeyMagic)+len(nonce)+len(ct))
	out = append(out, fileKeyMagic...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

func (s *FileKeyStore) openWith(blob, key []byte) ([]byte, error) {
	min := len(fileKeyMagic) + cryptoutil.GCMIVSize
	if len(blob) < min || string(blob[:len(fileKeyMagic)]) != string(fileKeyMagic) {
		return nil, errors.New("keymanager: corrupt key blob")
	}
	nonce := blob[len(fileKeyMagic) : len(fileKeyMagic)+cryptoutil.GCMIVSize]
	ct := blob[len(fileKeyMagic)+cryptoutil.GCMIVSize:]
	return cryptoutil.DecryptGCM(ct, key, nonce, fileKeyMagic)
}
