// Package cryptox provides the encryption-at-rest service: key derivation
// from a user passphrase, key custody in the OS credential store, and a
// seekable authenticated block cipher for media files.
package cryptox

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// ErrNoKey means no key material exists in the store. Key loss is
// unrecoverable: there is no escrow and no secondary copy anywhere.
var ErrNoKey = errors.New("no encryption key in store")

// DeriveKey derives a symmetric key from a user passphrase with argon2id.
// The salt is per-install and not secret.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// KeyStore holds the single long-lived key. The key never touches the
// database; it lives only in the backing store and in the memory of the
// operation that needs it.
type KeyStore interface {
	SaveKey(key []byte) error
	LoadKey() ([]byte, error)
	DeleteKey() error
}

// KeyringStore keeps the key in the OS credential store.
type KeyringStore struct {
	Service string
	Account string
}

// NewKeyringStore returns a KeyringStore for the given service name.
func NewKeyringStore(service string) *KeyringStore {
	return &KeyringStore{Service: service, Account: "content-key"}
}

func (s *KeyringStore) SaveKey(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}

	if err := keyring.Set(s.Service, s.Account, hex.EncodeToString(key)); err != nil {
		return fmt.Errorf("failed to store key in credential store: %w", err)
	}

	return nil
}

func (s *KeyringStore) LoadKey() ([]byte, error) {
	encoded, err := keyring.Get(s.Service, s.Account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNoKey
		}

		return nil, fmt.Errorf("failed to read key from credential store: %w", err)
	}

	key, err := hex.DecodeString(encoded)
	if err != nil || len(key) != KeySize {
		return nil, fmt.Errorf("credential store holds an invalid key")
	}

	return key, nil
}

func (s *KeyringStore) DeleteKey() error {
	if err := keyring.Delete(s.Service, s.Account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete key from credential store: %w", err)
	}

	return nil
}

// MemoryStore is an in-process KeyStore for tests.
type MemoryStore struct {
	mu  sync.Mutex
	key []byte
}

func (s *MemoryStore) SaveKey(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.key = append([]byte(nil), key...)

	return nil
}

func (s *MemoryStore) LoadKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == nil {
		return nil, ErrNoKey
	}

	return append([]byte(nil), s.key...), nil
}

func (s *MemoryStore) DeleteKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.key = nil

	return nil
}

// saltSize is the per-install KDF salt length in bytes.
const saltSize = 16

// LoadOrCreateSalt reads the per-install KDF salt from path, generating and
// persisting a fresh one on first use. The salt is not secret; it only has
// to be stable for the lifetime of the install.
func LoadOrCreateSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		salt, decErr := hex.DecodeString(string(data))
		if decErr != nil || len(salt) != saltSize {
			return nil, fmt.Errorf("salt file %s is corrupt", path)
		}

		return salt, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	if err := renameio.WriteFile(path, []byte(hex.EncodeToString(salt)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist salt: %w", err)
	}

	return salt, nil
}

// EnsureKey loads the stored key, deriving and storing a new one from the
// passphrase when none exists yet.
func EnsureKey(store KeyStore, passphrase, salt []byte) ([]byte, error) {
	key, err := store.LoadKey()
	if err == nil {
		return key, nil
	}

	if !errors.Is(err, ErrNoKey) {
		return nil, err
	}

	key = DeriveKey(passphrase, salt)
	if err := store.SaveKey(key); err != nil {
		return nil, err
	}

	return key, nil
}
