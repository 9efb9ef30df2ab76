package infra

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/devmon/internal/config"
	"github.com/eliteGoblin/focusd/devmon/internal/domain"
	"github.com/eliteGoblin/focusd/devmon/internal/knowledge"
)

const keySize = 32 // 256-bit SQLCipher key

// ErrInvalidKey means a stored journal key exists but cannot be used.
var ErrInvalidKey = errors.New("invalid journal key")

// JournalKeyStore keeps one journal key per project state directory in a
// directory outside the project, so the database and its key are never
// stored side by side.
type JournalKeyStore struct {
	dir string
}

// NewJournalKeyStore creates a key store rooted at dir.
func NewJournalKeyStore(dir string) *JournalKeyStore {
	return &JournalKeyStore{dir: dir}
}

// DefaultJournalKeyStore returns the store under ~/.config/devmon/keys.
func DefaultJournalKeyStore() (*JournalKeyStore, error) {
	dir, err := config.UserConfigDir()
	if err != nil {
		return nil, err
	}
	return NewJournalKeyStore(filepath.Join(dir, "keys")), nil
}

// For returns the key of the journal kept in stateDir. The name is derived
// from the canonical parent so it is the same before and after stateDir is
// created.
func (s *JournalKeyStore) For(stateDir string) *JournalKey {
	abs := filepath.Join(knowledge.Canonical(filepath.Dir(stateDir)), filepath.Base(stateDir))
	sum := sha256.Sum256([]byte(abs))
	return &JournalKey{path: filepath.Join(s.dir, hex.EncodeToString(sum[:8])+".key")}
}

// JournalKey implements domain.KeyProvider for one journal.
type JournalKey struct {
	path string
}

// Path returns the key file path.
func (k *JournalKey) Path() string {
	return k.path
}

// GetKey reads the key. A file that does not hold a hex encoded 256-bit key
// yields ErrInvalidKey.
func (k *JournalKey) GetKey() ([]byte, error) {
	encoded, err := os.ReadFile(k.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), keySize)
	}
	return key, nil
}

// StoreKey replaces the key file atomically, readable only by the owner.
func (k *JournalKey) StoreKey(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), keySize)
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(k.path), ".key-*")
	if err != nil {
		return fmt.Errorf("failed to create temp key file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(hex.EncodeToString(key)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, k.path)
}

// KeyExists checks if the key file exists.
func (k *JournalKey) KeyExists() bool {
	_, err := os.Stat(k.path)
	return err == nil
}

// GenerateKey creates a new random 256-bit journal key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the stored key. A missing or invalid key is replaced by a
// new one and fresh is true: nothing encrypted earlier can be read with it.
func EnsureKey(provider domain.KeyProvider) (key []byte, fresh bool, err error) {
	if provider.KeyExists() {
		key, err := provider.GetKey()
		if err == nil {
			return key, false, nil
		}
		if !errors.Is(err, ErrInvalidKey) {
			return nil, false, err
		}
	}

	key, err = GenerateKey()
	if err != nil {
		return nil, false, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// Ensure JournalKey implements domain.KeyProvider.
var _ domain.KeyProvider = (*JournalKey)(nil)
