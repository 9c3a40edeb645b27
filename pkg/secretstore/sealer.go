package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfoSeal separates the sealing key from any other use of the passphrase
var hkdfInfoSeal = []byte("slurmsync.seal.v1")

// Sealer encrypts secret key material at rest using AES-256-GCM.
// The generation number is bound as additional data so a sealed key cannot be
// replayed under a different generation.
type Sealer struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewSealer creates a sealer with the given encryption key
// The key should be 32 bytes for AES-256-GCM
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &Sealer{
		encryptionKey: append([]byte(nil), key...),
	}, nil
}

// NewSealerFromPassphrase derives the sealing key from a passphrase with
// HKDF-SHA256. Every manager given the same passphrase derives the same key.
func NewSealerFromPassphrase(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), nil, hkdfInfoSeal), key); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}
	return NewSealer(key)
}

// LoadOrCreateKeyFile reads a 32-byte sealing key from path, generating and
// writing a new one with 0600 permissions when the file does not exist
func LoadOrCreateKeyFile(path string) (*Sealer, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		return NewSealer(key)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read sealing key: %w", err)
	}

	key = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate sealing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write sealing key: %w", err)
	}
	return NewSealer(key)
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func generationAD(generation uint64) []byte {
	ad := make([]byte, 8)
	binary.BigEndian.PutUint64(ad, generation)
	return ad
}

// Seal encrypts plaintext for the given generation
// Returns encrypted data with nonce prepended
func (s *Sealer) Seal(generation uint64, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot seal empty data")
	}

	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, generationAD(generation)), nil
}

// Open decrypts data produced by Seal for the same generation
func (s *Sealer) Open(generation uint64, sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, fmt.Errorf("cannot open empty data")
	}

	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, generationAD(generation))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt generation %d: %w", generation, err)
	}

	return plaintext, nil
}
