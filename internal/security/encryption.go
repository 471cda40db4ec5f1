package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"

	"trustgate/internal/domain"
)

// SaltSize is the length of the Argon2id salt persisted next to encrypted data.
const SaltSize = 16

// BlobEncryptor seals plugin storage values with AES-256-GCM.
// The key is derived from a passphrase via Argon2id and held only in memory.
type BlobEncryptor struct {
	mu  sync.RWMutex
	gcm cipher.AEAD
	key []byte
}

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// NewBlobEncryptor derives a key from passphrase and salt. The same pair must
// be supplied to open data sealed earlier.
func NewBlobEncryptor(passphrase string, salt []byte) (*BlobEncryptor, error) {
	if passphrase == "" {
		return nil, domain.NewDomainError("NewBlobEncryptor", domain.ErrEncryption, "passphrase must not be empty")
	}
	if len(salt) != SaltSize {
		return nil, domain.NewDomainError("NewBlobEncryptor", domain.ErrEncryption,
			fmt.Sprintf("salt must be %d bytes", SaltSize))
	}

	key := deriveContentKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &BlobEncryptor{gcm: gcm, key: key}, nil
}

// Seal encrypts plaintext and returns nonce || ciphertext. additional binds the
// ciphertext to its owner so a value cannot be moved between plugins.
func (e *BlobEncryptor) Seal(plaintext, additional []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.gcm == nil {
		return nil, domain.NewDomainError("BlobEncryptor.Seal", domain.ErrEncryption, "encryptor zeroized")
	}

	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, domain.NewDomainError("BlobEncryptor.Seal", domain.ErrEncryption, err.Error())
	}
	return e.gcm.Seal(nonce, nonce, plaintext, additional), nil
}

// Open decrypts data produced by Seal.
func (e *BlobEncryptor) Open(data, additional []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.gcm == nil {
		return nil, domain.NewDomainError("BlobEncryptor.Open", domain.ErrDecryption, "encryptor zeroized")
	}

	n := e.gcm.NonceSize()
	if len(data) < n {
		return nil, domain.NewDomainError("BlobEncryptor.Open", domain.ErrDecryption, "ciphertext too short")
	}
	plaintext, err := e.gcm.Open(nil, data[:n], data[n:], additional)
	if err != nil {
		return nil, domain.NewDomainError("BlobEncryptor.Open", domain.ErrDecryption, err.Error())
	}
	return plaintext, nil
}

// Overhead is the number of bytes Seal adds to a plaintext.
func (e *BlobEncryptor) Overhead() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.gcm == nil {
		return 0
	}
	return e.gcm.NonceSize() + e.gcm.Overhead()
}

// Zeroize clears the key from memory. Call on shutdown.
func (e *BlobEncryptor) Zeroize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.key {
		e.key[i] = 0
	}
	e.gcm = nil
}

// deriveContentKey uses Argon2id to derive a 32-byte key.
func deriveContentKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}
