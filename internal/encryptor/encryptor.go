package encryptor

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	saltSize  = 16
	nonceSize = chacha20poly1305.NonceSize
	keySize   = chacha20poly1305.KeySize
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
)

// Encryptor defines the interface for sealing and opening chunk payloads.
type Encryptor interface {
	Encrypt(plaintext []byte, password string) ([]byte, error)
	Decrypt(ciphertext []byte, password string) ([]byte, error)
}

// chaCha20Poly1305Encryptor implements the Encryptor interface using ChaCha20-Poly1305.
type chaCha20Poly1305Encryptor struct{}

// NewEncryptor returns the default encryptor.
func NewEncryptor() Encryptor {
	return &chaCha20Poly1305Encryptor{}
}

// deriveKey derives a key from the given password and salt using scrypt.
func (e *chaCha20Poly1305Encryptor) deriveKey(password string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
}

// Encrypt seals the given plaintext using ChaCha20-Poly1305 with a key derived
// from the password. The returned ciphertext includes the salt and nonce prepended.
func (e *chaCha20Poly1305Encryptor) Encrypt(plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := e.deriveKey(password, salt)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD cipher: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	// Prepend salt and nonce to the ciphertext
	result := append(salt, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// Decrypt opens the ciphertext using ChaCha20-Poly1305 with a key derived from
// the password. The input must have the salt and nonce prepended.
func (e *chaCha20Poly1305Encryptor) Decrypt(ciphertext []byte, password string) ([]byte, error) {
	if len(ciphertext) < saltSize+nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	salt := ciphertext[:saltSize]
	nonce := ciphertext[saltSize : saltSize+nonceSize]
	actualCiphertext := ciphertext[saltSize+nonceSize:]

	key, err := e.deriveKey(password, salt)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, actualCiphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}
