package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// ContentKeySize is the AES-256 key length used for payloads.
const ContentKeySize = 32

// ErrAuthentication indicates an AEAD open failed: wrong key or tampered data.
var ErrAuthentication = errors.New("crypto: message authentication failed")

// NewContentKey returns a fresh random AES-256 key.
func NewContentKey() ([]byte, error) {
	key := make([]byte, ContentKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext with AES-256-GCM under a fresh random IV.
func Encrypt(key, plaintext []byte) (ciphertext, iv []byte, err error) {
	return EncryptWithAD(key, plaintext, nil)
}

// EncryptWithAD is Encrypt with additional authenticated data.
func EncryptWithAD(key, plaintext, additionalData []byte) (ciphertext, iv []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nil, iv, plaintext, additionalData), iv, nil
}

// Decrypt opens AES-256-GCM ciphertext.
func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	return DecryptWithAD(key, iv, ciphertext, nil)
}

// DecryptWithAD is Decrypt with additional authenticated data.
func DecryptWithAD(key, iv, ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("ciphertext is required")
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(iv), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, additionalData)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != ContentKeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), ContentKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
