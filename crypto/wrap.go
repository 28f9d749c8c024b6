package crypto

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const wrapInfo = "securechat-key-wrap-v1"

// ErrMalformedWrappedKey indicates a wrapped key blob is too short to parse.
var ErrMalformedWrappedKey = errors.New("crypto: malformed wrapped key")

// WrapKey encrypts a symmetric key to a recipient's X25519 public key.
//
// Layout: ephemeralPublic(32) || nonce(12) || sealed key + tag.
func WrapKey(recipient *ecdh.PublicKey, key []byte) ([]byte, error) {
	ephemeral, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}

	ephemeralPublic := ephemeral.PublicKey().Bytes()
	aead, err := wrapAEAD(shared, ephemeralPublic, recipient.Bytes())
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate wrap nonce: %w", err)
	}

	out := make([]byte, 0, len(ephemeralPublic)+len(nonce)+len(key)+aead.Overhead())
	out = append(out, ephemeralPublic...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, key, ephemeralPublic), nil
}

// UnwrapKey recovers a symmetric key wrapped by WrapKey.
func UnwrapKey(privateKey *ecdh.PrivateKey, wrapped []byte) ([]byte, error) {
	minLen := 32 + chacha20poly1305.NonceSize + chacha20poly1305.Overhead
	if len(wrapped) < minLen {
		return nil, ErrMalformedWrappedKey
	}

	ephemeralPublic := wrapped[:32]
	nonce := wrapped[32 : 32+chacha20poly1305.NonceSize]
	sealed := wrapped[32+chacha20poly1305.NonceSize:]

	peer, err := x25519Curve.NewPublicKey(ephemeralPublic)
	if err != nil {
		return nil, ErrMalformedWrappedKey
	}
	shared, err := privateKey.ECDH(peer)
	if err != nil {
		return nil, ErrAuthentication
	}

	aead, err := wrapAEAD(shared, ephemeralPublic, privateKey.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	key, err := aead.Open(nil, nonce, sealed, ephemeralPublic)
	if err != nil {
		return nil, ErrAuthentication
	}
	return key, nil
}

func wrapAEAD(shared, ephemeralPublic, recipientPublic []byte) (cipher.AEAD, error) {
	salt := make([]byte, 0, len(ephemeralPublic)+len(recipientPublic))
	salt = append(salt, ephemeralPublic...)
	salt = append(salt, recipientPublic...)

	kdf := hkdf.New(sha256.New, shared, salt, []byte(wrapInfo))
	wrapKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, wrapKey); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("create wrap cipher: %w", err)
	}
	return aead, nil
}
