package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const identityPEMType = "PRIVATE KEY"

var x25519Curve = ecdh.X25519()

var (
	// ErrInvalidPublicKey indicates a peer key could not be decoded as X25519 SPKI.
	ErrInvalidPublicKey = errors.New("crypto: invalid public key encoding")
)

// EnsureIdentityKey loads the X25519 identity key from disk, generating it on first run.
func EnsureIdentityKey(path string) (*ecdh.PrivateKey, error) {
	privateKey, err := LoadIdentityKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err = GenerateIdentityKey()
	if err != nil {
		return nil, err
	}
	if err := SaveIdentityKey(path, privateKey); err != nil {
		return nil, err
	}
	return privateKey, nil
}

// GenerateIdentityKey creates a new X25519 private key.
func GenerateIdentityKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// LoadIdentityKey reads a PKCS#8 PEM encoded X25519 private key.
func LoadIdentityKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("decode identity key: no PEM block")
	}
	if block.Type != identityPEMType {
		return nil, fmt.Errorf("decode identity key: unexpected type %q", block.Type)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	privateKey, ok := parsed.(*ecdh.PrivateKey)
	if !ok || privateKey.Curve() != x25519Curve {
		return nil, errors.New("parse identity key: not an X25519 key")
	}
	return privateKey, nil
}

// SaveIdentityKey writes the private key as PKCS#8 PEM with 0600 permissions.
func SaveIdentityKey(path string, key *ecdh.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal identity key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	block := &pem.Block{Type: identityPEMType, Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write identity key: %w", err)
	}
	return nil
}

// EncodePublicKey returns the interchange form of a public key: base64 of its SPKI DER.
func EncodePublicKey(key *ecdh.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey decodes the interchange form produced by EncodePublicKey.
func ParsePublicKey(encoded string) (*ecdh.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	publicKey, ok := parsed.(*ecdh.PublicKey)
	if !ok || publicKey.Curve() != x25519Curve {
		return nil, fmt.Errorf("%w: not an X25519 key", ErrInvalidPublicKey)
	}
	return publicKey, nil
}

// ParseRawPublicKey parses a raw 32-byte X25519 public key.
func ParseRawPublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return publicKey, nil
}
