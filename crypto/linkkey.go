package crypto

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const linkInfo = "securechat-link-v1"

// GenerateEphemeralKeyPair returns a one-shot X25519 key pair for link setup.
func GenerateEphemeralKeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := GenerateIdentityKey()
	if err != nil {
		return nil, nil, err
	}
	return privateKey, privateKey.PublicKey(), nil
}

// DeriveLinkKey derives the symmetric key protecting one direct peer link.
// Both sides obtain the same key; the transfer ID binds it to one session.
func DeriveLinkKey(local *ecdh.PrivateKey, peer *ecdh.PublicKey, transferID string) ([]byte, error) {
	shared, err := local.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("compute link secret: %w", err)
	}

	kdf := hkdf.New(sha256.New, shared, []byte(transferID), []byte(linkInfo))
	key := make([]byte, ContentKeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive link key: %w", err)
	}
	return key, nil
}

// LinkProof returns the MAC a dialer presents to prove it holds the link key.
func LinkProof(linkKey []byte, transferID string) []byte {
	mac := hmac.New(sha256.New, linkKey)
	mac.Write([]byte("link-proof|" + transferID))
	return mac.Sum(nil)
}

// VerifyLinkProof checks a proof produced by LinkProof in constant time.
func VerifyLinkProof(linkKey []byte, transferID string, proof []byte) bool {
	return hmac.Equal(LinkProof(linkKey, transferID), proof)
}
