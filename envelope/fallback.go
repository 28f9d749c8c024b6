package envelope

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
)

// PlaintextTag prefixes compatibility payloads that are base64 plaintext
// rather than envelopes. It is not a security boundary.
const PlaintextTag = "PLAINTEXT-FALLBACK:v1:"

// Sealed is a wire-ready payload produced by EncryptOrFallback.
type Sealed struct {
	Wire     []byte
	Envelope *Envelope
	// Degraded is set when Wire is a tagged plaintext payload. Callers must surface it.
	Degraded bool
}

// Opened is the result of Open.
type Opened struct {
	Plaintext []byte
	// Insecure is set when the payload arrived through the plaintext compatibility mode.
	Insecure bool
}

// EncryptOrFallback encrypts like EncryptFor. If recipients lack keys and the
// runtime policy allows it, it returns a tagged plaintext payload instead.
func (c *Codec) EncryptOrFallback(ctx context.Context, scope Scope, recipientIDs []string, plaintext []byte) (Sealed, error) {
	env, err := c.EncryptFor(ctx, scope, recipientIDs, plaintext)
	if err == nil {
		wire, err := Marshal(env)
		if err != nil {
			return Sealed{}, err
		}
		return Sealed{Wire: wire, Envelope: env}, nil
	}
	if !errors.Is(err, ErrMissingRecipientKey) {
		return Sealed{}, err
	}
	if !c.Policy().AllowPlaintextFallback {
		return Sealed{}, err
	}

	c.log.Warn().Err(err).Str("scope", string(scope)).Msg("envelope: sending plaintext compatibility payload")
	return Sealed{Wire: WrapPlaintext(plaintext), Degraded: true}, nil
}

// WrapPlaintext produces a tagged plaintext compatibility payload.
func WrapPlaintext(plaintext []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(plaintext)
	return append([]byte(PlaintextTag), encoded...)
}

// IsPlaintextFallback reports whether raw carries the compatibility tag.
func IsPlaintextFallback(raw []byte) bool {
	return bytes.HasPrefix(raw, []byte(PlaintextTag))
}

// Open decodes a wire payload. Tagged plaintext payloads are unwrapped
// without touching the cryptographic path.
func Open(ownID string, privateKey *ecdh.PrivateKey, raw []byte) (Opened, error) {
	if IsPlaintextFallback(raw) {
		plaintext, err := base64.StdEncoding.DecodeString(string(raw[len(PlaintextTag):]))
		if err != nil {
			return Opened{}, fmt.Errorf("%w: plaintext fallback: %v", ErrBadEnvelopeFormat, err)
		}
		return Opened{Plaintext: plaintext, Insecure: true}, nil
	}

	env, err := Unmarshal(raw)
	if err != nil {
		return Opened{}, err
	}
	plaintext, err := Decrypt(ownID, privateKey, env)
	if err != nil {
		return Opened{}, err
	}
	return Opened{Plaintext: plaintext}, nil
}
