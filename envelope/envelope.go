// Package envelope builds and opens hybrid ciphertext envelopes.
//
// One fresh content key encrypts the payload once; that key is wrapped to
// every intended recipient's public key. The relay only ever sees the
// envelope and cannot derive the content key.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

const (
	// Version is the current envelope version.
	Version = 1
	// Algorithm identifies X25519+HKDF+ChaCha20-Poly1305 key wrapping with AES-256-GCM content.
	Algorithm = "x25519-hkdf-chacha20poly1305+aes-256-gcm"
)

// Scope selects recipient-set semantics.
type Scope string

const (
	ScopeDirect Scope = "direct"
	ScopeRoom   Scope = "room"
	ScopeGroup  Scope = "group"
)

var (
	// ErrMissingRecipientKey indicates one or more recipients have no resolvable key.
	ErrMissingRecipientKey = errors.New("envelope: missing recipient key")
	// ErrNoKeyForRecipient indicates the envelope was not addressed to this identity.
	ErrNoKeyForRecipient = errors.New("envelope: no key for recipient")
	// ErrBadEnvelopeFormat indicates a version, algorithm or encoding mismatch.
	ErrBadEnvelopeFormat = errors.New("envelope: bad envelope format")
	// ErrDecryptionFailed covers a wrong key, corrupted ciphertext, and a sender
	// that encrypted to a stale key. They cannot be told apart here.
	ErrDecryptionFailed = errors.New("envelope: decryption failed; re-fetch keys and retry")
)

// MissingRecipientKeyError lists identities without a resolvable key.
type MissingRecipientKeyError struct {
	IDs []string
}

func (e *MissingRecipientKeyError) Error() string {
	return fmt.Sprintf("%v: %v", ErrMissingRecipientKey, e.IDs)
}

// Is matches ErrMissingRecipientKey.
func (e *MissingRecipientKeyError) Is(target error) bool {
	return target == ErrMissingRecipientKey
}

// Envelope is the wire unit for encrypted content. Key is set for direct
// scope; Keys maps recipient identity to wrapped key for room and group scope.
type Envelope struct {
	Version    int
	Algorithm  string
	IV         []byte
	Ciphertext []byte
	Key        []byte
	Keys       map[string][]byte
}

type wireEnvelope struct {
	Version     int             `json:"version"`
	Algorithm   string          `json:"algorithm"`
	IV          string          `json:"iv"`
	Ciphertext  string          `json:"ciphertext"`
	KeyMaterial json.RawMessage `json:"keyMaterial"`
}

// Recipients returns the identities with a wrapped key, sorted.
func (e *Envelope) Recipients() []string {
	ids := make([]string, 0, len(e.Keys))
	for id := range e.Keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarshalJSON encodes keyMaterial as a string (direct) or an object (room/group).
func (e Envelope) MarshalJSON() ([]byte, error) {
	var material any
	if e.Keys != nil {
		wrapped := make(map[string]string, len(e.Keys))
		for id, key := range e.Keys {
			wrapped[id] = base64.StdEncoding.EncodeToString(key)
		}
		material = wrapped
	} else {
		material = base64.StdEncoding.EncodeToString(e.Key)
	}

	rawMaterial, err := json.Marshal(material)
	if err != nil {
		return nil, fmt.Errorf("marshal key material: %w", err)
	}
	return json.Marshal(wireEnvelope{
		Version:     e.Version,
		Algorithm:   e.Algorithm,
		IV:          base64.StdEncoding.EncodeToString(e.IV),
		Ciphertext:  base64.StdEncoding.EncodeToString(e.Ciphertext),
		KeyMaterial: rawMaterial,
	})
}

// UnmarshalJSON accepts both keyMaterial shapes.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEnvelopeFormat, err)
	}

	iv, err := base64.StdEncoding.DecodeString(wire.IV)
	if err != nil {
		return fmt.Errorf("%w: iv: %v", ErrBadEnvelopeFormat, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(wire.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: ciphertext: %v", ErrBadEnvelopeFormat, err)
	}

	out := Envelope{Version: wire.Version, Algorithm: wire.Algorithm, IV: iv, Ciphertext: ciphertext}
	material := bytes.TrimSpace(wire.KeyMaterial)
	switch {
	case len(material) == 0:
		return fmt.Errorf("%w: keyMaterial missing", ErrBadEnvelopeFormat)
	case material[0] == '"':
		var single string
		if err := json.Unmarshal(material, &single); err != nil {
			return fmt.Errorf("%w: keyMaterial: %v", ErrBadEnvelopeFormat, err)
		}
		if out.Key, err = base64.StdEncoding.DecodeString(single); err != nil {
			return fmt.Errorf("%w: keyMaterial: %v", ErrBadEnvelopeFormat, err)
		}
	case material[0] == '{':
		var mapped map[string]string
		if err := json.Unmarshal(material, &mapped); err != nil {
			return fmt.Errorf("%w: keyMaterial: %v", ErrBadEnvelopeFormat, err)
		}
		out.Keys = make(map[string][]byte, len(mapped))
		for id, encoded := range mapped {
			key, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return fmt.Errorf("%w: keyMaterial[%s]: %v", ErrBadEnvelopeFormat, id, err)
			}
			out.Keys[id] = key
		}
	default:
		return fmt.Errorf("%w: keyMaterial has unexpected shape", ErrBadEnvelopeFormat)
	}

	*e = out
	return nil
}

// Marshal encodes an envelope for the wire.
func Marshal(env *Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return raw, nil
}

// Unmarshal decodes an envelope from the wire.
func Unmarshal(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if errors.Is(err, ErrBadEnvelopeFormat) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelopeFormat, err)
	}
	return &env, nil
}
