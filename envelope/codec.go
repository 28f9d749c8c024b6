package envelope

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"

	appcrypto "securechat/crypto"
)

// KeyResolver is the part of the key directory the codec depends on.
type KeyResolver interface {
	Lookup(ctx context.Context, recipientID string, forceRefresh bool) (*ecdh.PublicKey, error)
	ResolveAll(ctx context.Context, recipientIDs []string, forceRefresh bool) (map[string]*ecdh.PublicKey, []string, error)
}

// Identity is the local sender.
type Identity struct {
	ID string
	// PublicKey, when set, is used for the sender's own wrapped key instead of a directory lookup.
	PublicKey *ecdh.PublicKey
}

// Policy carries runtime switches, typically server-supplied feature flags.
type Policy struct {
	// AllowPlaintextFallback permits EncryptOrFallback to emit a tagged plaintext
	// payload when recipients have no usable key. Off by default.
	AllowPlaintextFallback bool
}

// Options configures a Codec.
type Options struct {
	Self   Identity
	Policy Policy
	Logger zerolog.Logger
}

// Codec encrypts for recipient sets and decrypts envelopes addressed to us.
type Codec struct {
	keys   KeyResolver
	self   Identity
	policy atomic.Pointer[Policy]
	log    zerolog.Logger
}

// NewCodec creates a Codec backed by a key resolver.
func NewCodec(keys KeyResolver, options Options) *Codec {
	c := &Codec{keys: keys, self: options.Self, log: options.Logger}
	policy := options.Policy
	c.policy.Store(&policy)
	return c
}

// SetPolicy swaps the runtime policy.
func (c *Codec) SetPolicy(policy Policy) {
	c.policy.Store(&policy)
}

// Policy returns the current runtime policy.
func (c *Codec) Policy() Policy {
	return *c.policy.Load()
}

// EncryptFor encrypts plaintext once and wraps the content key for each recipient.
//
// Direct scope takes exactly one recipient and always refetches its key.
// Room and group scope add the sender to the recipient set.
func (c *Codec) EncryptFor(ctx context.Context, scope Scope, recipientIDs []string, plaintext []byte) (*Envelope, error) {
	switch scope {
	case ScopeDirect:
		if len(recipientIDs) != 1 || recipientIDs[0] == "" {
			return nil, fmt.Errorf("envelope: direct scope needs exactly one recipient, got %d", len(recipientIDs))
		}
		return c.encryptDirect(ctx, recipientIDs[0], plaintext)
	case ScopeRoom, ScopeGroup:
		return c.encryptShared(ctx, scope, recipientIDs, plaintext)
	default:
		return nil, fmt.Errorf("envelope: unknown scope %q", scope)
	}
}

func (c *Codec) encryptDirect(ctx context.Context, recipientID string, plaintext []byte) (*Envelope, error) {
	recipientKey, err := c.keys.Lookup(ctx, recipientID, true)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.log.Debug().Err(err).Str("recipient", recipientID).Msg("envelope: direct recipient key unavailable")
		return nil, &MissingRecipientKeyError{IDs: []string{recipientID}}
	}

	contentKey, ciphertext, iv, err := sealContent(plaintext)
	if err != nil {
		return nil, err
	}
	wrapped, err := appcrypto.WrapKey(recipientKey, contentKey)
	if err != nil {
		return nil, fmt.Errorf("envelope: wrap key for %q: %w", recipientID, err)
	}

	return &Envelope{Version: Version, Algorithm: Algorithm, IV: iv, Ciphertext: ciphertext, Key: wrapped}, nil
}

func (c *Codec) encryptShared(ctx context.Context, scope Scope, recipientIDs []string, plaintext []byte) (*Envelope, error) {
	ids := c.sharedRecipients(recipientIDs)
	lookup := ids
	if c.self.PublicKey != nil {
		lookup = without(ids, c.self.ID)
	}

	keys, missing, err := c.keys.ResolveAll(ctx, lookup, false)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &MissingRecipientKeyError{IDs: missing}
	}
	if c.self.PublicKey != nil {
		keys[c.self.ID] = c.self.PublicKey
	}

	contentKey, ciphertext, iv, err := sealContent(plaintext)
	if err != nil {
		return nil, err
	}

	wrappedKeys := make(map[string][]byte, len(ids))
	for _, id := range ids {
		wrapped, err := appcrypto.WrapKey(keys[id], contentKey)
		if err != nil {
			return nil, fmt.Errorf("envelope: wrap key for %q: %w", id, err)
		}
		wrappedKeys[id] = wrapped
	}

	c.log.Debug().Str("scope", string(scope)).Int("recipients", len(ids)).Msg("envelope: sealed")
	return &Envelope{Version: Version, Algorithm: Algorithm, IV: iv, Ciphertext: ciphertext, Keys: wrappedKeys}, nil
}

// Decrypt opens an envelope with the local identity's private key.
func (c *Codec) Decrypt(ownID string, privateKey *ecdh.PrivateKey, env *Envelope) ([]byte, error) {
	return Decrypt(ownID, privateKey, env)
}

// Decrypt opens an envelope addressed to ownID.
func Decrypt(ownID string, privateKey *ecdh.PrivateKey, env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrBadEnvelopeFormat)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrBadEnvelopeFormat, env.Version)
	}
	if env.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: algorithm %q", ErrBadEnvelopeFormat, env.Algorithm)
	}

	wrapped := env.Key
	if env.Keys != nil {
		var ok bool
		if wrapped, ok = env.Keys[ownID]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrNoKeyForRecipient, ownID)
		}
	}
	if len(wrapped) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoKeyForRecipient, ownID)
	}

	contentKey, err := appcrypto.UnwrapKey(privateKey, wrapped)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := appcrypto.Decrypt(contentKey, env.IV, env.Ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (c *Codec) sharedRecipients(recipientIDs []string) []string {
	seen := make(map[string]bool, len(recipientIDs)+1)
	ids := make([]string, 0, len(recipientIDs)+1)
	for _, id := range append([]string{c.self.ID}, recipientIDs...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sealContent(plaintext []byte) (contentKey, ciphertext, iv []byte, err error) {
	contentKey, err = appcrypto.NewContentKey()
	if err != nil {
		return nil, nil, nil, err
	}
	ciphertext, iv, err = appcrypto.Encrypt(contentKey, plaintext)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("envelope: encrypt content: %w", err)
	}
	return contentKey, ciphertext, iv, nil
}

func without(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

// IsUserFacing reports whether err should be surfaced with specific guidance.
func IsUserFacing(err error) bool {
	return errors.Is(err, ErrDecryptionFailed) || errors.Is(err, ErrMissingRecipientKey)
}
