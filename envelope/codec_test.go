package envelope

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"testing"

	appcrypto "securechat/crypto"
	"securechat/keydir"
)

type testPeer struct {
	id      string
	private *ecdh.PrivateKey
}

func newPeers(t *testing.T, ids ...string) (map[string]testPeer, *keydir.Directory) {
	t.Helper()
	peers := make(map[string]testPeer, len(ids))
	encoded := make(map[string]string, len(ids))
	for _, id := range ids {
		privateKey, err := appcrypto.GenerateIdentityKey()
		if err != nil {
			t.Fatalf("generate key for %s: %v", id, err)
		}
		peers[id] = testPeer{id: id, private: privateKey}
		if encoded[id], err = appcrypto.EncodePublicKey(privateKey.PublicKey()); err != nil {
			t.Fatalf("encode key for %s: %v", id, err)
		}
	}
	dir := keydir.New(keydir.FetcherFunc(func(_ context.Context, id string) (string, error) {
		key, ok := encoded[id]
		if !ok {
			return "", fmt.Errorf("no key published for %s", id)
		}
		return key, nil
	}), nil, keydir.Options{})
	return peers, dir
}

func TestRoomScenarioAliceBob(t *testing.T) {
	peers, dir := newPeers(t, "alice", "bob", "mallory")
	codec := NewCodec(dir, Options{Self: Identity{ID: "alice"}})

	message := bytes.Repeat([]byte("x"), 50)
	env, err := codec.EncryptFor(context.Background(), ScopeRoom, []string{"alice", "bob"}, message)
	if err != nil {
		t.Fatalf("EncryptFor failed: %v", err)
	}

	got, err := codec.Decrypt("bob", peers["bob"].private, env)
	if err != nil {
		t.Fatalf("bob decrypt failed: %v", err)
	}
	if !bytes.Equal(got, message) {
		t.Fatalf("bob recovered wrong plaintext")
	}

	if _, err := codec.Decrypt("mallory", peers["mallory"].private, env); !errors.Is(err, ErrNoKeyForRecipient) {
		t.Fatalf("expected ErrNoKeyForRecipient for third party, got %v", err)
	}
}

func TestEveryRecipientRecoversPlaintext(t *testing.T) {
	peers, dir := newPeers(t, "alice", "bob", "carol", "dave", "eve")
	codec := NewCodec(dir, Options{Self: Identity{ID: "alice"}})

	recipientSets := [][]string{
		{"bob"},
		{"bob", "carol"},
		{"carol", "dave", "bob"},
	}
	for _, recipients := range recipientSets {
		plaintext := []byte(fmt.Sprintf("hello %v", recipients))
		env, err := codec.EncryptFor(context.Background(), ScopeGroup, recipients, plaintext)
		if err != nil {
			t.Fatalf("EncryptFor(%v) failed: %v", recipients, err)
		}

		allowed := map[string]bool{"alice": true}
		for _, id := range recipients {
			allowed[id] = true
		}
		if len(env.Keys) != len(allowed) {
			t.Fatalf("expected %d wrapped keys, got %d", len(allowed), len(env.Keys))
		}

		for id, peer := range peers {
			got, err := codec.Decrypt(id, peer.private, env)
			if allowed[id] {
				if err != nil || !bytes.Equal(got, plaintext) {
					t.Fatalf("%s should decrypt %v: err=%v", id, recipients, err)
				}
				continue
			}
			if !errors.Is(err, ErrNoKeyForRecipient) {
				t.Fatalf("%s should not decrypt %v: err=%v", id, recipients, err)
			}
		}
	}
}

func TestDirectScopeUsesSingleWrappedKey(t *testing.T) {
	peers, dir := newPeers(t, "alice", "bob")
	codec := NewCodec(dir, Options{Self: Identity{ID: "alice"}})

	env, err := codec.EncryptFor(context.Background(), ScopeDirect, []string{"bob"}, []byte("psst"))
	if err != nil {
		t.Fatalf("EncryptFor failed: %v", err)
	}
	if env.Keys != nil || len(env.Key) == 0 {
		t.Fatalf("expected a single wrapped key for direct scope")
	}
	got, err := codec.Decrypt("bob", peers["bob"].private, env)
	if err != nil || string(got) != "psst" {
		t.Fatalf("direct decrypt failed: %v", err)
	}

	if _, err := codec.Decrypt("alice", peers["alice"].private, env); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for wrong private key, got %v", err)
	}
}

func TestEncryptTwiceNeverRepeats(t *testing.T) {
	_, dir := newPeers(t, "alice", "bob")
	codec := NewCodec(dir, Options{Self: Identity{ID: "alice"}})

	first, err := codec.EncryptFor(context.Background(), ScopeRoom, []string{"bob"}, []byte("same"))
	if err != nil {
		t.Fatalf("first EncryptFor failed: %v", err)
	}
	second, err := codec.EncryptFor(context.Background(), ScopeRoom, []string{"bob"}, []byte("same"))
	if err != nil {
		t.Fatalf("second EncryptFor failed: %v", err)
	}
	if bytes.Equal(first.IV, second.IV) {
		t.Fatalf("expected distinct IVs")
	}
	if bytes.Equal(first.Ciphertext, second.Ciphertext) {
		t.Fatalf("expected distinct ciphertexts")
	}
}

func TestMissingRecipientKeyListsIdentities(t *testing.T) {
	_, dir := newPeers(t, "alice", "bob")
	codec := NewCodec(dir, Options{Self: Identity{ID: "alice"}})

	_, err := codec.EncryptFor(context.Background(), ScopeRoom, []string{"bob", "zoe", "yan"}, []byte("hi"))
	var missing *MissingRecipientKeyError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingRecipientKeyError, got %v", err)
	}
	if !errors.Is(err, ErrMissingRecipientKey) {
		t.Fatalf("expected errors.Is ErrMissingRecipientKey")
	}
	if len(missing.IDs) != 2 || missing.IDs[0] != "yan" || missing.IDs[1] != "zoe" {
		t.Fatalf("unexpected missing IDs %v", missing.IDs)
	}
}

func TestCorruptedCiphertextReportsDecryptionFailed(t *testing.T) {
	peers, dir := newPeers(t, "alice", "bob")
	codec := NewCodec(dir, Options{Self: Identity{ID: "alice"}})

	env, _ := codec.EncryptFor(context.Background(), ScopeRoom, []string{"bob"}, []byte("payload"))
	env.Ciphertext[0] ^= 0xff
	if _, err := codec.Decrypt("bob", peers["bob"].private, env); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestVersionMismatchIsBadFormat(t *testing.T) {
	peers, dir := newPeers(t, "alice", "bob")
	codec := NewCodec(dir, Options{Self: Identity{ID: "alice"}})

	env, _ := codec.EncryptFor(context.Background(), ScopeRoom, []string{"bob"}, []byte("payload"))
	env.Version = 2
	if _, err := codec.Decrypt("bob", peers["bob"].private, env); !errors.Is(err, ErrBadEnvelopeFormat) {
		t.Fatalf("expected ErrBadEnvelopeFormat, got %v", err)
	}
	env.Version = Version
	env.Algorithm = "rsa-oaep"
	if _, err := codec.Decrypt("bob", peers["bob"].private, env); !errors.Is(err, ErrBadEnvelopeFormat) {
		t.Fatalf("expected ErrBadEnvelopeFormat for algorithm, got %v", err)
	}
}

func TestWireRoundTripBothKeyMaterialShapes(t *testing.T) {
	peers, dir := newPeers(t, "alice", "bob")
	codec := NewCodec(dir, Options{Self: Identity{ID: "alice"}})

	for _, scope := range []Scope{ScopeDirect, ScopeRoom} {
		env, err := codec.EncryptFor(context.Background(), scope, []string{"bob"}, []byte("wire"))
		if err != nil {
			t.Fatalf("EncryptFor(%s) failed: %v", scope, err)
		}
		raw, err := Marshal(env)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		opened, err := Open("bob", peers["bob"].private, raw)
		if err != nil {
			t.Fatalf("Open(%s) failed: %v", scope, err)
		}
		if opened.Insecure || string(opened.Plaintext) != "wire" {
			t.Fatalf("unexpected open result %+v", opened)
		}
	}

	if _, err := Unmarshal([]byte(`{"version":1,"keyMaterial":42}`)); !errors.Is(err, ErrBadEnvelopeFormat) {
		t.Fatalf("expected ErrBadEnvelopeFormat for numeric keyMaterial, got %v", err)
	}
}

func TestPlaintextFallbackIsPolicyGated(t *testing.T) {
	peers, dir := newPeers(t, "alice")
	codec := NewCodec(dir, Options{Self: Identity{ID: "alice"}})

	if _, err := codec.EncryptOrFallback(context.Background(), ScopeDirect, []string{"bob"}, []byte("hi")); !errors.Is(err, ErrMissingRecipientKey) {
		t.Fatalf("expected refusal without policy, got %v", err)
	}

	codec.SetPolicy(Policy{AllowPlaintextFallback: true})
	sealed, err := codec.EncryptOrFallback(context.Background(), ScopeDirect, []string{"bob"}, []byte("hi"))
	if err != nil {
		t.Fatalf("EncryptOrFallback failed: %v", err)
	}
	if !sealed.Degraded || !IsPlaintextFallback(sealed.Wire) {
		t.Fatalf("expected degraded tagged payload")
	}

	opened, err := Open("alice", peers["alice"].private, sealed.Wire)
	if err != nil {
		t.Fatalf("Open fallback failed: %v", err)
	}
	if !opened.Insecure || string(opened.Plaintext) != "hi" {
		t.Fatalf("unexpected fallback open result %+v", opened)
	}
}

func TestSelfKeySkipsDirectoryForSender(t *testing.T) {
	self, _ := appcrypto.GenerateIdentityKey()
	peers, dir := newPeers(t, "bob")
	codec := NewCodec(dir, Options{Self: Identity{ID: "alice", PublicKey: self.PublicKey()}})

	env, err := codec.EncryptFor(context.Background(), ScopeRoom, []string{"bob"}, []byte("history"))
	if err != nil {
		t.Fatalf("EncryptFor failed: %v", err)
	}
	if got, err := codec.Decrypt("alice", self, env); err != nil || string(got) != "history" {
		t.Fatalf("sender could not replay own history: %v", err)
	}
	if _, err := codec.Decrypt("bob", peers["bob"].private, env); err != nil {
		t.Fatalf("bob decrypt failed: %v", err)
	}
}
