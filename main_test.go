package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"securechat/config"
	appcrypto "securechat/crypto"
	"securechat/envelope"
	"securechat/keydir"
	"securechat/models"
	"securechat/storage"
	"securechat/transfer"
)

func newTestClient(t *testing.T, id string) (*client, *bytes.Buffer, string) {
	t.Helper()
	key, err := appcrypto.GenerateIdentityKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded, err := appcrypto.EncodePublicKey(key.PublicKey())
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	out := &bytes.Buffer{}
	return &client{
		cfg:      &config.ClientConfig{ClientID: id},
		log:      zerolog.Nop(),
		out:      out,
		identity: key,
	}, out, encoded
}

func deliver(t *testing.T, c *client, from string, wire []byte) {
	t.Helper()
	raw, err := json.Marshal(inboundMessage{From: from, Payload: string(wire)})
	if err != nil {
		t.Fatalf("marshal inbound: %v", err)
	}
	c.handleMessage(raw)
}

func TestHandleMessageOpensEncryptedPayloads(t *testing.T) {
	bob, out, bobKey := newTestClient(t, "bob")
	alice, _, aliceKey := newTestClient(t, "alice")

	keys := map[string]string{"alice": aliceKey, "bob": bobKey}
	dir := keydir.New(keydir.FetcherFunc(func(_ context.Context, id string) (string, error) {
		return keys[id], nil
	}), nil, keydir.Options{})
	codec := envelope.NewCodec(dir, envelope.Options{
		Self: envelope.Identity{ID: "alice", PublicKey: alice.identity.PublicKey()},
	})

	seal := func(p models.Payload) []byte {
		raw, err := models.EncodePayload(p)
		if err != nil {
			t.Fatalf("encode payload: %v", err)
		}
		env, err := codec.EncryptFor(context.Background(), envelope.ScopeDirect, []string{"bob"}, raw)
		if err != nil {
			t.Fatalf("EncryptFor failed: %v", err)
		}
		wire, err := envelope.Marshal(env)
		if err != nil {
			t.Fatalf("marshal envelope: %v", err)
		}
		return wire
	}

	deliver(t, bob, "alice", seal(models.TextPayload("hello bob")))
	if got := out.String(); got != "[alice] hello bob\n" {
		t.Fatalf("unexpected text output %q", got)
	}

	out.Reset()
	deliver(t, bob, "alice", seal(models.FilePayload(models.FileReference{
		FileID: "file-1", Name: "notes.txt", Size: 42, ContentHash: "abc",
	})))
	if got := out.String(); !strings.Contains(got, `"notes.txt"`) || !strings.Contains(got, "securechat fetch file-1") {
		t.Fatalf("unexpected file reference output %q", got)
	}
}

func TestHandleMessageMarksPlaintextFallback(t *testing.T) {
	bob, out, _ := newTestClient(t, "bob")

	raw, err := models.EncodePayload(models.TextPayload("in the clear"))
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	deliver(t, bob, "legacy", envelope.WrapPlaintext(raw))
	if got := out.String(); got != "[legacy] (unencrypted) in the clear\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	bob, out, _ := newTestClient(t, "bob")
	bob.handleMessage(json.RawMessage(`{"from":`))
	deliver(t, bob, "mallory", []byte(`{"not":"an envelope"}`))
	if strings.Contains(out.String(), "an envelope") {
		t.Fatalf("garbage must not be printed as content: %q", out.String())
	}
}

func TestSaveDownloadPrefixesID(t *testing.T) {
	dir := t.TempDir()
	path, err := saveDownload(dir, "tx-1", "../../etc/passwd", []byte("data"))
	if err != nil {
		t.Fatalf("saveDownload failed: %v", err)
	}
	if path != filepath.Join(dir, "tx-1_passwd") {
		t.Fatalf("unexpected path %q", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil || string(raw) != "data" {
		t.Fatalf("unexpected file contents %q (%v)", raw, err)
	}
}

func TestReadFileDetectsMime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.HTML")
	if err := os.WriteFile(path, []byte("<p>hi</p>"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	file, err := readFile(path)
	if err != nil {
		t.Fatalf("readFile failed: %v", err)
	}
	if file.Name != "page.HTML" || !strings.HasPrefix(file.Mime, "text/html") {
		t.Fatalf("unexpected file %+v", file)
	}
	if _, err := readFile(dir); err == nil {
		t.Fatalf("expected directories to be rejected")
	}
}

func TestPrintHistory(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "securechat.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer store.Close()

	if err := store.RecordTransfer(transfer.Record{
		TransferID:     "tx-1",
		PeerID:         "bob",
		Role:           transfer.RoleInitiator,
		State:          transfer.StateFailed,
		Name:           "report.pdf",
		Size:           2048,
		FallbackFileID: "file-9",
		FinishedAt:     time.Now(),
	}); err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}
	if err := store.RecordKeyChange("bob", "AAAA", "BBBB"); err != nil {
		t.Fatalf("RecordKeyChange failed: %v", err)
	}

	var out bytes.Buffer
	if err := printHistory(&out, store, "bob", 10); err != nil {
		t.Fatalf("printHistory failed: %v", err)
	}
	for _, want := range []string{"report.pdf", "relay file-9", storage.SecurityEventKeyChanged} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in history output:\n%s", want, out.String())
		}
	}
}

func TestKeyFingerprint(t *testing.T) {
	_, _, encoded := newTestClient(t, "x")
	if got := keyFingerprint(encoded); got == "unparseable" || got == "" {
		t.Fatalf("expected a fingerprint, got %q", got)
	}
	if got := keyFingerprint("not-a-key"); got != "unparseable" {
		t.Fatalf("expected unparseable, got %q", got)
	}
}

func TestKeysInitCreatesIdentityKey(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv(config.DataDirEnv, dataDir)

	cmd := newKeysInitCmd(func() zerolog.Logger { return zerolog.Nop() })
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("keys init failed: %v", err)
	}

	cfg, err := config.Load(dataDir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := os.Stat(cfg.IdentityKeyPath); err != nil {
		t.Fatalf("expected identity key at %s: %v", cfg.IdentityKeyPath, err)
	}
}
