package keydir

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appcrypto "securechat/crypto"
)

type countingFetcher struct {
	mu    sync.Mutex
	keys  map[string]string
	calls atomic.Int32
	fail  map[string]error
}

func (f *countingFetcher) FetchPublicKey(_ context.Context, id string) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return "", err
	}
	return f.keys[id], nil
}

func (f *countingFetcher) set(id, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[id] = key
}

func encodedKey(t *testing.T) string {
	t.Helper()
	privateKey, err := appcrypto.GenerateIdentityKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded, err := appcrypto.EncodePublicKey(privateKey.PublicKey())
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	return encoded
}

func TestLookupCachesUntilTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	fetcher := &countingFetcher{keys: map[string]string{"bob": encodedKey(t)}}
	dir := New(fetcher, nil, Options{TTL: time.Minute, Now: func() time.Time { return now }})

	for i := 0; i < 3; i++ {
		if _, err := dir.Lookup(context.Background(), "bob", false); err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected 1 fetch while fresh, got %d", got)
	}

	now = now.Add(time.Minute)
	if _, err := dir.Lookup(context.Background(), "bob", false); err != nil {
		t.Fatalf("Lookup after TTL failed: %v", err)
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Fatalf("expected refetch after TTL, got %d fetches", got)
	}
}

func TestForcedRefreshPicksUpRotatedKey(t *testing.T) {
	fetcher := &countingFetcher{keys: map[string]string{"bob": encodedKey(t)}}
	dir := New(fetcher, nil, Options{})

	first, err := dir.Lookup(context.Background(), "bob", false)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	fetcher.set("bob", encodedKey(t))
	cached, _ := dir.Lookup(context.Background(), "bob", false)
	if !cached.Equal(first) {
		t.Fatalf("expected cached key before forced refresh")
	}

	rotated, err := dir.Lookup(context.Background(), "bob", true)
	if err != nil {
		t.Fatalf("forced Lookup failed: %v", err)
	}
	if rotated.Equal(first) {
		t.Fatalf("expected rotated key after forced refresh")
	}
}

func TestFailuresAreNotCached(t *testing.T) {
	boom := errors.New("lookup unavailable")
	fetcher := &countingFetcher{keys: map[string]string{}, fail: map[string]error{"carol": boom}}
	dir := New(fetcher, nil, Options{})

	if _, err := dir.Lookup(context.Background(), "carol", false); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}

	fetcher.mu.Lock()
	delete(fetcher.fail, "carol")
	fetcher.mu.Unlock()
	fetcher.set("carol", encodedKey(t))

	if _, err := dir.Lookup(context.Background(), "carol", false); err != nil {
		t.Fatalf("expected recovery after failure, got %v", err)
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Fatalf("expected 2 fetches, got %d", got)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	fetcher := &countingFetcher{keys: map[string]string{"bob": encodedKey(t)}}
	dir := New(fetcher, nil, Options{})

	_, _ = dir.Lookup(context.Background(), "bob", false)
	if err := dir.Invalidate("bob"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	_, _ = dir.Lookup(context.Background(), "bob", false)
	if got := fetcher.calls.Load(); got != 2 {
		t.Fatalf("expected refetch after invalidation, got %d fetches", got)
	}
}

func TestResolveAllReportsMissing(t *testing.T) {
	fetcher := &countingFetcher{keys: map[string]string{
		"alice": encodedKey(t),
		"bob":   encodedKey(t),
	}}
	dir := New(fetcher, nil, Options{})

	keys, missing, err := dir.ResolveAll(context.Background(), []string{"alice", "zed", "bob", "eve"}, false)
	if err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 resolved keys, got %d", len(keys))
	}
	if len(missing) != 2 || missing[0] != "eve" || missing[1] != "zed" {
		t.Fatalf("unexpected missing list %v", missing)
	}
}

func TestKeyChangeIsReported(t *testing.T) {
	original := encodedKey(t)
	fetcher := &countingFetcher{keys: map[string]string{"bob": original}}

	var changes []string
	dir := New(fetcher, nil, Options{OnKeyChanged: func(id, previous, current string) {
		if previous != original {
			t.Errorf("unexpected previous key for %s", id)
		}
		changes = append(changes, id)
	}})

	if _, err := dir.Lookup(context.Background(), "bob", false); err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if _, err := dir.Lookup(context.Background(), "bob", true); err != nil {
		t.Fatalf("forced Lookup failed: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("refetching the same key must not report a change")
	}

	fetcher.set("bob", encodedKey(t))
	if _, err := dir.Lookup(context.Background(), "bob", true); err != nil {
		t.Fatalf("forced Lookup failed: %v", err)
	}
	if len(changes) != 1 || changes[0] != "bob" {
		t.Fatalf("expected one change for bob, got %v", changes)
	}
}
