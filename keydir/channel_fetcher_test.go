package keydir

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"securechat/network"
)

type fakeRequester struct {
	keys      map[string]string
	published []string
	err       error
}

func (r *fakeRequester) Request(_ context.Context, event string, payload any, reply any) error {
	if r.err != nil {
		return r.err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	switch event {
	case GetKeyEvent:
		var req keyRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		key, ok := r.keys[req.RecipientID]
		if !ok {
			return &network.AckError{Event: event, Code: 404, Message: "unknown recipient"}
		}
		reply.(*keyReply).PublicKey = key
	case PublishKeyEvent:
		var req publishRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		r.published = append(r.published, req.PublicKey)
	}
	return nil
}

func TestChannelFetcherBacksDirectory(t *testing.T) {
	key := encodedKey(t)
	requester := &fakeRequester{keys: map[string]string{"bob": key, "ghost": ""}}
	dir := New(ChannelFetcher{Requester: requester}, nil, Options{TTL: time.Minute})

	if _, err := dir.Lookup(context.Background(), "bob", false); err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if _, err := dir.Lookup(context.Background(), "ghost", false); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound for empty key, got %v", err)
	}
	if _, err := dir.Lookup(context.Background(), "carol", false); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound for 404 ack, got %v", err)
	}
}

func TestChannelFetcherPassesTransportErrors(t *testing.T) {
	requester := &fakeRequester{err: network.ErrNotConnected}
	_, err := ChannelFetcher{Requester: requester}.FetchPublicKey(context.Background(), "bob")
	if !errors.Is(err, network.ErrNotConnected) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("transport failure must not look like a missing key")
	}
}

func TestPublishKey(t *testing.T) {
	requester := &fakeRequester{}
	if err := PublishKey(context.Background(), requester, ""); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
	if err := PublishKey(context.Background(), requester, "abc"); err != nil {
		t.Fatalf("PublishKey failed: %v", err)
	}
	if len(requester.published) != 1 || requester.published[0] != "abc" {
		t.Fatalf("unexpected published keys %v", requester.published)
	}
}
