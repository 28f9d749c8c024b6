package keydir

import (
	"context"
	"errors"
	"fmt"

	"securechat/network"
)

// Channel events served by the key server.
const (
	GetKeyEvent     = "keys:get"
	PublishKeyEvent = "keys:publish"
)

// Requester issues acknowledged requests over the authenticated channel.
type Requester interface {
	Request(ctx context.Context, event string, payload any, reply any) error
}

type keyRequest struct {
	RecipientID string `json:"recipientId"`
}

type keyReply struct {
	PublicKey string `json:"publicKey"`
}

type publishRequest struct {
	PublicKey string `json:"publicKey"`
}

// ChannelFetcher asks the server for a recipient's key over the channel.
type ChannelFetcher struct {
	Requester Requester
}

// FetchPublicKey implements Fetcher. A 404 ack or an empty key maps to ErrKeyNotFound.
func (f ChannelFetcher) FetchPublicKey(ctx context.Context, recipientID string) (string, error) {
	var reply keyReply
	err := f.Requester.Request(ctx, GetKeyEvent, keyRequest{RecipientID: recipientID}, &reply)
	if err != nil {
		var ackErr *network.AckError
		if errors.As(err, &ackErr) && ackErr.Code == 404 {
			return "", fmt.Errorf("%w: %s", ErrKeyNotFound, recipientID)
		}
		return "", fmt.Errorf("fetch key for %s: %w", recipientID, err)
	}
	if reply.PublicKey == "" {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, recipientID)
	}
	return reply.PublicKey, nil
}

// PublishKey uploads the local identity's public key.
func PublishKey(ctx context.Context, requester Requester, encodedKey string) error {
	if encodedKey == "" {
		return errors.New("keydir: empty public key")
	}
	if err := requester.Request(ctx, PublishKeyEvent, publishRequest{PublicKey: encodedKey}, nil); err != nil {
		return fmt.Errorf("publish key: %w", err)
	}
	return nil
}
