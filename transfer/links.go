package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"securechat/discovery"
	"securechat/network"
)

// Link is an ordered, reliable, encrypted byte link to the peer.
type Link interface {
	Send(message network.LinkMessage) error
	Receive(ctx context.Context) (network.LinkMessage, error)
	BufferedAmount() int
	Flush(ctx context.Context) error
	Close() error
}

// Acceptance is a registration for one inbound link.
type Acceptance struct {
	// Candidates are the local addresses to trickle to the peer.
	Candidates []string
	Links      <-chan Link
	Cancel     func()
}

// Links opens peer links for transfers.
type Links interface {
	Accept(transferID string, linkKey []byte) (Acceptance, error)
	Dial(ctx context.Context, address, transferID string, linkKey []byte) (Link, error)
}

// CandidateResolver supplies extra candidates for a peer, e.g. from mDNS.
type CandidateResolver interface {
	Lookup(ctx context.Context, clientID string) ([]string, error)
}

// NetworkLinks serves links from a TCP link listener.
type NetworkLinks struct {
	Listener *network.LinkListener
	// Hosts overrides interface enumeration for host candidates.
	Hosts  []string
	Logger zerolog.Logger
}

// Accept registers transferID on the listener and returns host candidates.
func (n *NetworkLinks) Accept(transferID string, linkKey []byte) (Acceptance, error) {
	if n.Listener == nil {
		return Acceptance{}, errors.New("transfer: no link listener")
	}
	candidates, err := discovery.HostCandidates(n.Hosts, n.Listener.Port())
	if err != nil {
		return Acceptance{}, fmt.Errorf("host candidates: %w", err)
	}

	inbound, cancelExpect := n.Listener.Expect(transferID, linkKey)
	out := make(chan Link, 1)
	done := make(chan struct{})
	go func() {
		select {
		case link, ok := <-inbound:
			if ok && link != nil {
				out <- link
			}
		case <-done:
		}

		// A link nobody took before cancel is closed here.
		<-done
		select {
		case link := <-out:
			_ = link.Close()
		default:
		}
		select {
		case link, ok := <-inbound:
			if ok && link != nil {
				_ = link.Close()
			}
		default:
		}
	}()

	var once sync.Once
	return Acceptance{
		Candidates: candidates,
		Links:      out,
		Cancel: func() {
			once.Do(func() {
				cancelExpect()
				close(done)
			})
		},
	}, nil
}

// Dial connects to one candidate address.
func (n *NetworkLinks) Dial(ctx context.Context, address, transferID string, linkKey []byte) (Link, error) {
	link, err := network.DialLink(ctx, address, linkKey, network.LinkOptions{
		TransferID: transferID,
		Logger:     n.Logger,
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}
