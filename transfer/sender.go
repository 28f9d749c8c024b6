package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"securechat/network"
)

func (n *Negotiator) sendOverLink(s *Session, link Link, file File, hash string) error {
	total := int64(len(file.Data))
	meta, err := network.EncodeJSON(metaFrame{Name: file.Name, Mime: file.Mime, Size: total, Hash: hash})
	if err != nil {
		return err
	}
	if err := link.Send(network.LinkMessage{Kind: network.FrameMeta, Body: meta}); err != nil {
		return n.linkFailure(s, err)
	}

	for offset := 0; offset < len(file.Data); offset += n.options.ChunkSize {
		if err := n.waitForDrain(s, link); err != nil {
			return err
		}

		end := offset + n.options.ChunkSize
		if end > len(file.Data) {
			end = len(file.Data)
		}
		if err := link.Send(network.LinkMessage{Kind: network.FrameChunk, Body: file.Data[offset:end]}); err != nil {
			return n.linkFailure(s, err)
		}
		sent := s.addTransferred(end - offset)
		n.emitProgress(Progress{TransferID: s.ID, PeerID: s.PeerID, Direction: DirectionSend, Bytes: sent, Total: total})
	}

	done, err := network.EncodeJSON(doneFrame{Size: total})
	if err != nil {
		return err
	}
	if err := link.Send(network.LinkMessage{Kind: network.FrameDone, Body: done}); err != nil {
		return n.linkFailure(s, err)
	}
	if err := s.transition(StateFinalizing); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(s.ctx, n.options.TransferTimeout)
	defer cancel()
	for {
		message, err := link.Receive(ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return context.Cause(s.ctx)
			}
			if ctx.Err() != nil {
				return fmt.Errorf("%w: waited %s", ErrTransferTimeout, n.options.TransferTimeout)
			}
			return n.linkFailure(s, err)
		}

		switch message.Kind {
		case network.FrameAck:
			n.awaitPeerClose(s, link)
			return nil
		case network.FrameError:
			var body errorFrame
			_ = json.Unmarshal(message.Body, &body)
			return fmt.Errorf("%w: receiver rejected content: %s", ErrChannelError, body.Reason)
		default:
			n.log.Debug().Str("transfer_id", s.ID).Uint8("kind", message.Kind).Msg("ignoring unexpected frame while finalizing")
		}
	}
}

// awaitPeerClose gives the receiver a bounded window to drain its ack and
// close the link first, so the ack is never cut off mid-flush.
func (n *Negotiator) awaitPeerClose(s *Session, link Link) {
	ctx, cancel := context.WithTimeout(s.ctx, n.options.HandshakeTimeout)
	defer cancel()
	for {
		if _, err := link.Receive(ctx); err != nil {
			return
		}
	}
}

// waitForDrain blocks while the link holds more than the high-water mark.
func (n *Negotiator) waitForDrain(s *Session, link Link) error {
	if link.BufferedAmount() <= n.options.HighWaterMark {
		return nil
	}

	ticker := time.NewTicker(n.options.BackpressurePoll)
	defer ticker.Stop()
	for link.BufferedAmount() > n.options.HighWaterMark {
		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			return context.Cause(s.ctx)
		}
	}
	return nil
}

func (n *Negotiator) linkFailure(s *Session, err error) error {
	if s.ctx.Err() != nil {
		return context.Cause(s.ctx)
	}
	return fmt.Errorf("%w: %v", ErrChannelError, err)
}
