package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	appcrypto "securechat/crypto"
	"securechat/network"
)

func (n *Negotiator) handleOffer(raw json.RawMessage) {
	var offer offerMessage
	if !decodeSignal(raw, &offer) || offer.TransferID == "" || offer.From == "" || offer.Size < 0 {
		n.log.Debug().Msg("dropping malformed transfer offer")
		return
	}
	if offer.To != "" && offer.To != n.options.LocalID {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx.Err() != nil {
		return
	}
	if _, exists := n.sessions[offer.TransferID]; exists {
		n.log.Debug().Str("transfer_id", offer.TransferID).Msg("ignoring duplicate offer for live session")
		return
	}
	seen, err := n.options.Seen.HasSeenID(offer.TransferID)
	if err != nil {
		n.log.Warn().Err(err).Str("transfer_id", offer.TransferID).Msg("check seen offer")
		return
	}
	if seen {
		n.log.Debug().Str("transfer_id", offer.TransferID).Msg("ignoring replayed offer")
		return
	}
	if err := n.options.Seen.InsertSeenID(offer.TransferID, time.Now().Unix()); err != nil {
		n.log.Warn().Err(err).Str("transfer_id", offer.TransferID).Msg("remember offer")
	}

	session := newSession(n.ctx, offer.TransferID, RoleResponder, offer.From, offer.Size)
	session.Name = offer.Name
	n.sessions[session.ID] = session

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		err := n.runResponder(session, offer)
		n.finish(session, err)
	}()
}

func (n *Negotiator) handleAnswer(raw json.RawMessage) {
	var answer answerMessage
	if !decodeSignal(raw, &answer) {
		return
	}
	session, ok := n.peerSession(answer.TransferID, answer.From, RoleInitiator)
	if !ok {
		return
	}
	select {
	case session.signals <- signal{kind: signalAnswer, linkKey: answer.LinkKey}:
	default:
	}
}

func (n *Negotiator) handleDecline(raw json.RawMessage) {
	var decline declineMessage
	if !decodeSignal(raw, &decline) {
		return
	}
	session, ok := n.peerSession(decline.TransferID, decline.From, RoleInitiator)
	if !ok {
		return
	}
	select {
	case session.signals <- signal{kind: signalDecline, reason: decline.Reason}:
	default:
	}
}

func (n *Negotiator) handleCandidate(raw json.RawMessage) {
	var candidate candidateMessage
	if !decodeSignal(raw, &candidate) || candidate.Address == "" {
		return
	}
	session, ok := n.peerSession(candidate.TransferID, candidate.From, RoleResponder)
	if !ok {
		return
	}
	select {
	case session.candidates <- candidate.Address:
	default:
		n.log.Debug().Str("transfer_id", session.ID).Msg("candidate queue full")
	}
}

func (n *Negotiator) handleCancel(raw json.RawMessage) {
	var message cancelMessage
	if !decodeSignal(raw, &message) {
		return
	}
	session, ok := n.peerSession(message.TransferID, message.From, "")
	if !ok {
		return
	}
	session.cancel(fmt.Errorf("%w: peer canceled (%s)", ErrPeerUnreachable, message.Reason))
}

// peerSession finds a live session that belongs to from. An empty role matches either side.
func (n *Negotiator) peerSession(transferID, from string, role Role) (*Session, bool) {
	session, ok := n.Session(transferID)
	if !ok || session.PeerID != from {
		return nil, false
	}
	if role != "" && session.Role != role {
		return nil, false
	}
	return session, true
}

func (n *Negotiator) runResponder(s *Session, offer offerMessage) error {
	if err := s.transition(StateOffering); err != nil {
		return err
	}
	if err := s.transition(StateAwaitingAnswer); err != nil {
		return err
	}

	accepted, err := n.decide(s, IncomingOffer{
		TransferID: offer.TransferID,
		PeerID:     offer.From,
		Name:       offer.Name,
		Mime:       offer.Mime,
		Size:       offer.Size,
		Hash:       offer.Hash,
	})
	if err != nil {
		return err
	}
	if !accepted {
		n.notifyPeer(s, EventDecline, declineMessage{
			TransferID: s.ID,
			From:       n.options.LocalID,
			To:         s.PeerID,
			Reason:     "declined",
		})
		return fmt.Errorf("%w: declined locally", ErrPeerDeclined)
	}

	private, public, err := appcrypto.GenerateEphemeralKeyPair()
	if err != nil {
		return err
	}
	linkKey, err := deriveLinkKey(private, offer.LinkKey, s.ID)
	if err != nil {
		return err
	}
	if err := n.options.Signaler.Emit(s.ctx, EventAnswer, answerMessage{
		TransferID: s.ID,
		From:       n.options.LocalID,
		To:         s.PeerID,
		LinkKey:    base64.StdEncoding.EncodeToString(public.Bytes()),
	}); err != nil {
		return n.linkFailure(s, err)
	}
	if err := s.transition(StateChannelOpening); err != nil {
		return err
	}

	link, err := n.dialCandidates(s, linkKey)
	if err != nil {
		return err
	}
	s.setLink(link)
	if err := s.transition(StateTransferring); err != nil {
		return err
	}
	return n.receiveOverLink(s, link, offer)
}

// decide asks the local user about an offer. An undecided offer past the
// accept timeout is withdrawn with a cancel so the sender falls back.
func (n *Negotiator) decide(s *Session, offer IncomingOffer) (bool, error) {
	if n.options.Decide == nil {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(s.ctx, n.options.AcceptTimeout)
	defer cancel()

	decision := make(chan bool, 1)
	go func() {
		decision <- n.options.Decide(ctx, offer)
	}()

	var accepted bool
	select {
	case accepted = <-decision:
	case <-ctx.Done():
	}
	if s.ctx.Err() != nil {
		return false, context.Cause(s.ctx)
	}
	if ctx.Err() != nil {
		n.notifyPeer(s, EventCancel, cancelMessage{
			TransferID: s.ID,
			From:       n.options.LocalID,
			To:         s.PeerID,
			Reason:     "no_decision",
		})
		return false, fmt.Errorf("%w: no decision within %s", ErrHandshakeTimeout, n.options.AcceptTimeout)
	}
	return accepted, nil
}

func (n *Negotiator) notifyPeer(s *Session, event string, payload any) {
	ctx, cancel := context.WithTimeout(n.ctx, n.options.HandshakeTimeout)
	defer cancel()
	if err := n.options.Signaler.Emit(ctx, event, payload); err != nil {
		n.log.Debug().Err(err).Str("transfer_id", s.ID).Str("event", event).Msg("notify peer")
	}
}

// dialCandidates tries signaled and discovered addresses until one link opens.
func (n *Negotiator) dialCandidates(s *Session, linkKey []byte) (Link, error) {
	ctx, cancel := context.WithTimeout(s.ctx, n.options.HandshakeTimeout)
	defer cancel()

	var discovered chan string
	if n.options.Resolver != nil {
		discovered = make(chan string, 8)
		go func() {
			addresses, err := n.options.Resolver.Lookup(ctx, s.PeerID)
			if err != nil {
				n.log.Debug().Err(err).Str("transfer_id", s.ID).Msg("candidate lookup")
				return
			}
			for _, address := range addresses {
				select {
				case discovered <- address:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	tried := make(map[string]bool)
	var lastErr error
	for {
		var address string
		select {
		case address = <-s.candidates:
		case address = <-discovered:
		case <-ctx.Done():
			if s.ctx.Err() != nil {
				return nil, context.Cause(s.ctx)
			}
			if lastErr != nil {
				return nil, fmt.Errorf("%w: no candidate reachable: %v", ErrHandshakeTimeout, lastErr)
			}
			return nil, fmt.Errorf("%w: no candidate within %s", ErrHandshakeTimeout, n.options.HandshakeTimeout)
		}
		if tried[address] {
			continue
		}
		tried[address] = true

		link, err := n.options.Links.Dial(ctx, address, s.ID, linkKey)
		if err != nil {
			lastErr = err
			n.log.Debug().Err(err).Str("transfer_id", s.ID).Str("address", address).Msg("candidate dial failed")
			continue
		}
		return link, nil
	}
}

func (n *Negotiator) receiveOverLink(s *Session, link Link, offer offerMessage) error {
	watchdog := n.options.HandshakeTimeout * time.Duration(n.options.WatchdogMultiplier)
	gotMeta := false

	for {
		ctx, cancel := context.WithTimeout(s.ctx, watchdog)
		message, err := link.Receive(ctx)
		timedOut := ctx.Err() != nil
		cancel()
		if err != nil {
			if s.ctx.Err() != nil {
				return context.Cause(s.ctx)
			}
			if timedOut {
				return fmt.Errorf("%w: nothing received for %s", ErrSenderUnresponsive, watchdog)
			}
			return n.linkFailure(s, err)
		}

		switch message.Kind {
		case network.FrameMeta:
			var meta metaFrame
			if err := json.Unmarshal(message.Body, &meta); err != nil || meta.Size != offer.Size || meta.Hash != offer.Hash {
				return n.rejectContent(s, link, "metadata does not match offer")
			}
			gotMeta = true

		case network.FrameChunk:
			if !gotMeta {
				return n.rejectContent(s, link, "chunk before metadata")
			}
			received, err := s.appendChunk(message.Body)
			if err != nil {
				return n.rejectContent(s, link, err.Error())
			}
			n.emitProgress(Progress{TransferID: s.ID, PeerID: s.PeerID, Direction: DirectionReceive, Bytes: received, Total: offer.Size})

		case network.FrameDone:
			var done doneFrame
			if err := json.Unmarshal(message.Body, &done); err != nil {
				return n.rejectContent(s, link, "malformed done frame")
			}
			received, expected := s.Progress()
			if !gotMeta || done.Size != expected || received != expected {
				return n.rejectContent(s, link, fmt.Sprintf("received %d of %d bytes", received, expected))
			}
			if err := s.transition(StateFinalizing); err != nil {
				return err
			}

			data := s.assemble()
			if appcrypto.ContentHash(data) != offer.Hash {
				return n.rejectContent(s, link, "content hash mismatch")
			}
			if err := link.Send(network.LinkMessage{Kind: network.FrameAck}); err != nil {
				return n.linkFailure(s, err)
			}
			// The content is verified and acknowledged; a sender that closes
			// the link before the ack drains has already seen it or timed out.
			flushCtx, cancelFlush := context.WithTimeout(s.ctx, n.options.HandshakeTimeout)
			if err := link.Flush(flushCtx); err != nil {
				n.log.Debug().Err(err).Str("transfer_id", s.ID).Msg("link closed while flushing ack")
			}
			cancelFlush()

			if n.options.OnFileReceived != nil {
				n.options.OnFileReceived(ReceivedFile{
					TransferID: s.ID,
					PeerID:     s.PeerID,
					Name:       offer.Name,
					Mime:       offer.Mime,
					Hash:       offer.Hash,
					Data:       data,
				})
			}
			return nil

		case network.FrameError:
			var body errorFrame
			_ = json.Unmarshal(message.Body, &body)
			return fmt.Errorf("%w: sender aborted: %s", ErrChannelError, body.Reason)
		}
	}
}

// rejectContent tells the sender why its content was refused and fails the session.
func (n *Negotiator) rejectContent(s *Session, link Link, reason string) error {
	body, err := network.EncodeJSON(errorFrame{Reason: reason})
	if err == nil {
		if sendErr := link.Send(network.LinkMessage{Kind: network.FrameError, Body: body}); sendErr == nil {
			ctx, cancel := context.WithTimeout(s.ctx, n.options.HandshakeTimeout)
			_ = link.Flush(ctx)
			cancel()
		}
	}
	return fmt.Errorf("%w: %s", ErrIntegrity, reason)
}
