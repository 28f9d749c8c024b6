// Package transfer negotiates direct peer-to-peer file transfers over a
// signaling channel and falls back to the store-and-forward path when the
// direct attempt fails for any reason other than an explicit decline.
package transfer

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appcrypto "securechat/crypto"
	"securechat/network"
)

const (
	DefaultChunkSize          = 16 * 1024
	DefaultHighWaterMark      = 1024 * 1024
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultAcceptTimeout      = 60 * time.Second
	DefaultTransferTimeout    = 30 * time.Second
	DefaultWatchdogMultiplier = 3
	DefaultBackpressurePoll   = 10 * time.Millisecond
)

// File is an outbound file held in memory.
type File struct {
	Name string
	Mime string
	Data []byte
}

// IncomingOffer is what the accept/decline decision sees.
type IncomingOffer struct {
	TransferID string
	PeerID     string
	Name       string
	Mime       string
	Size       int64
	Hash       string
}

// ReceivedFile is a completed, hash-verified inbound transfer.
type ReceivedFile struct {
	TransferID string
	PeerID     string
	Name       string
	Mime       string
	Hash       string
	Data       []byte
}

// Direction of a progress update.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Progress reports bytes moved on a direct link.
type Progress struct {
	TransferID string
	PeerID     string
	Direction  Direction
	Bytes      int64
	Total      int64
}

// Result describes how SendFile delivered a file.
type Result struct {
	TransferID     string
	Direct         bool
	FallbackFileID string
}

// FallbackUploader stores a file for later retrieval by the peer.
type FallbackUploader interface {
	UploadFile(ctx context.Context, peerID string, file File) (string, error)
}

// Record is one finished transfer attempt.
type Record struct {
	TransferID     string
	PeerID         string
	Role           Role
	State          State
	Name           string
	Size           int64
	Error          string
	FallbackFileID string
	FinishedAt     time.Time
}

// History persists finished transfers.
type History interface {
	RecordTransfer(record Record) error
}

// SeenStore remembers offer ids so a replayed offer is ignored even after
// its session ended.
type SeenStore interface {
	HasSeenID(id string) (bool, error)
	InsertSeenID(id string, receivedAt int64) error
}

// Options configures a Negotiator.
type Options struct {
	LocalID  string
	Signaler Signaler
	Links    Links
	Resolver CandidateResolver
	Fallback FallbackUploader
	History  History
	Seen     SeenStore

	// Decide is asked to accept or decline an incoming offer. A nil Decide declines everything.
	Decide         func(ctx context.Context, offer IncomingOffer) bool
	OnFileReceived func(file ReceivedFile)
	OnProgress     func(progress Progress)

	ChunkSize          int
	HighWaterMark      int
	HandshakeTimeout   time.Duration
	AcceptTimeout      time.Duration
	TransferTimeout    time.Duration
	WatchdogMultiplier int
	BackpressurePoll   time.Duration

	Logger zerolog.Logger
}

// Negotiator owns every transfer session of the local identity.
type Negotiator struct {
	options Options
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	unsubscribe []func()

	ctx       context.Context
	cancel    context.CancelCauseFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewNegotiator validates options, applies defaults and subscribes to signaling events.
func NewNegotiator(options Options) (*Negotiator, error) {
	if options.LocalID == "" {
		return nil, errors.New("transfer: local ID is required")
	}
	if options.Signaler == nil {
		return nil, errors.New("transfer: signaler is required")
	}
	if options.Links == nil {
		return nil, errors.New("transfer: links are required")
	}
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.ChunkSize > network.MaxFrameSize/2 {
		return nil, fmt.Errorf("transfer: chunk size %d exceeds frame limit", options.ChunkSize)
	}
	if options.HighWaterMark <= 0 {
		options.HighWaterMark = DefaultHighWaterMark
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if options.AcceptTimeout <= 0 {
		options.AcceptTimeout = DefaultAcceptTimeout
	}
	if options.TransferTimeout <= 0 {
		options.TransferTimeout = DefaultTransferTimeout
	}
	if options.WatchdogMultiplier <= 0 {
		options.WatchdogMultiplier = DefaultWatchdogMultiplier
	}
	if options.BackpressurePoll <= 0 {
		options.BackpressurePoll = DefaultBackpressurePoll
	}
	if options.Seen == nil {
		options.Seen = newMemorySeen()
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	n := &Negotiator{
		options:  options,
		log:      options.Logger.With().Str("component", "transfer").Logger(),
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}

	n.unsubscribe = []func(){
		options.Signaler.On(EventOffer, n.handleOffer),
		options.Signaler.On(EventAnswer, n.handleAnswer),
		options.Signaler.On(EventDecline, n.handleDecline),
		options.Signaler.On(EventCandidate, n.handleCandidate),
		options.Signaler.On(EventCancel, n.handleCancel),
	}
	return n, nil
}

// Close cancels every live session and stops listening for signaling events.
func (n *Negotiator) Close() {
	n.closeOnce.Do(func() {
		for _, unsubscribe := range n.unsubscribe {
			unsubscribe()
		}
		n.cancel(ErrCanceled)

		n.mu.Lock()
		live := make([]*Session, 0, len(n.sessions))
		for _, session := range n.sessions {
			live = append(live, session)
		}
		n.mu.Unlock()
		for _, session := range live {
			n.finish(session, ErrCanceled)
		}
		n.wg.Wait()
	})
}

// Session returns a live session by id.
func (n *Negotiator) Session(transferID string) (*Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	session, ok := n.sessions[transferID]
	return session, ok
}

// SendFile attempts a direct transfer and falls back to the upload path on
// any failure other than an explicit decline or a local cancel.
func (n *Negotiator) SendFile(ctx context.Context, peerID string, file File) (Result, error) {
	transferID, err := n.Offer(ctx, peerID, file)
	result := Result{TransferID: transferID}
	if err == nil {
		result.Direct = true
		return result, nil
	}
	if !ShouldFallback(err) || n.options.Fallback == nil || transferID == "" {
		return result, err
	}

	n.log.Info().Err(err).Str("transfer_id", transferID).Str("peer", peerID).Msg("direct transfer failed, using fallback upload")
	fileID, uploadErr := n.options.Fallback.UploadFile(ctx, peerID, file)
	if uploadErr != nil {
		return result, fmt.Errorf("fallback after %v: %w", err, uploadErr)
	}
	result.FallbackFileID = fileID

	if n.options.History != nil {
		if err := n.options.History.RecordTransfer(Record{
			TransferID:     transferID,
			PeerID:         peerID,
			Role:           RoleInitiator,
			State:          StateFailed,
			Name:           file.Name,
			Size:           int64(len(file.Data)),
			Error:          err.Error(),
			FallbackFileID: fileID,
			FinishedAt:     time.Now(),
		}); err != nil {
			n.log.Warn().Err(err).Str("transfer_id", transferID).Msg("record fallback reference")
		}
	}
	return result, nil
}

// Offer runs one direct transfer attempt to completion. It returns the
// transfer id, and the terminal error when the session did not close cleanly.
func (n *Negotiator) Offer(ctx context.Context, peerID string, file File) (string, error) {
	if peerID == "" || peerID == n.options.LocalID {
		return "", fmt.Errorf("transfer: invalid peer %q", peerID)
	}

	session := newSession(n.ctx, uuid.NewString(), RoleInitiator, peerID, int64(len(file.Data)))
	session.Name = file.Name
	n.mu.Lock()
	n.sessions[session.ID] = session
	n.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		session.cancel(fmt.Errorf("%w: %v", ErrCanceled, ctx.Err()))
	})
	defer stop()

	err := n.runInitiator(session, file)
	return session.ID, n.finish(session, err)
}

// Cancel tears a session down synchronously, e.g. when its owning view closes,
// and tells the peer. It reports whether the session existed.
func (n *Negotiator) Cancel(transferID string) bool {
	session, ok := n.Session(transferID)
	if !ok {
		return false
	}

	n.finish(session, ErrCanceled)

	ctx, cancel := context.WithTimeout(n.ctx, n.options.HandshakeTimeout)
	defer cancel()
	if err := n.options.Signaler.Emit(ctx, EventCancel, cancelMessage{
		TransferID: session.ID,
		From:       n.options.LocalID,
		To:         session.PeerID,
		Reason:     "canceled",
	}); err != nil {
		n.log.Debug().Err(err).Str("transfer_id", transferID).Msg("notify peer of cancel")
	}
	return true
}

func (n *Negotiator) runInitiator(s *Session, file File) error {
	if err := s.transition(StateOffering); err != nil {
		return err
	}

	private, public, err := appcrypto.GenerateEphemeralKeyPair()
	if err != nil {
		return err
	}
	hash := appcrypto.ContentHash(file.Data)
	offer := offerMessage{
		TransferID: s.ID,
		From:       n.options.LocalID,
		To:         s.PeerID,
		Name:       file.Name,
		Mime:       file.Mime,
		Size:       int64(len(file.Data)),
		Hash:       hash,
		LinkKey:    base64.StdEncoding.EncodeToString(public.Bytes()),
	}

	ackCtx, cancel := context.WithTimeout(s.ctx, n.options.HandshakeTimeout)
	var ack offerAck
	err = n.options.Signaler.Request(ackCtx, EventOffer, offer, &ack)
	cancel()
	if err != nil {
		if s.ctx.Err() != nil {
			return context.Cause(s.ctx)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, network.ErrAckTimeout) {
			return fmt.Errorf("%w: offer not acknowledged: %v", ErrPeerUnreachable, err)
		}
		return fmt.Errorf("%w: send offer: %v", ErrChannelError, err)
	}
	if ack.Status != DeliveryDelivered {
		return fmt.Errorf("%w: relay reported %q", ErrPeerUnreachable, ack.Status)
	}

	if err := s.transition(StateAwaitingAnswer); err != nil {
		return err
	}
	answer, err := n.awaitAnswer(s)
	if err != nil {
		return err
	}

	linkKey, err := deriveLinkKey(private, answer.linkKey, s.ID)
	if err != nil {
		return err
	}
	acceptance, err := n.options.Links.Accept(s.ID, linkKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelError, err)
	}
	defer acceptance.Cancel()

	if err := s.transition(StateChannelOpening); err != nil {
		return err
	}
	for _, address := range acceptance.Candidates {
		if err := n.options.Signaler.Emit(s.ctx, EventCandidate, candidateMessage{
			TransferID: s.ID,
			From:       n.options.LocalID,
			To:         s.PeerID,
			Address:    address,
		}); err != nil {
			if s.ctx.Err() != nil {
				return context.Cause(s.ctx)
			}
			return fmt.Errorf("%w: send candidate: %v", ErrChannelError, err)
		}
	}

	link, err := n.awaitLink(s, acceptance)
	if err != nil {
		return err
	}
	s.setLink(link)
	if err := s.transition(StateTransferring); err != nil {
		return err
	}

	return n.sendOverLink(s, link, file, hash)
}

func (n *Negotiator) awaitAnswer(s *Session) (signal, error) {
	timer := time.NewTimer(n.options.AcceptTimeout)
	defer timer.Stop()

	select {
	case sig := <-s.signals:
		if sig.kind == signalDecline {
			return signal{}, fmt.Errorf("%w: %s", ErrPeerDeclined, sig.reason)
		}
		return sig, nil
	case <-timer.C:
		return signal{}, fmt.Errorf("%w: no answer within %s", ErrHandshakeTimeout, n.options.AcceptTimeout)
	case <-s.ctx.Done():
		return signal{}, context.Cause(s.ctx)
	}
}

func (n *Negotiator) awaitLink(s *Session, acceptance Acceptance) (Link, error) {
	timer := time.NewTimer(n.options.HandshakeTimeout)
	defer timer.Stop()

	select {
	case link := <-acceptance.Links:
		return link, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: link did not open within %s", ErrHandshakeTimeout, n.options.HandshakeTimeout)
	case <-s.ctx.Done():
		return nil, context.Cause(s.ctx)
	}
}

// finish moves a session to its terminal state, releases it, and returns the
// error describing the outcome. Later calls for the same session are no-ops.
func (n *Negotiator) finish(s *Session, cause error) error {
	state := StateClosed
	switch {
	case cause == nil:
	case errors.Is(cause, ErrPeerDeclined):
		state = StateDeclined
	default:
		state = StateFailed
	}

	ended := s.end(state, cause)

	n.mu.Lock()
	if n.sessions[s.ID] == s {
		delete(n.sessions, s.ID)
	}
	n.mu.Unlock()

	final := s.State()
	err := s.Err()
	if final == StateClosed {
		err = nil
	}
	if !ended {
		return err
	}

	event := n.log.Info()
	if err != nil {
		event = n.log.Warn().Err(err)
	}
	event.Str("transfer_id", s.ID).Str("peer", s.PeerID).Str("role", string(s.Role)).Str("state", string(final)).Msg("transfer finished")

	if n.options.History != nil {
		_, expected := s.Progress()
		record := Record{
			TransferID: s.ID,
			PeerID:     s.PeerID,
			Role:       s.Role,
			State:      final,
			Name:       s.Name,
			Size:       expected,
			FinishedAt: time.Now(),
		}
		if err != nil {
			record.Error = err.Error()
		}
		if recordErr := n.options.History.RecordTransfer(record); recordErr != nil {
			n.log.Warn().Err(recordErr).Str("transfer_id", s.ID).Msg("record transfer history")
		}
	}
	return err
}

func (n *Negotiator) emitProgress(progress Progress) {
	if n.options.OnProgress != nil {
		n.options.OnProgress(progress)
	}
}

func deriveLinkKey(private *ecdh.PrivateKey, encodedPeer string, transferID string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedPeer)
	if err != nil {
		return nil, fmt.Errorf("%w: decode peer link key: %v", ErrChannelError, err)
	}
	peer, err := appcrypto.ParseRawPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelError, err)
	}
	key, err := appcrypto.DeriveLinkKey(private, peer, transferID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelError, err)
	}
	return key, nil
}

func decodeSignal(raw json.RawMessage, out any) bool {
	return json.Unmarshal(raw, out) == nil
}

type memorySeen struct {
	mu  sync.Mutex
	ids map[string]int64
}

func newMemorySeen() *memorySeen {
	return &memorySeen{ids: make(map[string]int64)}
}

func (m *memorySeen) HasSeenID(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ids[id]
	return ok, nil
}

func (m *memorySeen) InsertSeenID(id string, receivedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[id] = receivedAt
	return nil
}
