package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	appcrypto "securechat/crypto"
)

// ListenerOptions configures a LinkListener.
type ListenerOptions struct {
	ConnectionTimeout time.Duration
	FrameReadTimeout  time.Duration
	Logger            zerolog.Logger
}

func (o ListenerOptions) withDefaults() ListenerOptions {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.FrameReadTimeout <= 0 {
		o.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return o
}

type linkExpectation struct {
	key   []byte
	links chan *PeerLink
}

// LinkListener accepts inbound peer links and routes each one to the transfer
// that expects it. A link whose hello does not prove knowledge of the
// transfer's link key is rejected.
type LinkListener struct {
	listener net.Listener
	options  ListenerOptions

	expectMu sync.Mutex
	expected map[string]*linkExpectation

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenLinks starts a TCP listener and link accept loop.
func ListenLinks(address string, options ListenerOptions) (*LinkListener, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &LinkListener{
		listener: listener,
		options:  options.withDefaults(),
		expected: make(map[string]*linkExpectation),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *LinkListener) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the listening TCP port.
func (s *LinkListener) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	_, port, err := net.SplitHostPort(s.listener.Addr().String())
	if err != nil {
		return 0
	}
	value, _ := strconv.Atoi(port)
	return value
}

// Expect registers a transfer awaiting one inbound link. The returned cancel
// func drops the registration; it is safe to call after a link was delivered.
func (s *LinkListener) Expect(transferID string, linkKey []byte) (<-chan *PeerLink, func()) {
	expectation := &linkExpectation{
		key:   append([]byte(nil), linkKey...),
		links: make(chan *PeerLink, 1),
	}

	s.expectMu.Lock()
	s.expected[transferID] = expectation
	s.expectMu.Unlock()

	return expectation.links, func() {
		s.expectMu.Lock()
		if s.expected[transferID] == expectation {
			delete(s.expected, transferID)
		}
		s.expectMu.Unlock()
	}
}

// Errors returns asynchronous listener errors.
func (s *LinkListener) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all listener channels.
func (s *LinkListener) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *LinkListener) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *LinkListener) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		s.reportError(fmt.Errorf("set hello deadline: %w", err))
		return
	}

	payload, err := readControlFrameWithTimeout(conn, s.options.ConnectionTimeout)
	if err != nil {
		s.reportError(fmt.Errorf("read link hello: %w", err))
		return
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		s.reportError(err)
		return
	}
	if msgType != typeLinkHello {
		_ = s.reject(conn, fmt.Sprintf("expected %q, got %q", typeLinkHello, msgType))
		return
	}

	var hello linkHello
	if err := decodeJSON(payload, &hello); err != nil {
		s.reportError(err)
		return
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = s.reject(conn, ErrUnsupportedVersion.Error())
		return
	}

	expectation := s.claim(hello.TransferID, hello.Proof)
	if expectation == nil {
		s.options.Logger.Debug().Str("transfer_id", hello.TransferID).Msg("rejecting unexpected link")
		_ = s.reject(conn, "unknown transfer")
		return
	}

	accept, err := EncodeJSON(linkReply{Type: typeLinkAccept})
	if err != nil {
		s.reportError(err)
		return
	}
	if err := WriteFrame(conn, accept); err != nil {
		s.reportError(fmt.Errorf("write link accept: %w", err))
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear hello deadline: %w", err))
		return
	}

	link := newPeerLink(conn, expectation.key, LinkOptions{
		TransferID:       hello.TransferID,
		FrameReadTimeout: s.options.FrameReadTimeout,
		Logger:           s.options.Logger,
	})

	closeConn = false
	select {
	case expectation.links <- link:
	case <-s.closed:
		_ = link.Close()
	}
}

// claim removes and returns the expectation for transferID when proof verifies.
func (s *LinkListener) claim(transferID string, proof []byte) *linkExpectation {
	s.expectMu.Lock()
	defer s.expectMu.Unlock()

	expectation := s.expected[transferID]
	if expectation == nil || !appcrypto.VerifyLinkProof(expectation.key, transferID, proof) {
		return nil
	}
	delete(s.expected, transferID)
	return expectation
}

func (s *LinkListener) reject(conn net.Conn, reason string) error {
	payload, err := EncodeJSON(linkReply{Type: typeLinkReject, Reason: reason})
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func (s *LinkListener) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}

// DialLink connects to a listener candidate and proves the transfer.
func DialLink(ctx context.Context, address string, linkKey []byte, options LinkOptions) (*PeerLink, error) {
	dialer := net.Dialer{Timeout: DefaultConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	deadline := time.Now().Add(DefaultConnectionTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set hello deadline: %w", err)
	}

	hello, err := EncodeJSON(linkHello{
		Type:            typeLinkHello,
		TransferID:      options.TransferID,
		Proof:           appcrypto.LinkProof(linkKey, options.TransferID),
		ProtocolVersion: ProtocolVersion,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := WriteFrame(conn, hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write link hello: %w", err)
	}

	payload, err := ReadControlFrame(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read link reply: %w", err)
	}
	var reply linkReply
	if err := decodeJSON(payload, &reply); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if reply.Type != typeLinkAccept {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrLinkRejected, reply.Reason)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear hello deadline: %w", err)
	}

	return newPeerLink(conn, linkKey, options), nil
}
