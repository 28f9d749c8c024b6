package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	appcrypto "securechat/crypto"
)

const gcmNonceSize = 12

var (
	// ErrLinkClosed indicates the link has been closed locally or by the peer.
	ErrLinkClosed = errors.New("network: link closed")
	// ErrMalformedLinkFrame indicates a sealed frame could not be opened.
	ErrMalformedLinkFrame = errors.New("network: malformed link frame")
)

// LinkOptions controls runtime behavior of PeerLink.
type LinkOptions struct {
	TransferID       string
	FrameReadTimeout time.Duration
	Logger           zerolog.Logger
}

// PeerLink is an encrypted, framed, ordered byte link to one peer for one
// transfer. Writes are queued and drained by a writer goroutine so that
// BufferedAmount reflects bytes accepted but not yet written to the socket.
type PeerLink struct {
	conn net.Conn
	key  []byte
	ad   []byte

	transferID       string
	frameReadTimeout time.Duration
	log              zerolog.Logger

	queueMu sync.Mutex
	queue   [][]byte
	wake    chan struct{}

	buffered     atomic.Int64
	lastActivity atomic.Int64

	inbound chan LinkMessage

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newPeerLink(conn net.Conn, linkKey []byte, options LinkOptions) *PeerLink {
	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	link := &PeerLink{
		conn:             conn,
		key:              append([]byte(nil), linkKey...),
		ad:               []byte("link|" + options.TransferID),
		transferID:       options.TransferID,
		frameReadTimeout: readTimeout,
		log:              options.Logger.With().Str("transfer_id", options.TransferID).Logger(),
		wake:             make(chan struct{}, 1),
		inbound:          make(chan LinkMessage, 64),
		closed:           make(chan struct{}),
	}

	link.touchActivity()
	go link.readLoop()
	go link.writeLoop()

	return link
}

// TransferID returns the transfer this link is bound to.
func (l *PeerLink) TransferID() string {
	return l.transferID
}

// BufferedAmount returns bytes queued for sending but not yet written.
func (l *PeerLink) BufferedAmount() int {
	return int(l.buffered.Load())
}

// LastActivity returns the time of the last frame read or written.
func (l *PeerLink) LastActivity() time.Time {
	return time.Unix(0, l.lastActivity.Load())
}

// Done is closed when the link is fully closed.
func (l *PeerLink) Done() <-chan struct{} {
	return l.closed
}

// LastError returns the terminal link error, if any.
func (l *PeerLink) LastError() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.closeErr
}

// Send seals one message and queues it for writing. It never blocks on the socket.
func (l *PeerLink) Send(message LinkMessage) error {
	select {
	case <-l.closed:
		return l.terminalError()
	default:
	}

	plaintext := make([]byte, 0, len(message.Body)+1)
	plaintext = append(plaintext, message.Kind)
	plaintext = append(plaintext, message.Body...)

	ciphertext, nonce, err := appcrypto.EncryptWithAD(l.key, plaintext, l.ad)
	if err != nil {
		return fmt.Errorf("seal link frame: %w", err)
	}
	frame := make([]byte, 0, len(nonce)+len(ciphertext))
	frame = append(frame, nonce...)
	frame = append(frame, ciphertext...)
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	l.queueMu.Lock()
	select {
	case <-l.closed:
		l.queueMu.Unlock()
		return l.terminalError()
	default:
	}
	l.queue = append(l.queue, frame)
	l.buffered.Add(int64(len(frame)))
	l.queueMu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Receive waits for the next inbound message.
func (l *PeerLink) Receive(ctx context.Context) (LinkMessage, error) {
	select {
	case message := <-l.inbound:
		return message, nil
	case <-l.closed:
		select {
		case message := <-l.inbound:
			return message, nil
		default:
		}
		return LinkMessage{}, l.terminalError()
	case <-ctx.Done():
		return LinkMessage{}, ctx.Err()
	}
}

// Flush waits until every queued frame has been written.
func (l *PeerLink) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for l.BufferedAmount() > 0 {
		select {
		case <-ticker.C:
		case <-l.closed:
			return l.terminalError()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close terminates the link. Pending queued frames are dropped and the
// buffered amount drops to zero.
func (l *PeerLink) Close() error {
	l.closeWithError(nil)
	return nil
}

func (l *PeerLink) writeLoop() {
	for {
		select {
		case <-l.wake:
		case <-l.closed:
			return
		}

		for {
			l.queueMu.Lock()
			if len(l.queue) == 0 {
				l.queueMu.Unlock()
				break
			}
			frame := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.queueMu.Unlock()

			if err := WriteFrame(l.conn, frame); err != nil {
				l.closeWithError(fmt.Errorf("write frame: %w", err))
				return
			}
			l.queueMu.Lock()
			select {
			case <-l.closed:
			default:
				l.buffered.Add(-int64(len(frame)))
			}
			l.queueMu.Unlock()
			l.touchActivity()
		}
	}
}

func (l *PeerLink) readLoop() {
	for {
		select {
		case <-l.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(l.conn, l.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				l.closeWithError(nil)
				return
			}

			l.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		l.touchActivity()
		message, err := l.open(payload)
		if err != nil {
			l.closeWithError(err)
			return
		}

		select {
		case l.inbound <- message:
		case <-l.closed:
			return
		}
	}
}

func (l *PeerLink) open(frame []byte) (LinkMessage, error) {
	if len(frame) <= gcmNonceSize {
		return LinkMessage{}, ErrMalformedLinkFrame
	}
	plaintext, err := appcrypto.DecryptWithAD(l.key, frame[:gcmNonceSize], frame[gcmNonceSize:], l.ad)
	if err != nil {
		return LinkMessage{}, fmt.Errorf("%w: %v", ErrMalformedLinkFrame, err)
	}
	if len(plaintext) == 0 {
		return LinkMessage{}, ErrMalformedLinkFrame
	}
	return LinkMessage{Kind: plaintext[0], Body: plaintext[1:]}, nil
}

func (l *PeerLink) touchActivity() {
	l.lastActivity.Store(time.Now().UnixNano())
}

func (l *PeerLink) terminalError() error {
	if err := l.LastError(); err != nil {
		return err
	}
	return ErrLinkClosed
}

func (l *PeerLink) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()

		if err != nil {
			l.log.Debug().Err(err).Msg("peer link closed with error")
		}
		_ = l.conn.Close()
		close(l.closed)

		l.queueMu.Lock()
		l.queue = nil
		l.buffered.Store(0)
		l.queueMu.Unlock()
	})
}
