package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current link protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// MaxControlFrameSize bounds frames read before a link is authenticated.
	MaxControlFrameSize = 64 * 1024
	// DefaultConnectionTimeout bounds TCP dial and link hello duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

// Link frame kinds. The kind byte is the first plaintext byte of each sealed frame.
const (
	FrameMeta  byte = 1
	FrameChunk byte = 2
	FrameDone  byte = 3
	FrameAck   byte = 4
	FrameError byte = 5
)

const (
	typeLinkHello  = "link_hello"
	typeLinkAccept = "link_accept"
	typeLinkReject = "link_reject"
)

var (
	// ErrFrameTooLarge indicates payload exceeds the frame limit.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrLinkRejected indicates the listener refused the link hello.
	ErrLinkRejected = errors.New("network: link rejected")
)

type typedMessage struct {
	Type string `json:"type"`
}

// linkHello is the first frame a dialer sends. Proof is an HMAC of the
// transfer id under the negotiated link key.
type linkHello struct {
	Type            string `json:"type"`
	TransferID      string `json:"transfer_id"`
	Proof           []byte `json:"proof"`
	ProtocolVersion int    `json:"protocol_version"`
}

type linkReply struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// LinkMessage is one decrypted frame exchanged on a peer link.
type LinkMessage struct {
	Kind byte
	Body []byte
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope typedMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode message type: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrameLimit(r, MaxFrameSize)
}

// ReadControlFrame reads one frame bounded by MaxControlFrameSize.
func ReadControlFrame(r io.Reader) ([]byte, error) {
	return readFrameLimit(r, MaxControlFrameSize)
}

func readFrameLimit(r io.Reader, limit uint32) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > limit {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func readControlFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadControlFrame(conn)
}

func decodeJSON(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode protocol message: %w", err)
	}
	return nil
}
