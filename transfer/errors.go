package transfer

import "errors"

var (
	// ErrPeerUnreachable indicates the offer was not delivered or the peer went away before answering.
	ErrPeerUnreachable = errors.New("transfer: peer unreachable")
	// ErrPeerDeclined is the peer's explicit refusal. It is terminal and never falls back.
	ErrPeerDeclined = errors.New("transfer: peer declined")
	// ErrHandshakeTimeout indicates no answer or no open link within the handshake bounds.
	ErrHandshakeTimeout = errors.New("transfer: handshake timeout")
	// ErrSenderUnresponsive indicates the receiver saw no bytes within the watchdog window.
	ErrSenderUnresponsive = errors.New("transfer: sender unresponsive")
	// ErrChannelError indicates the signaling channel or peer link failed.
	ErrChannelError = errors.New("transfer: channel error")
	// ErrTransferTimeout indicates the final acknowledgement never arrived.
	ErrTransferTimeout = errors.New("transfer: no acknowledgement within transfer timeout")
	// ErrIntegrity indicates the received size or content hash did not match the offer.
	ErrIntegrity = errors.New("transfer: received content does not match offer")
	// ErrCanceled indicates the owning context closed the transfer.
	ErrCanceled = errors.New("transfer: canceled")
	// ErrIllegalTransition indicates a state change the session FSM does not allow.
	ErrIllegalTransition = errors.New("transfer: illegal state transition")
)

// ShouldFallback reports whether a failed direct attempt may be retried
// through the fallback store. Explicit declines and local cancels never fall back.
func ShouldFallback(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrPeerDeclined) && !errors.Is(err, ErrCanceled)
}
