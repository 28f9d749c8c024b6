package session

import (
	"errors"

	"securechat/envelope"
	"securechat/fallback"
	"securechat/keydir"
	"securechat/network"
	"securechat/transfer"
)

var (
	// ErrRefreshFailed indicates the refresh endpoint rejected the refresh.
	// The connection treats it as fatal.
	ErrRefreshFailed = errors.New("session: credential refresh failed")
	// ErrAuthRequired indicates a request still failed authorization after a
	// refresh. The session has been logged out.
	ErrAuthRequired = errors.New("session: authentication required")
	// ErrLoggedOut indicates the manager no longer serves requests.
	ErrLoggedOut = errors.New("session: logged out")
)

// Describe returns the message shown to the user for err. Each failure class
// gets its own text because the next step differs.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthRequired), errors.Is(err, ErrRefreshFailed):
		return "Your session has expired. Please sign in again."
	case errors.Is(err, ErrLoggedOut):
		return "You are signed out."
	case errors.Is(err, envelope.ErrDecryptionFailed):
		return "This message could not be decrypted. The sender may be using an old key; ask them to resend after refreshing keys."
	case errors.Is(err, envelope.ErrNoKeyForRecipient):
		return "This message was not encrypted for this device."
	case errors.Is(err, envelope.ErrMissingRecipientKey), errors.Is(err, keydir.ErrKeyNotFound):
		return "A recipient has not published an encryption key yet, so the message was not sent."
	case errors.Is(err, envelope.ErrBadEnvelopeFormat):
		return "The message is malformed and was discarded."
	case errors.Is(err, transfer.ErrPeerDeclined):
		return "The recipient declined the file."
	case errors.Is(err, transfer.ErrCanceled):
		return "The transfer was canceled."
	case errors.Is(err, transfer.ErrIntegrity), errors.Is(err, fallback.ErrContentMismatch):
		return "The received file did not match what was sent and was discarded."
	case errors.Is(err, transfer.ErrPeerUnreachable):
		return "The recipient could not be reached directly."
	case errors.Is(err, transfer.ErrHandshakeTimeout):
		return "The recipient did not respond in time."
	case errors.Is(err, transfer.ErrSenderUnresponsive):
		return "The sender stopped responding during the transfer."
	case errors.Is(err, transfer.ErrChannelError), errors.Is(err, transfer.ErrTransferTimeout):
		return "The direct connection failed during the transfer."
	case errors.Is(err, fallback.ErrUploadStalled):
		return "The upload stalled. Check your connection and try again."
	case errors.Is(err, fallback.ErrUploadRejected):
		return "The server refused the upload."
	case errors.Is(err, network.ErrNotConnected), errors.Is(err, network.ErrAckTimeout):
		return "You are offline. The action will work again once the connection is restored."
	default:
		return "Unexpected error: " + err.Error()
	}
}
