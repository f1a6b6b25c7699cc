package call

import (
	"errors"
	"io"
	"net"

	"github.com/dense-identity/securecall/internal/handshake"
	"github.com/dense-identity/securecall/internal/media"
	"github.com/dense-identity/securecall/internal/signaling"
)

// signalingFailures are reported as a server or session failure.
var signalingFailures = []error{
	signaling.ErrConnectFailed,
	signaling.ErrConnectTimeout,
	signaling.ErrSessionExpired,
	signaling.ErrMalformedFrame,
	signaling.ErrNoData,
	signaling.ErrStreamClosed,
	signaling.ErrChannelClosed,
	media.ErrRelayUnreachable,
}

// classify maps a setup error to the single outcome reported for it.
func classify(err error) (Outcome, string) {
	var rejected *signaling.ServerRejectedError
	var protocolErr *signaling.ProtocolError

	switch {
	case errors.Is(err, signaling.ErrNoSuchRecipient):
		return OutcomeNoSuchUser, ""
	case errors.As(err, &rejected):
		return OutcomeServerRejected, rejected.Message
	case errors.Is(err, signaling.ErrAuthenticationFailed):
		return OutcomeLoginFailed, ""
	case errors.As(err, &protocolErr):
		return OutcomeServerFailure, ""
	case errors.Is(err, handshake.ErrRecipientUnavailable):
		return OutcomeRecipientUnavailable, ""
	case errors.Is(err, handshake.ErrNegotiationFailed):
		return OutcomeHandshakeFailed, ""
	}

	for _, target := range signalingFailures {
		if errors.Is(err, target) {
			return OutcomeServerFailure, ""
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return OutcomeDisconnected, ""
	}
	return OutcomeClientFailure, err.Error()
}
