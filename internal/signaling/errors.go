package signaling

import (
	"errors"
	"fmt"
)

// Sentinel errors for signaling operations.
// These errors enable reliable error classification using errors.Is().

// Connection establishment errors.
var (
	// ErrConnectFailed indicates the signaling host could not be resolved or reached,
	// or the secure transport could not be negotiated.
	ErrConnectFailed = errors.New("signaling connect failed")

	// ErrConnectTimeout indicates the secure transport handshake did not finish
	// before the watchdog closed the staged socket.
	ErrConnectTimeout = errors.New("signaling connect timed out")
)

// Framing and transport errors.
var (
	// ErrMalformedFrame indicates a status/request line or body that cannot be parsed.
	ErrMalformedFrame = errors.New("malformed signaling frame")

	// ErrStreamClosed indicates the peer closed the signaling stream.
	ErrStreamClosed = errors.New("signaling stream closed")

	// ErrChannelClosed indicates the channel was closed locally.
	ErrChannelClosed = errors.New("signaling channel closed")
)

// Response-code outcomes.
var (
	// ErrNoSuchRecipient is returned by initiate on 404.
	ErrNoSuchRecipient = errors.New("no such recipient")

	// ErrSessionExpired is returned by session-scoped operations on 404.
	ErrSessionExpired = errors.New("session expired")

	// ErrAuthenticationFailed is returned on 401.
	ErrAuthenticationFailed = errors.New("signaling authentication failed")

	// ErrNoData indicates the server or a provider had nothing usable to give,
	// e.g. a directory response without a parsable X-Hash-Count.
	ErrNoData = errors.New("no data available")
)

// ServerRejectedError carries the message a server supplies with a 402.
type ServerRejectedError struct {
	Message string
}

func (e *ServerRejectedError) Error() string {
	return fmt.Sprintf("server rejected request: %s", e.Message)
}

// ProtocolError is any response code the operation does not classify.
type ProtocolError struct {
	Code int
	Body []byte
}

func (e *ProtocolError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("unexpected signaling response: %d", e.Code)
	}
	return fmt.Sprintf("unexpected signaling response: %d: %s", e.Code, string(e.Body))
}
