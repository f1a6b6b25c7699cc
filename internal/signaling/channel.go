package signaling

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dense-identity/securecall/internal/otp"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Channel owns one persistent authenticated connection to a signaling host.
// It is a client (Initiate, SetRinging, ...) and a server (WaitForInboundSignal,
// ReadInboundSignal, Acknowledge) on the same stream. Each framed exchange or
// read holds mu, so callers on separate goroutines never interleave frames.
type Channel struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	creds      Credentials
	counter    otp.CounterProvider
	serverRoot string

	closed atomic.Bool
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithServerRoot sets the suffix appended to relay names in session descriptors.
func WithServerRoot(root string) ChannelOption {
	return func(c *Channel) {
		c.serverRoot = root
	}
}

// WithIdentityFormatter normalizes the local identity before it is signed.
func WithIdentityFormatter(format IdentityFormatter) ChannelOption {
	return func(c *Channel) {
		if format != nil {
			c.creds.Identity = format(c.creds.Identity)
		}
	}
}

// Dial opens a secure stream to host:port through dialer and wraps it.
func Dial(ctx context.Context, dialer Dialer, host string, port int, creds Credentials, counter otp.CounterProvider, opts ...ChannelOption) (*Channel, error) {
	conn, err := dialer.Dial(ctx, host, port)
	if err != nil {
		return nil, err
	}
	return NewChannel(conn, creds, counter, opts...), nil
}

// NewChannel wraps an already established stream.
func NewChannel(conn net.Conn, creds Credentials, counter otp.CounterProvider, opts ...ChannelOption) *Channel {
	c := &Channel{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		creds:   creds,
		counter: counter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InitiateCall asks the switch for a session with remote.
func (c *Channel) InitiateCall(ctx context.Context, remote string) (*SessionDescriptor, error) {
	resp, err := c.exchange(ctx, func(counter int64) *Signal {
		return initiateSignal(c.creds, counter, remote)
	})
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case 200:
		return ParseSessionDescriptor(resp.Body, c.serverRoot)
	case 404:
		return nil, ErrNoSuchRecipient
	case 402:
		return nil, &ServerRejectedError{Message: string(resp.Body)}
	case 401:
		return nil, ErrAuthenticationFailed
	default:
		return nil, &ProtocolError{Code: resp.StatusCode, Body: resp.Body}
	}
}

// SetRinging tells the switch the local device is ringing for sessionID.
func (c *Channel) SetRinging(ctx context.Context, sessionID int64) error {
	resp, err := c.exchange(ctx, func(counter int64) *Signal {
		return ringingSignal(c.creds, counter, sessionID)
	})
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case 200:
		return nil
	case 404:
		return ErrSessionExpired
	case 401:
		return ErrAuthenticationFailed
	default:
		return &ProtocolError{Code: resp.StatusCode, Body: resp.Body}
	}
}

// SetBusy is best effort: the response code is not interpreted, only
// transport failures are returned.
func (c *Channel) SetBusy(ctx context.Context, sessionID int64) error {
	resp, err := c.exchange(ctx, func(counter int64) *Signal {
		return busySignal(c.creds, counter, sessionID)
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		logrus.WithFields(logrus.Fields{
			"session_id": sessionID,
			"status":     resp.StatusCode,
		}).Debug("Busy signal not accepted")
	}
	return nil
}

// SendHangup never fails; teardown paths call it unconditionally.
func (c *Channel) SendHangup(ctx context.Context, sessionID int64) {
	resp, err := c.exchange(ctx, func(counter int64) *Signal {
		return hangupSignal(c.creds, counter, sessionID)
	})
	logger := logrus.WithFields(logrus.Fields{
		"function":   "SendHangup",
		"session_id": sessionID,
	})
	if err != nil {
		logger.WithError(err).Debug("Hangup signal failed")
		return
	}
	if resp.StatusCode != 200 {
		logger.WithField("status", resp.StatusCode).Debug("Hangup signal not accepted")
	}
}

// RegisterPushToken registers token with the push service kind.
func (c *Channel) RegisterPushToken(ctx context.Context, kind PushKind, token string) error {
	if !kind.valid() {
		return fmt.Errorf("unknown push kind %q", kind)
	}
	return c.expectOK(ctx, func(counter int64) *Signal {
		return pushRegistrationSignal(c.creds, counter, kind, token)
	})
}

// UnregisterPushToken removes the registration for kind. token may be empty.
func (c *Channel) UnregisterPushToken(ctx context.Context, kind PushKind, token string) error {
	if !kind.valid() {
		return fmt.Errorf("unknown push kind %q", kind)
	}
	return c.expectOK(ctx, func(counter int64) *Signal {
		return pushUnregistrationSignal(c.creds, counter, kind, token)
	})
}

// SetSignalingPreference stores the preferred signaling transport.
func (c *Channel) SetSignalingPreference(ctx context.Context, preference string) error {
	return c.expectOK(ctx, func(counter int64) *Signal {
		return preferenceSignal(c.creds, counter, preference)
	})
}

// FetchDirectoryFilter downloads the directory bloom filter. A 200 without a
// usable X-Hash-Count yields ErrNoData.
func (c *Channel) FetchDirectoryFilter(ctx context.Context) (*DirectoryFilter, error) {
	resp, err := c.exchange(ctx, func(counter int64) *Signal {
		return directorySignal(c.creds, counter)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, &ProtocolError{Code: resp.StatusCode, Body: resp.Body}
	}

	raw, ok := headerValue(resp.Headers, headerHashCount)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrNoData, headerHashCount)
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count <= 0 {
		return nil, fmt.Errorf("%w: bad %s %q", ErrNoData, headerHashCount, raw)
	}
	return &DirectoryFilter{HashCount: count, Filter: resp.Body}, nil
}

// WaitForInboundSignal reports whether an inbound frame is readable within
// timeout. The read deadline is always cleared on return.
func (c *Channel) WaitForInboundSignal(timeout time.Duration) (bool, error) {
	if c.closed.Load() {
		return false, ErrChannelClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reader.Buffered() > 0 {
		return true, nil
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, c.transportError(err)
	}
	defer func() {
		if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
			logrus.WithError(err).Debug("Clearing signaling read deadline")
		}
	}()

	if _, err := c.reader.Peek(1); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return false, nil
		}
		return false, c.transportError(err)
	}
	return true, nil
}

// ReadInboundSignal blocks until one inbound request is decoded.
func (c *Channel) ReadInboundSignal() (*ServerSignal, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	signal, err := DecodeRequest(c.reader)
	if err != nil {
		return nil, c.transportError(err)
	}
	return signal, nil
}

// Acknowledge answers the last inbound request with an empty 200.
func (c *Channel) Acknowledge() error {
	if c.closed.Load() {
		return ErrChannelClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.conn.Write(okResponse); err != nil {
		return c.transportError(err)
	}
	return nil
}

type closeWriter interface {
	CloseWrite() error
}

type closeReader interface {
	CloseRead() error
}

// Close shuts down output, input and the socket. It is safe to call more
// than once and never reports an error.
func (c *Channel) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	var err error
	if cw, ok := c.conn.(closeWriter); ok {
		err = multierr.Append(err, cw.CloseWrite())
	}
	if cr, ok := c.conn.(closeReader); ok {
		err = multierr.Append(err, cr.CloseRead())
	}
	err = multierr.Append(err, c.conn.Close())

	if err != nil {
		logrus.WithError(err).Debug("Errors while closing signaling channel")
	}
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

func (c *Channel) expectOK(ctx context.Context, build func(int64) *Signal) error {
	resp, err := c.exchange(ctx, build)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return &ProtocolError{Code: resp.StatusCode, Body: resp.Body}
	}
	return nil
}

// exchange sends one signal and reads exactly one response. A counter is
// drawn per signal, so no two signals share a counter value.
func (c *Channel) exchange(ctx context.Context, build func(int64) *Signal) (*SignalResponse, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Drawn under the lock so counters reach the wire in increasing order.
	counter, err := c.counter.NextCounter(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: otp counter: %v", ErrNoData, err)
	}
	signal := build(counter)

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		_ = c.conn.SetDeadline(time.Time{})
	}()

	logrus.WithFields(logrus.Fields{
		"verb": signal.Verb,
		"path": signal.Path,
	}).Debug("Sending signal")

	if _, err := c.conn.Write(signal.Encode()); err != nil {
		return nil, c.contextError(ctx, err)
	}
	resp, err := DecodeResponse(c.reader)
	if err != nil {
		return nil, c.contextError(ctx, err)
	}
	return resp, nil
}

func (c *Channel) contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("signaling exchange: %w", ctxErr)
	}
	if _, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("signaling exchange: %w", context.DeadlineExceeded)
	}
	return c.transportError(err)
}

// transportError reports reads on a locally closed channel as ErrChannelClosed.
func (c *Channel) transportError(err error) error {
	if c.closed.Load() && !errors.Is(err, ErrChannelClosed) {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return err
}
