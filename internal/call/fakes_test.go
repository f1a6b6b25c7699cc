package call

import (
	"context"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dense-identity/securecall/internal/handshake"
	"github.com/dense-identity/securecall/internal/media"
	"github.com/dense-identity/securecall/internal/signaling"
	"github.com/stretchr/testify/require"
)

// eventLog is the shared, ordered record of everything the fakes saw.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

func (l *eventLog) has(e string) bool {
	return slices.Contains(l.snapshot(), e)
}

func (l *eventLog) index(e string) int {
	return slices.Index(l.snapshot(), e)
}

func (l *eventLog) waitFor(t *testing.T, e string) {
	t.Helper()
	require.Eventually(t, func() bool { return l.has(e) }, 3*time.Second, 5*time.Millisecond, "waiting for %q in %v", e, l.snapshot())
}

var terminalEvents = []string{
	"busy", "disconnected", "no-such-user", "server-message", "login-failed",
	"server-failure", "client-failure", "recipient-unavailable", "handshake-failed",
}

func (l *eventLog) terminals() []string {
	var out []string
	for _, e := range l.snapshot() {
		name, _, _ := strings.Cut(e, ":")
		if slices.Contains(terminalEvents, name) {
			out = append(out, e)
		}
	}
	return out
}

type recordingObserver struct {
	log *eventLog
}

func (o recordingObserver) NotifyCallConnecting()      { o.log.add("connecting") }
func (o recordingObserver) NotifyWaitingForResponder() { o.log.add("waiting") }
func (o recordingObserver) NotifyRinging()             { o.log.add("ringing") }
func (o recordingObserver) NotifyRemoteRinging()       { o.log.add("remote-ringing") }
func (o recordingObserver) NotifyPerformingHandshake() { o.log.add("performing-handshake") }
func (o recordingObserver) NotifyCallConnected(sas handshake.SASInfo) {
	o.log.add("connected:" + sas.Value)
}
func (o recordingObserver) NotifyBusy()                  { o.log.add("busy") }
func (o recordingObserver) NotifyCallDisconnected()      { o.log.add("disconnected") }
func (o recordingObserver) NotifyNoSuchUser()            { o.log.add("no-such-user") }
func (o recordingObserver) NotifyServerMessage(m string) { o.log.add("server-message:" + m) }
func (o recordingObserver) NotifyLoginFailed()           { o.log.add("login-failed") }
func (o recordingObserver) NotifyServerFailure()         { o.log.add("server-failure") }
func (o recordingObserver) NotifyClientFailure(m string) { o.log.add("client-failure:" + m) }
func (o recordingObserver) NotifyRecipientUnavailable()  { o.log.add("recipient-unavailable") }
func (o recordingObserver) NotifyHandshakeFailed()       { o.log.add("handshake-failed") }

type fakeChannel struct {
	log        *eventLog
	initiate   func() (*signaling.SessionDescriptor, error)
	ringingErr error
	inbound    chan *signaling.ServerSignal

	mu      sync.Mutex
	pending *signaling.ServerSignal

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeChannel(log *eventLog) *fakeChannel {
	return &fakeChannel{
		log: log,
		initiate: func() (*signaling.SessionDescriptor, error) {
			return signaling.NewSessionDescriptor(12, "relay", 4000, ".test"), nil
		},
		inbound: make(chan *signaling.ServerSignal, 8),
		closed:  make(chan struct{}),
	}
}

func (f *fakeChannel) InitiateCall(context.Context, string) (*signaling.SessionDescriptor, error) {
	f.log.add("initiate")
	return f.initiate()
}

func (f *fakeChannel) SetRinging(context.Context, int64) error {
	f.log.add("set-ringing")
	return f.ringingErr
}

func (f *fakeChannel) SetBusy(context.Context, int64) error {
	f.log.add("busy-sent")
	return nil
}

func (f *fakeChannel) SendHangup(context.Context, int64) {
	f.log.add("hangup-sent")
}

func (f *fakeChannel) WaitForInboundSignal(timeout time.Duration) (bool, error) {
	select {
	case <-f.closed:
		return false, signaling.ErrChannelClosed
	default:
	}
	select {
	case sig := <-f.inbound:
		f.mu.Lock()
		f.pending = sig
		f.mu.Unlock()
		return true, nil
	case <-time.After(timeout):
		return false, nil
	case <-f.closed:
		return false, signaling.ErrChannelClosed
	}
}

func (f *fakeChannel) ReadInboundSignal() (*signaling.ServerSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig := f.pending
	f.pending = nil
	return sig, nil
}

func (f *fakeChannel) Acknowledge() error { return nil }

func (f *fakeChannel) Close() {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.log.add("signaling-closed")
	})
}

func (f *fakeChannel) push(verb, target string) {
	f.inbound <- &signaling.ServerSignal{Verb: verb, Target: target}
}

type fakeEngine struct {
	log       *eventLog
	startErr  error
	finishErr error
	block     bool

	// Called at the end of a successful Finish and on MasterSecret.
	onFinish func()
	onSecret func()

	closeOnce sync.Once
	closed    chan struct{}
	complete  atomic.Bool
	verified  atomic.Bool
}

func newFakeEngine(log *eventLog) *fakeEngine {
	return &fakeEngine{log: log, closed: make(chan struct{})}
}

func (e *fakeEngine) Start(ctx context.Context) error {
	e.log.add("handshake-start")
	if e.block {
		<-e.closed
		return handshake.ErrClosed
	}
	return e.startErr
}

func (e *fakeEngine) Finish(context.Context) error {
	e.log.add("handshake-finish")
	if e.finishErr != nil {
		return e.finishErr
	}
	e.complete.Store(true)
	if e.onFinish != nil {
		e.onFinish()
	}
	return nil
}

func (e *fakeEngine) SASInfo() (handshake.SASInfo, error) {
	if !e.complete.Load() {
		return handshake.SASInfo{}, handshake.ErrNotComplete
	}
	return handshake.SASInfo{Value: "ABCD", Verified: e.verified.Load()}, nil
}

func fill(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func (e *fakeEngine) MasterSecret() (*handshake.MasterSecret, error) {
	if !e.complete.Load() {
		return nil, handshake.ErrNotComplete
	}
	if e.onSecret != nil {
		e.onSecret()
	}
	return &handshake.MasterSecret{
		InitiatorKey:     fill(handshake.EncryptionKeySize, 1),
		InitiatorAuthKey: fill(handshake.AuthKeySize, 2),
		InitiatorSalt:    fill(handshake.SaltSize, 3),
		ResponderKey:     fill(handshake.EncryptionKeySize, 4),
		ResponderAuthKey: fill(handshake.AuthKeySize, 5),
		ResponderSalt:    fill(handshake.SaltSize, 6),
	}, nil
}

func (e *fakeEngine) SetSASVerified() error {
	if !e.complete.Load() {
		return handshake.ErrNotComplete
	}
	e.verified.Store(true)
	return nil
}

func (e *fakeEngine) State() handshake.State {
	if e.complete.Load() {
		return handshake.StateComplete
	}
	return handshake.StateNegotiating
}

func (e *fakeEngine) HandleLatePacket(packet []byte, _ net.Addr) bool {
	e.log.add("late-packet:" + string(packet))
	return true
}

func (e *fakeEngine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.log.add("handshake-closed")
	})
	return nil
}

type fakeMedia struct {
	log      *eventLog
	mu       sync.Mutex
	params   MediaParams
	lastMute *bool
}

func (m *fakeMedia) Start(context.Context) error {
	m.log.add("media-start")
	return nil
}

func (m *fakeMedia) Stop() {
	m.log.add("media-stop")
}

func (m *fakeMedia) SetMute(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMute = &muted
}

func (m *fakeMedia) mute() (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastMute == nil {
		return false, false
	}
	return *m.lastMute, true
}

func (m *fakeMedia) keys() media.Keys {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params.Keys
}

type harness struct {
	log     *eventLog
	channel *fakeChannel
	engine  *fakeEngine
	media   *fakeMedia
	deps    Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := &eventLog{}
	h := &harness{
		log:     log,
		channel: newFakeChannel(log),
		engine:  newFakeEngine(log),
		media:   &fakeMedia{log: log},
	}
	h.deps = Deps{
		DialSignaling: func(context.Context) (SignalingChannel, error) {
			log.add("dial")
			return h.channel, nil
		},
		ConnectMedia: func(context.Context, *signaling.SessionDescriptor) (net.PacketConn, net.Addr, error) {
			log.add("connect-media")
			conn, err := net.ListenPacket("udp", "127.0.0.1:0")
			if err != nil {
				return nil, nil, err
			}
			return conn, conn.LocalAddr(), nil
		},
		NewHandshake: func(role handshake.Role, _ net.PacketConn, _ net.Addr) (handshake.Engine, error) {
			log.add("new-handshake:" + role.String())
			return h.engine, nil
		},
		NewMedia: func(p MediaParams) (media.Session, error) {
			log.add("media-constructed")
			h.media.mu.Lock()
			h.media.params = p
			h.media.mu.Unlock()
			return h.media, nil
		},
		PollTimeout: 10 * time.Millisecond,
	}
	return h
}

func (h *harness) observer() Observer {
	return recordingObserver{log: h.log}
}
