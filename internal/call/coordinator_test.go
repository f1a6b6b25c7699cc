package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/dense-identity/securecall/internal/handshake"
	"github.com/dense-identity/securecall/internal/media"
	"github.com/dense-identity/securecall/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestInitiateUnknownRecipient(t *testing.T) {
	h := newHarness(t)
	h.channel.initiate = func() (*signaling.SessionDescriptor, error) {
		return nil, signaling.ErrNoSuchRecipient
	}

	c := NewInitiating("+15550000000", h.deps, h.observer())
	require.NoError(t, c.Start())
	c.Wait()

	assert.Equal(t, []string{"no-such-user"}, h.log.terminals())
	assert.False(t, h.log.has("connect-media"))
	assert.False(t, h.log.has("new-handshake:initiator"))
	assert.False(t, h.log.has("hangup-sent"))
	assert.True(t, h.log.has("signaling-closed"))
	assert.Equal(t, OutcomeNoSuchUser, c.Outcome())
	assert.Equal(t, StateTerminated, c.State())
}

func TestSuccessfulCallOrdering(t *testing.T) {
	h := newHarness(t)
	c := NewInitiating("+15550000000", h.deps, h.observer())
	require.NoError(t, c.Start())

	h.log.waitFor(t, "media-start")
	assert.Equal(t, StateConnected, c.State())
	assert.Empty(t, h.log.terminals())

	events := h.log.snapshot()
	assert.Equal(t, []string{
		"connecting", "dial", "initiate", "waiting", "connect-media",
		"new-handshake:initiator", "handshake-start", "performing-handshake",
		"handshake-finish", "connected:ABCD", "media-constructed", "media-start",
	}, events)

	keys := h.media.keys()
	assert.Equal(t, fill(handshake.EncryptionKeySize, 1), keys.LocalKey)
	assert.Equal(t, fill(handshake.EncryptionKeySize, 4), keys.RemoteKey)

	info := c.Info()
	assert.Equal(t, "initiating", info.Role)
	assert.Equal(t, int64(12), info.SessionID)
	assert.Equal(t, "ABCD", info.SAS.Value)

	c.Terminate()
	c.Wait()

	assert.Empty(t, h.log.terminals())
	stop := h.log.index("media-stop")
	closed := h.log.index("handshake-closed")
	hangup := h.log.index("hangup-sent")
	sigClosed := h.log.index("signaling-closed")
	require.NotEqual(t, -1, stop)
	assert.Less(t, stop, closed)
	assert.Less(t, closed, hangup)
	assert.Less(t, hangup, sigClosed)

	assert.Equal(t, make([]byte, handshake.EncryptionKeySize), keys.LocalKey)
	assert.Equal(t, OutcomeNone, c.Outcome())
}

func TestHandshakeFailures(t *testing.T) {
	tests := []struct {
		name      string
		startErr  error
		finishErr error
		want      string
		performed bool
	}{
		{"negotiation failed", nil, fmt.Errorf("commit: %w", handshake.ErrNegotiationFailed), "handshake-failed", true},
		{"recipient unavailable", handshake.ErrRecipientUnavailable, nil, "recipient-unavailable", false},
		{"transport fault", &net.OpError{Op: "read", Err: errors.New("reset")}, nil, "disconnected", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.engine.startErr = tt.startErr
			h.engine.finishErr = tt.finishErr

			c := NewInitiating("bob", h.deps, h.observer())
			require.NoError(t, c.Start())
			c.Wait()

			assert.Equal(t, []string{tt.want}, h.log.terminals())
			assert.False(t, h.log.has("media-constructed"))
			assert.Equal(t, tt.performed, h.log.has("performing-handshake"))
			assert.True(t, h.log.has("handshake-closed"))
			assert.True(t, h.log.has("hangup-sent"))
		})
	}
}

func TestSetupFailureOutcomes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rejected", &signaling.ServerRejectedError{Message: "Upgrade required"}, "server-message:Upgrade required"},
		{"login", signaling.ErrAuthenticationFailed, "login-failed"},
		{"protocol", &signaling.ProtocolError{Code: 500}, "server-failure"},
		{"malformed", fmt.Errorf("%w: body", signaling.ErrMalformedFrame), "server-failure"},
		{"no data", signaling.ErrNoData, "server-failure"},
		{"unexpected", errors.New("something odd"), "client-failure:something odd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.channel.initiate = func() (*signaling.SessionDescriptor, error) { return nil, tt.err }

			c := NewInitiating("bob", h.deps, h.observer())
			require.NoError(t, c.Start())
			c.Wait()

			assert.Equal(t, []string{tt.want}, h.log.terminals())
		})
	}
}

func TestConnectFailures(t *testing.T) {
	h := newHarness(t)
	h.deps.DialSignaling = func(context.Context) (SignalingChannel, error) {
		return nil, fmt.Errorf("%w: socket timed out", signaling.ErrConnectTimeout)
	}
	c := NewInitiating("bob", h.deps, h.observer())
	require.NoError(t, c.Start())
	c.Wait()
	assert.Equal(t, []string{"server-failure"}, h.log.terminals())

	h = newHarness(t)
	h.deps.ConnectMedia = func(context.Context, *signaling.SessionDescriptor) (net.PacketConn, net.Addr, error) {
		return nil, nil, media.ErrRelayUnreachable
	}
	c = NewInitiating("bob", h.deps, h.observer())
	require.NoError(t, c.Start())
	c.Wait()
	assert.Equal(t, []string{"server-failure"}, h.log.terminals())
	assert.True(t, h.log.has("hangup-sent"))
}

func TestTerminateIdempotentBeforeStart(t *testing.T) {
	h := newHarness(t)
	c := NewInitiating("bob", h.deps, h.observer())

	c.Terminate()
	c.Terminate()
	assert.ErrorIs(t, c.Start(), ErrTerminated)
	c.Wait()

	assert.Empty(t, h.log.snapshot())
	assert.Equal(t, StateTerminated, c.State())
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t)
	c := NewInitiating("bob", h.deps, h.observer())
	require.NoError(t, c.Start())
	assert.ErrorIs(t, c.Start(), ErrAlreadyStarted)
	c.Terminate()
	c.Wait()
}

func TestTerminateDuringHandshake(t *testing.T) {
	h := newHarness(t)
	h.engine.block = true

	c := NewInitiating("bob", h.deps, h.observer())
	require.NoError(t, c.Start())
	h.log.waitFor(t, "handshake-start")
	assert.Equal(t, StateNegotiating, c.State())

	c.Terminate()
	c.Terminate()
	c.Wait()

	assert.Empty(t, h.log.terminals())
	assert.False(t, h.log.has("performing-handshake"))
	assert.True(t, h.log.has("handshake-closed"))
	assert.True(t, h.log.has("signaling-closed"))
}

func TestTerminateDuringDial(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.deps.DialSignaling = func(context.Context) (SignalingChannel, error) {
		<-release
		return h.channel, nil
	}

	c := NewInitiating("bob", h.deps, h.observer())
	require.NoError(t, c.Start())
	c.Terminate()
	close(release)
	c.Wait()

	// The late channel is released and nothing further runs.
	assert.True(t, h.log.has("signaling-closed"))
	assert.False(t, h.log.has("initiate"))
	assert.Empty(t, h.log.terminals())
}

func TestPeerSignalsDuringSetup(t *testing.T) {
	h := newHarness(t)
	h.engine.block = true

	c := NewInitiating("bob", h.deps, h.observer())
	require.NoError(t, c.Start())
	h.log.waitFor(t, "handshake-start")

	h.channel.push("KEEPALIVE", "/")
	h.channel.push("DELETE", "/session/999")
	h.channel.push("RING", "/session/12")
	h.log.waitFor(t, "remote-ringing")
	assert.Empty(t, h.log.terminals())

	h.channel.push("BUSY", "/session/12")
	c.Wait()

	assert.Equal(t, []string{"busy"}, h.log.terminals())
	assert.Equal(t, OutcomeBusy, c.Outcome())
	assert.False(t, h.log.has("media-constructed"))
}

func TestPeerHangupAfterConnected(t *testing.T) {
	h := newHarness(t)
	c := NewInitiating("bob", h.deps, h.observer())
	require.NoError(t, c.Start())
	h.log.waitFor(t, "media-start")

	h.channel.push("DELETE", "/session/12")
	c.Wait()

	assert.Equal(t, []string{"disconnected"}, h.log.terminals())
	assert.True(t, h.log.has("media-stop"))

	c.Terminate()
	assert.Equal(t, []string{"disconnected"}, h.log.terminals())
}

type lostChannel struct {
	*fakeChannel
}

func (l lostChannel) WaitForInboundSignal(time.Duration) (bool, error) {
	return false, fmt.Errorf("%w: %w", signaling.ErrStreamClosed, io.EOF)
}

func TestChannelLossDisconnects(t *testing.T) {
	h := newHarness(t)
	h.engine.block = true
	h.deps.DialSignaling = func(context.Context) (SignalingChannel, error) {
		return lostChannel{h.channel}, nil
	}

	c := NewInitiating("bob", h.deps, h.observer())
	require.NoError(t, c.Start())
	c.Wait()

	assert.Equal(t, []string{"disconnected"}, h.log.terminals())
}

func TestMediaFailureDisconnects(t *testing.T) {
	h := newHarness(t)
	c := NewInitiating("bob", h.deps, h.observer())
	require.NoError(t, c.Start())
	h.log.waitFor(t, "media-start")

	h.media.mu.Lock()
	onFailure := h.media.params.OnFailure
	h.media.mu.Unlock()
	onFailure(errors.New("socket gone"))
	c.Wait()

	assert.Equal(t, []string{"disconnected"}, h.log.terminals())
}

func TestMuteIsDeferredUntilMediaExists(t *testing.T) {
	h := newHarness(t)
	c := NewInitiating("bob", h.deps, h.observer())

	c.SetMute(true)
	require.NoError(t, c.Start())
	h.log.waitFor(t, "media-start")

	h.media.mu.Lock()
	assert.True(t, h.media.params.Muted)
	h.media.mu.Unlock()
	muted, applied := h.media.mute()
	assert.True(t, applied)
	assert.True(t, muted)

	c.SetMute(false)
	muted, _ = h.media.mute()
	assert.False(t, muted)
	assert.False(t, c.Info().Muted)

	c.Terminate()
	c.Wait()
}

func TestSetSASVerified(t *testing.T) {
	h := newHarness(t)
	c := NewInitiating("bob", h.deps, h.observer())
	assert.ErrorIs(t, c.SetSASVerified(), ErrNotConnected)

	require.NoError(t, c.Start())
	h.log.waitFor(t, "media-start")

	require.NoError(t, c.SetSASVerified())
	require.NoError(t, c.SetSASVerified())
	assert.True(t, c.Info().SAS.Verified)

	c.Terminate()
	c.Wait()
}

func TestWorkerPanicIsClientFailure(t *testing.T) {
	h := newHarness(t)
	h.deps.NewMedia = func(MediaParams) (media.Session, error) {
		panic("codec exploded")
	}

	c := NewInitiating("bob", h.deps, h.observer())
	require.NoError(t, c.Start())
	c.Wait()

	assert.Equal(t, []string{"client-failure:internal error: codec exploded"}, h.log.terminals())
}

func incoming() *signaling.SessionDescriptor {
	return signaling.NewSessionDescriptor(77, "relay", 4000, ".test")
}

func TestRespondingAnswer(t *testing.T) {
	h := newHarness(t)
	c := NewResponding(incoming(), "+15551110000", h.deps, h.observer())
	require.NoError(t, c.Start())

	h.log.waitFor(t, "ringing")
	assert.Equal(t, StateRinging, c.State())
	assert.False(t, h.log.has("connect-media"))

	require.NoError(t, c.Answer())
	require.NoError(t, c.Answer())
	h.log.waitFor(t, "media-start")

	assert.True(t, h.log.has("new-handshake:responder"))
	assert.Less(t, h.log.index("set-ringing"), h.log.index("ringing"))
	assert.False(t, h.log.has("initiate"))

	keys := h.media.keys()
	assert.Equal(t, fill(handshake.EncryptionKeySize, 4), keys.LocalKey)
	assert.Equal(t, fill(handshake.EncryptionKeySize, 1), keys.RemoteKey)
	assert.Equal(t, "+15551110000", c.Info().Remote)

	c.Terminate()
	c.Wait()
	assert.ErrorIs(t, c.Answer(), ErrTerminated)
}

func TestRespondingSessionExpired(t *testing.T) {
	h := newHarness(t)
	h.channel.ringingErr = signaling.ErrSessionExpired

	c := NewResponding(incoming(), "alice", h.deps, h.observer())
	require.NoError(t, c.Start())
	c.Wait()

	assert.Equal(t, []string{"server-failure"}, h.log.terminals())
	assert.False(t, h.log.has("ringing"))
}

func TestRespondingReject(t *testing.T) {
	h := newHarness(t)
	c := NewResponding(incoming(), "alice", h.deps, h.observer())
	require.NoError(t, c.Start())
	h.log.waitFor(t, "ringing")

	require.NoError(t, c.Reject(context.Background()))
	c.Wait()

	assert.True(t, h.log.has("busy-sent"))
	assert.False(t, h.log.has("hangup-sent"))
	assert.Empty(t, h.log.terminals())
	assert.ErrorIs(t, c.Reject(context.Background()), ErrTerminated)
}

func TestCallerHangsUpWhileRinging(t *testing.T) {
	h := newHarness(t)
	c := NewResponding(incoming(), "alice", h.deps, h.observer())
	require.NoError(t, c.Start())
	h.log.waitFor(t, "ringing")

	h.channel.push("DELETE", "/session/77")
	c.Wait()

	assert.Equal(t, []string{"disconnected"}, h.log.terminals())
}

func TestAnswerRequiresIncomingCall(t *testing.T) {
	h := newHarness(t)
	c := NewInitiating("bob", h.deps, h.observer())
	assert.ErrorIs(t, c.Answer(), ErrNotResponding)
	assert.ErrorIs(t, c.Reject(context.Background()), ErrNotResponding)
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func TestLoopback(t *testing.T) {
	h := newHarness(t)
	h.deps.LoopbackPort = freeUDPPort(t)

	c := NewLoopback(h.deps, h.observer())
	require.NoError(t, c.Start())
	h.log.waitFor(t, "media-start")

	assert.False(t, h.log.has("dial"))
	assert.False(t, h.log.has("handshake-start"))
	assert.True(t, h.log.has("connected:"))

	h.media.mu.Lock()
	params := h.media.params
	h.media.mu.Unlock()
	assert.Equal(t, media.ZeroKeys(), params.Keys)
	assert.Equal(t, h.deps.LoopbackPort, params.Remote.(*net.UDPAddr).Port)
	assert.Equal(t, "loopback", c.Info().Role)

	c.Terminate()
	c.Wait()
	assert.True(t, h.log.has("media-stop"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{signaling.ErrNoSuchRecipient, OutcomeNoSuchUser},
		{&signaling.ServerRejectedError{Message: "m"}, OutcomeServerRejected},
		{signaling.ErrAuthenticationFailed, OutcomeLoginFailed},
		{signaling.ErrSessionExpired, OutcomeServerFailure},
		{signaling.ErrConnectFailed, OutcomeServerFailure},
		{&signaling.ProtocolError{Code: 418}, OutcomeServerFailure},
		{handshake.ErrRecipientUnavailable, OutcomeRecipientUnavailable},
		{handshake.ErrNegotiationFailed, OutcomeHandshakeFailed},
		{fmt.Errorf("handshake transport: %w", net.ErrClosed), OutcomeDisconnected},
		{io.ErrUnexpectedEOF, OutcomeDisconnected},
		{errors.New("?"), OutcomeClientFailure},
	}
	for _, tt := range tests {
		got, _ := classify(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "AwaitingPeer", StateAwaitingPeer.String())
	assert.Equal(t, "Unknown", State(42).String())
	assert.Equal(t, "HandshakeFailed", OutcomeHandshakeFailed.String())
	assert.Equal(t, "Unknown", Outcome(-1).String())
}

func TestNotifyTerminalReachesObserver(t *testing.T) {
	log := &eventLog{}
	for o := OutcomeBusy; o <= OutcomeHandshakeFailed; o++ {
		notifyTerminal(recordingObserver{log: log}, o, "x")
	}
	notifyTerminal(recordingObserver{log: log}, OutcomeNone, "")
	assert.Len(t, log.terminals(), int(OutcomeHandshakeFailed))
}

func TestLogObserverSatisfiesObserver(t *testing.T) {
	var o Observer = LogObserver{}
	o.NotifyCallConnected(handshake.SASInfo{Value: "WXYZ"})
	o.NotifyClientFailure("boom")
}

func TestHangupBeforeConnectedSuppressesConnected(t *testing.T) {
	h := newHarness(t)
	var c *Coordinator
	h.engine.onSecret = func() {
		h.channel.push("DELETE", "/session/12")
		<-c.Done()
	}

	c = NewInitiating("bob", h.deps, h.observer())
	require.NoError(t, c.Start())
	c.Wait()

	assert.Equal(t, []string{"disconnected"}, h.log.terminals())
	assert.False(t, h.log.has("connected:ABCD"))
	assert.False(t, h.log.has("media-constructed"))
	assert.Equal(t, StateTerminated, c.State())
}

func TestConnectedNeverFollowsTerminal(t *testing.T) {
	for i := 0; i < 25; i++ {
		h := newHarness(t)
		h.engine.onFinish = func() {
			h.channel.push("DELETE", "/session/12")
		}

		c := NewInitiating("bob", h.deps, h.observer())
		require.NoError(t, c.Start())
		h.log.waitFor(t, "disconnected")
		c.Wait()

		require.Equal(t, []string{"disconnected"}, h.log.terminals())
		if connected := h.log.index("connected:ABCD"); connected != -1 {
			require.Less(t, connected, h.log.index("disconnected"), "run %d: %v", i, h.log.snapshot())
		}
	}
}

func TestLateHandshakePacketsReachEngine(t *testing.T) {
	h := newHarness(t)
	c := NewInitiating("bob", h.deps, h.observer())
	require.NoError(t, c.Start())
	h.log.waitFor(t, "media-start")

	h.media.mu.Lock()
	unhandled := h.media.params.Unhandled
	h.media.mu.Unlock()
	require.NotNil(t, unhandled)
	unhandled([]byte("commit"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000})
	assert.True(t, h.log.has("late-packet:commit"))

	c.Terminate()
	c.Wait()
}
