// Package handshake authenticates the two call parties over the media
// socket and derives the per-direction media keys.
//
// The negotiation is a Noise XX exchange carried in typed datagrams:
//
//	initiator                      responder
//	  hello  (XX msg 1, suite)  ->
//	                            <-  reply  (XX msg 2, contribution)
//	  commit (XX msg 3, contribution) ->
//	                            <-  confirm (encrypted label)
//
// Each side retransmits its last packet until the next expected one arrives
// or the negotiation window elapses.
package handshake

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dense-identity/securecall/internal/helpers"
	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

const (
	DefaultWindow     = 15 * time.Second
	DefaultRetransmit = 250 * time.Millisecond

	suiteName    = "Noise_XX_25519_ChaChaPoly_SHA256"
	confirmLabel = "securecall confirm"
	confirmSends = 3
	maxDatagram  = 2048
)

var (
	// ErrRecipientUnavailable means the peer never answered within the window.
	ErrRecipientUnavailable = errors.New("recipient unavailable")

	// ErrNegotiationFailed means a cryptographic check failed.
	ErrNegotiationFailed = errors.New("handshake negotiation failed")

	// ErrNotComplete is returned by getters used before the handshake completed.
	ErrNotComplete = errors.New("handshake not complete")

	// ErrSecretReleased means the master secret was already handed off.
	ErrSecretReleased = errors.New("master secret already released")

	// ErrClosed means Close was requested; the step did nothing.
	ErrClosed = errors.New("handshake engine closed")
)

// Role selects which side sends first.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// State of one negotiation.
type State int32

const (
	StateUnstarted State = iota
	StateNegotiating
	StateComplete
	StateFailed
)

var stateNames = []string{"Unstarted", "Negotiating", "Complete", "Failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// Engine is the capability set both roles share.
type Engine interface {
	Start(ctx context.Context) error
	Finish(ctx context.Context) error
	SASInfo() (SASInfo, error)
	MasterSecret() (*MasterSecret, error)
	SetSASVerified() error
	State() State
	Close() error

	// HandleLatePacket lets the media path hand back a handshake packet
	// that arrived after completion.
	HandleLatePacket(packet []byte, from net.Addr) bool
}

// Config for a NoiseEngine.
type Config struct {
	Role   Role
	Conn   net.PacketConn
	Remote net.Addr

	// Window bounds each wait for the peer; Retransmit is the resend period.
	Window     time.Duration
	Retransmit time.Duration

	// Random defaults to crypto/rand.
	Random io.Reader
}

// NoiseEngine runs the negotiation for one role over a datagram socket.
type NoiseEngine struct {
	role       Role
	conn       net.PacketConn
	remote     net.Addr
	window     time.Duration
	retransmit time.Duration
	random     io.Reader

	hs    *noise.HandshakeState
	state atomic.Int32

	closed atomic.Bool

	// Last packet sent, replayed when the peer retransmits.
	lastSent []byte

	localPart  []byte
	remotePart []byte

	mu       sync.Mutex
	secret   *MasterSecret
	released bool
	sas      SASInfo

	// Responder only: the confirm packet, replayed for a late commit.
	confirm []byte
}

var _ Engine = (*NoiseEngine)(nil)

// New builds an engine with a fresh static keypair.
func New(cfg Config) (*NoiseEngine, error) {
	if cfg.Conn == nil || cfg.Remote == nil {
		return nil, errors.New("handshake requires a socket and a remote address")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Retransmit <= 0 {
		cfg.Retransmit = DefaultRetransmit
	}
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}

	suite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	static, err := suite.GenerateKeypair(cfg.Random)
	if err != nil {
		return nil, fmt.Errorf("generating static key: %w", err)
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   suite,
		Random:        cfg.Random,
		Pattern:       noise.HandshakeXX,
		Initiator:     cfg.Role == Initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("creating handshake state: %w", err)
	}

	return &NoiseEngine{
		role:       cfg.Role,
		conn:       cfg.Conn,
		remote:     cfg.Remote,
		window:     cfg.Window,
		retransmit: cfg.Retransmit,
		random:     cfg.Random,
		hs:         hs,
	}, nil
}

func (e *NoiseEngine) State() State {
	return State(e.state.Load())
}

func (e *NoiseEngine) logger() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"package": "handshake",
		"role":    e.role.String(),
		"remote":  e.remote.String(),
	})
}

// Start runs the first round trip: the initiator sends hello and reads the
// reply, the responder reads hello.
func (e *NoiseEngine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.state.CompareAndSwap(int32(StateUnstarted), int32(StateNegotiating)) {
		return fmt.Errorf("start in state %s", e.State())
	}

	var err error
	if e.role == Initiator {
		err = e.startInitiator(ctx)
	} else {
		err = e.startResponder(ctx)
	}
	return e.settle(err)
}

// Finish completes the remaining rounds and derives the master secret and SAS.
func (e *NoiseEngine) Finish(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.State() != StateNegotiating {
		return fmt.Errorf("finish in state %s", e.State())
	}

	var err error
	if e.role == Initiator {
		err = e.finishInitiator(ctx)
	} else {
		err = e.finishResponder(ctx)
	}
	if err == nil {
		err = e.derive()
	}
	if err = e.settle(err); err != nil {
		return err
	}

	e.state.Store(int32(StateComplete))
	e.logger().Debug("Handshake complete")
	return nil
}

// settle marks the engine failed on any error, and discards results once
// Close has been requested.
func (e *NoiseEngine) settle(err error) error {
	if e.closed.Load() {
		e.state.Store(int32(StateFailed))
		return ErrClosed
	}
	if err != nil {
		e.state.Store(int32(StateFailed))
		e.logger().WithError(err).Debug("Handshake failed")
	}
	return err
}

func (e *NoiseEngine) startInitiator(ctx context.Context) error {
	msg, _, _, err := e.hs.WriteMessage(nil, []byte(suiteName))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	reply, err := e.exchange(ctx, frame(packetHello, msg), packetReply)
	if err != nil {
		return err
	}
	payload, _, _, err := e.hs.ReadMessage(nil, reply)
	if err != nil {
		return fmt.Errorf("%w: reply: %v", ErrNegotiationFailed, err)
	}
	if len(payload) != contributionSize {
		return fmt.Errorf("%w: responder contribution of %d bytes", ErrNegotiationFailed, len(payload))
	}
	e.remotePart = payload
	return nil
}

func (e *NoiseEngine) finishInitiator(ctx context.Context) error {
	contribution, err := e.contribution()
	if err != nil {
		return err
	}
	// Initiator sends with the first cipher state and receives with the second.
	msg, _, recv, err := e.hs.WriteMessage(nil, contribution)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	confirm, err := e.exchange(ctx, frame(packetCommit, msg), packetConfirm)
	if err != nil {
		return err
	}
	label, err := recv.Decrypt(nil, nil, confirm)
	if err != nil || string(label) != confirmLabel {
		return fmt.Errorf("%w: confirm did not verify", ErrNegotiationFailed)
	}
	return nil
}

func (e *NoiseEngine) startResponder(ctx context.Context) error {
	hello, err := e.exchange(ctx, nil, packetHello)
	if err != nil {
		return err
	}
	payload, _, _, err := e.hs.ReadMessage(nil, hello)
	if err != nil {
		return fmt.Errorf("%w: hello: %v", ErrNegotiationFailed, err)
	}
	if string(payload) != suiteName {
		return fmt.Errorf("%w: unsupported suite %q", ErrNegotiationFailed, payload)
	}
	return nil
}

func (e *NoiseEngine) finishResponder(ctx context.Context) error {
	contribution, err := e.contribution()
	if err != nil {
		return err
	}
	msg, _, _, err := e.hs.WriteMessage(nil, contribution)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	commit, err := e.exchange(ctx, frame(packetReply, msg), packetCommit)
	if err != nil {
		return err
	}
	payload, _, send, err := e.hs.ReadMessage(nil, commit)
	if err != nil {
		return fmt.Errorf("%w: commit: %v", ErrNegotiationFailed, err)
	}
	if len(payload) != contributionSize {
		return fmt.Errorf("%w: initiator contribution of %d bytes", ErrNegotiationFailed, len(payload))
	}
	e.remotePart = payload

	confirm, err := send.Encrypt(nil, nil, []byte(confirmLabel))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	packet := frame(packetConfirm, confirm)
	e.mu.Lock()
	e.confirm = packet
	e.mu.Unlock()
	for i := 0; i < confirmSends; i++ {
		if err := e.send(packet); err != nil {
			return err
		}
	}
	return nil
}

func (e *NoiseEngine) contribution() ([]byte, error) {
	part := make([]byte, contributionSize)
	if _, err := io.ReadFull(e.random, part); err != nil {
		return nil, fmt.Errorf("generating contribution: %w", err)
	}
	e.localPart = part
	return part, nil
}

func (e *NoiseEngine) derive() error {
	responderPart, initiatorPart := e.localPart, e.remotePart
	if e.role == Initiator {
		responderPart, initiatorPart = e.remotePart, e.localPart
	}
	defer helpers.WipeAll(e.localPart, e.remotePart)

	transcript := e.hs.ChannelBinding()
	secret, err := deriveMasterSecret(responderPart, initiatorPart, transcript)
	if err != nil {
		return err
	}
	sas, err := deriveSAS(responderPart, initiatorPart, transcript)
	if err != nil {
		secret.Zero()
		return err
	}

	e.mu.Lock()
	e.secret = secret
	e.sas = SASInfo{Value: sas}
	e.mu.Unlock()
	return nil
}

// exchange sends out (if any) every retransmit period until a packet of type
// want arrives from the remote, and returns its body. A duplicate of the
// peer's previous packet triggers an immediate resend of ours.
func (e *NoiseEngine) exchange(ctx context.Context, out []byte, want packetType) ([]byte, error) {
	if out != nil {
		e.lastSent = out
	}
	deadline := time.Now().Add(e.window)
	buf := make([]byte, maxDatagram)

	resend := true
	for {
		if e.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := time.Now()
		if !now.Before(deadline) {
			return nil, fmt.Errorf("%w: no %s within %s", ErrRecipientUnavailable, want, e.window)
		}

		if resend && out != nil {
			if err := e.send(out); err != nil {
				return nil, err
			}
		}
		resend = false

		wait := min(e.retransmit, deadline.Sub(now))
		if err := e.conn.SetReadDeadline(now.Add(wait)); err != nil {
			return nil, e.transportError(err)
		}
		n, from, err := e.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				resend = true
				continue
			}
			return nil, e.transportError(err)
		}
		if !sameAddr(from, e.remote) {
			continue
		}

		typ, body, ok := parse(buf[:n])
		switch {
		case !ok:
			continue
		case typ == want:
			_ = e.conn.SetReadDeadline(time.Time{})
			return helpers.CloneBytes(body), nil
		case typ+2 == want && e.lastSent != nil:
			// The peer is still retransmitting; it has not seen our last packet.
			if err := e.send(e.lastSent); err != nil {
				return nil, err
			}
		}
	}
}

func (e *NoiseEngine) send(packet []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if _, err := e.conn.WriteTo(packet, e.remote); err != nil {
		return e.transportError(err)
	}
	return nil
}

func (e *NoiseEngine) transportError(err error) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return fmt.Errorf("handshake transport: %w", err)
}

// SASInfo is valid only once the handshake is complete.
func (e *NoiseEngine) SASInfo() (SASInfo, error) {
	if e.State() != StateComplete {
		return SASInfo{}, ErrNotComplete
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sas, nil
}

// MasterSecret hands the derived keys to the caller, who owns and must zero
// them. The engine keeps no copy.
func (e *NoiseEngine) MasterSecret() (*MasterSecret, error) {
	if e.State() != StateComplete {
		return nil, ErrNotComplete
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil, ErrSecretReleased
	}
	secret := e.secret
	e.secret = nil
	e.released = true
	return secret, nil
}

// SetSASVerified records user confirmation. It is idempotent.
func (e *NoiseEngine) SetSASVerified() error {
	if e.State() != StateComplete {
		return ErrNotComplete
	}
	e.mu.Lock()
	e.sas.Verified = true
	e.mu.Unlock()
	return nil
}

// Close requests cancellation and closes the socket. In-flight steps see the
// flag and report ErrClosed. Any unreleased secret is zeroed.
func (e *NoiseEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	if e.secret != nil {
		e.secret.Zero()
		e.secret = nil
	}
	e.mu.Unlock()
	return e.conn.Close()
}

// HandleLatePacket answers a commit the initiator retransmits after this
// responder completed, which means every confirm was lost. It reports
// whether packet belonged to the handshake.
func (e *NoiseEngine) HandleLatePacket(packet []byte, from net.Addr) bool {
	if e.role != Responder || e.State() != StateComplete || !sameAddr(from, e.remote) {
		return false
	}
	typ, _, ok := parse(packet)
	if !ok || typ != packetCommit {
		return false
	}
	e.mu.Lock()
	confirm := e.confirm
	e.mu.Unlock()
	if confirm == nil {
		return false
	}
	if err := e.send(confirm); err != nil {
		e.logger().WithError(err).Debug("Replaying confirm failed")
	}
	return true
}

func sameAddr(a, b net.Addr) bool {
	return a != nil && b != nil && a.Network() == b.Network() && a.String() == b.String()
}
