// Package call sequences one call attempt: signaling setup, relay binding,
// the key negotiation and the secured media stream. Every failure becomes
// exactly one terminal notification to the Observer.
package call

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dense-identity/securecall/internal/handshake"
	"github.com/dense-identity/securecall/internal/media"
	"github.com/dense-identity/securecall/internal/signaling"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var (
	ErrTerminated     = errors.New("call terminated")
	ErrAlreadyStarted = errors.New("call already started")
	ErrNotResponding  = errors.New("not an incoming call")
	ErrNotConnected   = errors.New("call not connected")
)

// Coordinator owns the signaling channel, handshake engine and media session
// of one call attempt. Terminate may be called from any goroutine at any time;
// the worker observes it at the next checkpoint.
type Coordinator struct {
	id        string
	role      role
	loopback  bool
	deps      Deps
	observer  Observer
	logger    *logrus.Entry
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state      atomic.Int32
	outcome    atomic.Int32
	started    atomic.Bool
	terminated atomic.Bool

	answered   chan struct{}
	answerOnce sync.Once

	wg sync.WaitGroup

	// notifyMu orders the connected notification against termination.
	notifyMu sync.Mutex

	mu        sync.Mutex
	channel   SignalingChannel
	session   *signaling.SessionDescriptor
	mediaConn net.PacketConn
	engine    handshake.Engine
	media     media.Session
	secret    *handshake.MasterSecret
	sas       handshake.SASInfo
	muted     bool
	busySent  bool
}

// Info is a point-in-time view of a coordinator.
type Info struct {
	ID        string
	Role      string
	Remote    string
	State     State
	Outcome   Outcome
	SessionID int64
	SAS       handshake.SASInfo
	Muted     bool
	CreatedAt time.Time
}

// NewInitiating prepares an outbound call to remote.
func NewInitiating(remote string, deps Deps, observer Observer) *Coordinator {
	return newCoordinator(&initiatingRole{remoteIdentity: remote}, deps, observer)
}

// NewResponding prepares to answer the session announced by an incoming-call
// notification from caller.
func NewResponding(session *signaling.SessionDescriptor, caller string, deps Deps, observer Observer) *Coordinator {
	return newCoordinator(&respondingRole{session: session, caller: caller}, deps, observer)
}

// NewLoopback wires a media session to a fixed local port with zeroed keys.
// It never signals or negotiates and is for audio path diagnostics only.
func NewLoopback(deps Deps, observer Observer) *Coordinator {
	c := newCoordinator(nil, deps, observer)
	c.loopback = true
	c.logger = c.logger.WithField("role", "loopback")
	return c
}

func newCoordinator(r role, deps Deps, observer Observer) *Coordinator {
	if observer == nil {
		observer = NopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		id:        uuid.NewString(),
		role:      r,
		deps:      deps,
		observer:  observer,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		answered:  make(chan struct{}),
	}
	c.logger = logrus.WithFields(logrus.Fields{
		"package":    "call",
		"attempt_id": c.id,
	})
	if r != nil {
		c.logger = c.logger.WithFields(logrus.Fields{
			"role":   r.name(),
			"remote": r.remote(),
		})
	}
	return c
}

func (c *Coordinator) ID() string { return c.id }

func (c *Coordinator) State() State { return State(c.state.Load()) }

// Outcome is OutcomeNone until a terminal notification fired.
func (c *Coordinator) Outcome() Outcome { return Outcome(c.outcome.Load()) }

func (c *Coordinator) setState(s State) {
	if c.terminated.Load() && s != StateTerminated {
		return
	}
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.WithField("state", s.String()).Debug("Call state changed")
	}
}

// Start launches the call worker.
func (c *Coordinator) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if c.terminated.Load() {
		return ErrTerminated
	}
	c.wg.Add(1)
	go c.run()
	return nil
}

// Wait blocks until the worker and signal dispatcher have exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Done is closed once the attempt is terminated.
func (c *Coordinator) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Terminate ends the call without a terminal notification. It is idempotent
// and safe before Start.
func (c *Coordinator) Terminate() {
	c.shutdown(OutcomeNone, "")
}

// Answer lets a ringing incoming call proceed to the handshake.
func (c *Coordinator) Answer() error {
	if _, ok := c.role.(*respondingRole); !ok {
		return ErrNotResponding
	}
	if c.terminated.Load() {
		return ErrTerminated
	}
	c.answerOnce.Do(func() { close(c.answered) })
	return nil
}

// Reject sends busy for an incoming call and terminates it.
func (c *Coordinator) Reject(ctx context.Context) error {
	r, ok := c.role.(*respondingRole)
	if !ok {
		return ErrNotResponding
	}
	if c.terminated.Load() {
		return ErrTerminated
	}

	c.mu.Lock()
	ch := c.channel
	c.busySent = ch != nil
	c.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.SetBusy(ctx, r.session.SessionID)
	}
	c.Terminate()
	return err
}

// SetMute applies to the media session now, or when it is constructed.
func (c *Coordinator) SetMute(muted bool) {
	c.mu.Lock()
	c.muted = muted
	session := c.media
	c.mu.Unlock()

	if session != nil {
		session.SetMute(muted)
	}
}

// SetSASVerified records that the users compared the SAS.
func (c *Coordinator) SetSASVerified() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return ErrNotConnected
	}
	if err := c.engine.SetSASVerified(); err != nil {
		return err
	}
	c.sas.Verified = true
	return nil
}

// Info returns a snapshot for listing.
func (c *Coordinator) Info() Info {
	info := Info{
		ID:        c.id,
		Role:      "loopback",
		State:     c.State(),
		Outcome:   c.Outcome(),
		CreatedAt: c.createdAt,
	}
	if c.role != nil {
		info.Role = c.role.name()
		info.Remote = c.role.remote()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		info.SessionID = c.session.SessionID
	}
	info.SAS = c.sas
	info.Muted = c.muted
	return info
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", r).Error("Call worker panicked")
			c.shutdown(OutcomeClientFailure, fmt.Sprintf("internal error: %v", r))
		}
	}()

	var err error
	if c.loopback {
		err = c.setupLoopback()
	} else {
		err = c.setup()
	}
	if err != nil {
		c.fail(err)
		return
	}

	// Live until terminated locally or by the peer.
	<-c.ctx.Done()
}

func (c *Coordinator) checkpoint() error {
	if c.terminated.Load() {
		return ErrTerminated
	}
	return nil
}

func (c *Coordinator) setup() error {
	ctx := c.ctx

	c.setState(StateConnecting)
	c.observer.NotifyCallConnecting()
	if err := c.checkpoint(); err != nil {
		return err
	}

	ch, err := c.deps.DialSignaling(ctx)
	if err != nil {
		return err
	}
	if err := c.adopt(func() { c.channel = ch }, ch.Close); err != nil {
		return err
	}

	sd, err := c.role.establish(ctx, ch)
	if err != nil {
		return err
	}
	if err := c.adopt(func() { c.session = sd }, nil); err != nil {
		return err
	}
	c.logger.WithField("session_id", sd.SessionID).Info("Session established")

	c.wg.Add(1)
	go c.dispatchSignals(ch, sd.SessionID)

	if err := c.role.awaitPeer(ctx, c); err != nil {
		return err
	}
	if err := c.checkpoint(); err != nil {
		return err
	}

	conn, remote, err := c.deps.ConnectMedia(ctx, sd)
	if err != nil {
		return err
	}
	if err := c.adopt(func() { c.mediaConn = conn }, func() { _ = conn.Close() }); err != nil {
		return err
	}

	engine, err := c.deps.NewHandshake(c.role.handshakeRole(), conn, remote)
	if err != nil {
		return err
	}
	if err := c.adopt(func() { c.engine = engine }, func() { _ = engine.Close() }); err != nil {
		return err
	}

	c.setState(StateNegotiating)
	if err := engine.Start(ctx); err != nil {
		return err
	}
	if err := c.checkpoint(); err != nil {
		return err
	}
	c.observer.NotifyPerformingHandshake()

	if err := engine.Finish(ctx); err != nil {
		return err
	}
	if err := c.checkpoint(); err != nil {
		return err
	}

	sas, err := engine.SASInfo()
	if err != nil {
		return err
	}
	secret, err := engine.MasterSecret()
	if err != nil {
		return err
	}
	if err := c.adopt(func() { c.secret, c.sas = secret, sas }, secret.Zero); err != nil {
		return err
	}

	if err := c.notifyConnected(sas); err != nil {
		return err
	}
	raisePriority(c.logger)

	return c.startMedia(conn, remote, c.role.mediaKeys(secret))
}

func (c *Coordinator) setupLoopback() error {
	c.setState(StateConnecting)
	c.observer.NotifyCallConnecting()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(c.deps.loopbackPort()))
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("opening loopback socket: %w", err)
	}
	if err := c.adopt(func() { c.mediaConn = conn }, func() { _ = conn.Close() }); err != nil {
		return err
	}

	c.logger.WithField("addr", addr).Warn("Loopback media with zeroed keys")
	if err := c.notifyConnected(handshake.SASInfo{}); err != nil {
		return err
	}
	raisePriority(c.logger)

	return c.startMedia(conn, conn.LocalAddr(), media.ZeroKeys())
}

// notifyConnected reports the call connected unless it was terminated since
// the last checkpoint. Observers must not terminate the call from inside
// NotifyCallConnected.
func (c *Coordinator) notifyConnected(sas handshake.SASInfo) error {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.terminated.Load() {
		return ErrTerminated
	}
	c.observer.NotifyCallConnected(sas)
	c.setState(StateConnected)
	return nil
}

// adopt records a resource unless the call was terminated meanwhile, in
// which case discard releases it instead.
func (c *Coordinator) adopt(record func(), discard func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated.Load() {
		if discard != nil {
			discard()
		}
		return ErrTerminated
	}
	record()
	return nil
}

func (c *Coordinator) startMedia(conn net.PacketConn, remote net.Addr, keys media.Keys) error {
	c.mu.Lock()
	muted, engine := c.muted, c.engine
	c.mu.Unlock()

	var unhandled func([]byte, net.Addr)
	if engine != nil {
		unhandled = func(packet []byte, from net.Addr) {
			engine.HandleLatePacket(packet, from)
		}
	}

	session, err := c.deps.NewMedia(MediaParams{
		Conn:      conn,
		Remote:    remote,
		Keys:      keys,
		Muted:     muted,
		Unhandled: unhandled,
		OnFailure: func(err error) {
			// Called from a media goroutine; Stop would wait on it.
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.shutdown(OutcomeDisconnected, err.Error())
			}()
		},
	})
	if err != nil {
		return fmt.Errorf("creating media session: %w", err)
	}

	c.mu.Lock()
	if c.terminated.Load() {
		c.mu.Unlock()
		session.Stop()
		return ErrTerminated
	}
	c.media = session
	session.SetMute(c.muted)
	c.mu.Unlock()

	return session.Start(c.ctx)
}

func (c *Coordinator) fail(err error) {
	if c.terminated.Load() || errors.Is(err, ErrTerminated) {
		c.logger.WithError(err).Debug("Setup stopped after termination")
		return
	}
	outcome, detail := classify(err)
	c.logger.WithError(err).WithField("outcome", outcome.String()).Warn("Call attempt failed")
	c.shutdown(outcome, detail)
}

// shutdown is the single path to the terminal state. Only the first caller
// reports its outcome and releases resources.
func (c *Coordinator) shutdown(outcome Outcome, detail string) {
	c.notifyMu.Lock()
	won := c.terminated.CompareAndSwap(false, true)
	c.notifyMu.Unlock()
	if !won {
		return
	}
	c.outcome.Store(int32(outcome))
	c.setState(StateTerminated)
	notifyTerminal(c.observer, outcome, detail)

	c.cancel()
	c.release()
}

// release stops media, closes the handshake transport, then hangs up and
// closes signaling. Errors are logged, never returned.
func (c *Coordinator) release() {
	c.mu.Lock()
	session, engine, conn := c.media, c.engine, c.mediaConn
	ch, sd, secret, busySent := c.channel, c.session, c.secret, c.busySent
	c.media, c.engine, c.mediaConn, c.channel, c.secret = nil, nil, nil, nil, nil
	c.mu.Unlock()

	var errs error
	if session != nil {
		session.Stop()
	}
	if engine != nil {
		errs = multierr.Append(errs, ignoreClosed(engine.Close()))
	}
	if conn != nil {
		errs = multierr.Append(errs, ignoreClosed(conn.Close()))
	}
	if ch != nil {
		if sd != nil && !busySent {
			ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
			ch.SendHangup(ctx, sd.SessionID)
			cancel()
		}
		ch.Close()
	}
	secret.Zero()

	if errs != nil {
		c.logger.WithError(errs).Debug("Errors while releasing call resources")
	}
	c.logger.Info("Call terminated")
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
