// Package app turns a CallConfig into the providers a call coordinator runs on.
package app

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dense-identity/securecall/internal/call"
	"github.com/dense-identity/securecall/internal/config"
	"github.com/dense-identity/securecall/internal/handshake"
	"github.com/dense-identity/securecall/internal/media"
	"github.com/dense-identity/securecall/internal/otp"
	"github.com/dense-identity/securecall/internal/signaling"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// App holds the long-lived providers shared by every call attempt.
type App struct {
	cfg       *config.CallConfig
	dialer    signaling.Dialer
	counter   otp.CounterProvider
	connector *media.Connector
	closers   []func() error
	logger    *logrus.Entry
}

// Option overrides a provider, mostly for tests.
type Option func(*App)

func WithDialer(d signaling.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

func WithCounter(c otp.CounterProvider) Option {
	return func(a *App) { a.counter = c }
}

func WithConnector(c *media.Connector) Option {
	return func(a *App) { a.connector = c }
}

// memoryCounters holds one in-memory OTP counter per identity, shared by
// every App in the process.
var memoryCounters sync.Map

// memoryCounter is seeded from the wall clock in microseconds so it keeps
// moving forward across restarts.
func memoryCounter(identity string) *otp.MemoryCounter {
	if c, ok := memoryCounters.Load(identity); ok {
		return c.(*otp.MemoryCounter)
	}
	c, _ := memoryCounters.LoadOrStore(identity, otp.NewMemoryCounter(time.Now().UnixMicro()))
	return c.(*otp.MemoryCounter)
}

// New validates cfg and builds the providers it names. A Redis address
// selects the shared OTP counter; otherwise the process-wide memory counter
// for the identity is used.
func New(ctx context.Context, cfg *config.CallConfig, opts ...Option) (*App, error) {
	if err := cfg.ValidateCredentials(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{
		cfg: cfg,
		logger: logrus.WithFields(logrus.Fields{
			"package":  "app",
			"identity": signaling.FormatNumber(cfg.LocalNumber),
		}),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.dialer == nil {
		roots, err := signaling.LoadTrustStore(cfg.TrustStore)
		if err != nil {
			return nil, err
		}
		a.dialer = &signaling.TLSDialer{
			RootCAs:        roots,
			StrictHostname: cfg.SSL,
			Timeout:        cfg.ConnectTimeout,
		}
	}

	if a.counter == nil {
		if cfg.OtpRedisAddr != "" {
			counter, err := otp.NewRedisCounter(ctx, otp.RedisOptions{
				Addr:     cfg.OtpRedisAddr,
				Password: cfg.OtpRedisPassword,
				DB:       cfg.OtpRedisDB,
				Prefix:   cfg.OtpKeyPrefix,
				Identity: signaling.FormatNumber(cfg.LocalNumber),
			})
			if err != nil {
				return nil, err
			}
			a.counter = counter
			a.closers = append(a.closers, counter.Close)
			a.logger.WithField("addr", cfg.OtpRedisAddr).Info("Using Redis OTP counter")
		} else {
			a.counter = memoryCounter(signaling.FormatNumber(cfg.LocalNumber))
		}
	}

	if a.connector == nil {
		a.connector = &media.Connector{
			Window:     cfg.HandshakeWindow,
			Retransmit: cfg.HandshakeRetransmit,
		}
	}
	return a, nil
}

// DialSignaling opens an authenticated signaling channel to the switch.
func (a *App) DialSignaling(ctx context.Context) (*signaling.Channel, error) {
	return signaling.Dial(ctx, a.dialer, a.cfg.SignalingHost, a.cfg.SignalingPort,
		signaling.Credentials{Identity: a.cfg.LocalNumber, Password: a.cfg.Password},
		a.counter,
		signaling.WithIdentityFormatter(signaling.FormatNumber),
		signaling.WithServerRoot(a.cfg.RelayServerRoot),
	)
}

// ConnectMedia binds a fresh media socket to the relay named by sd, or to
// RELAY_HOST when the descriptor carries no server name.
func (a *App) ConnectMedia(ctx context.Context, sd *signaling.SessionDescriptor) (net.PacketConn, net.Addr, error) {
	host := sd.FullServerName()
	if sd.ServerName == "" {
		host = a.cfg.RelayHost
	}
	return a.connector.Connect(ctx, host, sd.RelayPort, sd.SessionID)
}

func (a *App) NewHandshake(role handshake.Role, conn net.PacketConn, remote net.Addr) (handshake.Engine, error) {
	return handshake.New(handshake.Config{
		Role:       role,
		Conn:       conn,
		Remote:     remote,
		Window:     a.cfg.HandshakeWindow,
		Retransmit: a.cfg.HandshakeRetransmit,
	})
}

func (a *App) NewMedia(params call.MediaParams) (media.Session, error) {
	return media.NewSRTPSession(media.Config{
		Conn:      params.Conn,
		Remote:    params.Remote,
		Keys:      params.Keys,
		Muted:     params.Muted,
		Source:    media.SilenceSource{},
		Sink:      media.DiscardSink{},
		Unhandled: params.Unhandled,
		OnFailure: params.OnFailure,
	})
}

// Deps wires the providers into coordinator dependencies.
func (a *App) Deps() call.Deps {
	return call.Deps{
		DialSignaling: func(ctx context.Context) (call.SignalingChannel, error) {
			ch, err := a.DialSignaling(ctx)
			if err != nil {
				return nil, err
			}
			return ch, nil
		},
		ConnectMedia: a.ConnectMedia,
		NewHandshake: a.NewHandshake,
		NewMedia:     a.NewMedia,
		PollTimeout:  a.cfg.SignalPollTimeout,
		LoopbackPort: a.cfg.LoopbackPort,
	}
}

func (a *App) Initiating(remote string, observer call.Observer) *call.Coordinator {
	return call.NewInitiating(signaling.FormatNumber(remote), a.Deps(), observer)
}

func (a *App) Responding(session *signaling.SessionDescriptor, caller string, observer call.Observer) *call.Coordinator {
	return call.NewResponding(session, caller, a.Deps(), observer)
}

func (a *App) Loopback(observer call.Observer) *call.Coordinator {
	return call.NewLoopback(a.Deps(), observer)
}

// Close releases providers that hold connections.
func (a *App) Close() error {
	var errs error
	for _, closer := range a.closers {
		errs = multierr.Append(errs, closer())
	}
	a.closers = nil
	return errs
}
