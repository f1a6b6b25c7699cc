package media

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dense-identity/securecall/internal/helpers"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
	"github.com/sirupsen/logrus"
)

const (
	DefaultFrameInterval = 20 * time.Millisecond
	DefaultFrameSize     = 160
	DefaultPayloadType   = 96

	keySize     = 16
	authKeySize = 20
	saltSize    = 14
	maxPacket   = 1500
	pollPeriod  = 200 * time.Millisecond
)

// Session is the secured media stream of one call.
type Session interface {
	Start(ctx context.Context) error
	Stop()
	SetMute(muted bool)
}

// Keys are the two per-direction triples from the local point of view.
type Keys struct {
	LocalKey     []byte
	LocalAuthKey []byte
	LocalSalt    []byte

	RemoteKey     []byte
	RemoteAuthKey []byte
	RemoteSalt    []byte
}

func (k Keys) validate() error {
	for _, part := range []struct {
		name string
		b    []byte
		size int
	}{
		{"local key", k.LocalKey, keySize},
		{"local auth key", k.LocalAuthKey, authKeySize},
		{"local salt", k.LocalSalt, saltSize},
		{"remote key", k.RemoteKey, keySize},
		{"remote auth key", k.RemoteAuthKey, authKeySize},
		{"remote salt", k.RemoteSalt, saltSize},
	} {
		if len(part.b) != part.size {
			return fmt.Errorf("%s is %d bytes, want %d", part.name, len(part.b), part.size)
		}
	}
	return nil
}

// Zero overwrites the key material.
func (k Keys) Zero() {
	helpers.WipeAll(k.LocalKey, k.LocalAuthKey, k.LocalSalt, k.RemoteKey, k.RemoteAuthKey, k.RemoteSalt)
}

// ZeroKeys is the all-zero key set used by loopback diagnostics.
func ZeroKeys() Keys {
	return Keys{
		LocalKey:      make([]byte, keySize),
		LocalAuthKey:  make([]byte, authKeySize),
		LocalSalt:     make([]byte, saltSize),
		RemoteKey:     make([]byte, keySize),
		RemoteAuthKey: make([]byte, authKeySize),
		RemoteSalt:    make([]byte, saltSize),
	}
}

// Source produces one encoded audio frame per call.
type Source interface {
	NextFrame() ([]byte, error)
}

// Sink consumes decrypted audio frames.
type Sink interface {
	PlayFrame(frame []byte) error
}

// SilenceSource yields zeroed frames.
type SilenceSource struct {
	FrameSize int
}

func (s SilenceSource) NextFrame() ([]byte, error) {
	size := s.FrameSize
	if size <= 0 {
		size = DefaultFrameSize
	}
	return make([]byte, size), nil
}

// DiscardSink drops every frame.
type DiscardSink struct{}

func (DiscardSink) PlayFrame([]byte) error { return nil }

// Config for an SRTPSession.
type Config struct {
	Conn   net.PacketConn
	Remote net.Addr
	Keys   Keys
	Muted  bool

	Source Source
	Sink   Sink

	FrameInterval time.Duration
	PayloadType   uint8

	// OnFailure is called at most once if the transport fails while running.
	OnFailure func(error)

	// Unhandled receives inbound datagrams that are not RTP, such as
	// handshake retransmits.
	Unhandled func(packet []byte, from net.Addr)
}

// SRTPSession sends Source frames as SRTP to Remote and feeds decrypted
// inbound frames to Sink. It never closes Conn.
type SRTPSession struct {
	cfg Config

	muted   atomic.Bool
	started atomic.Bool
	stopped atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	failOnce sync.Once

	sent     atomic.Uint64
	received atomic.Uint64
	rejected atomic.Uint64
}

var _ Session = (*SRTPSession)(nil)

// NewSRTPSession validates the keys; nothing is sent until Start.
func NewSRTPSession(cfg Config) (*SRTPSession, error) {
	if cfg.Conn == nil || cfg.Remote == nil {
		return nil, errors.New("media session requires a socket and a remote address")
	}
	if err := cfg.Keys.validate(); err != nil {
		return nil, err
	}
	if cfg.Source == nil {
		cfg.Source = SilenceSource{}
	}
	if cfg.Sink == nil {
		cfg.Sink = DiscardSink{}
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = DefaultPayloadType
	}

	s := &SRTPSession{cfg: cfg}
	s.muted.Store(cfg.Muted)
	return s, nil
}

// Start creates both SRTP contexts and launches the send and receive loops.
func (s *SRTPSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return errors.New("media session stopped")
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("media session already started")
	}

	// The SRTP key derivation produces its own session auth keys from the
	// master key and salt.
	outbound, err := srtp.CreateContext(s.cfg.Keys.LocalKey, s.cfg.Keys.LocalSalt, srtp.ProtectionProfileAes128CmHmacSha1_80)
	if err != nil {
		return fmt.Errorf("creating outbound srtp context: %w", err)
	}
	inbound, err := srtp.CreateContext(s.cfg.Keys.RemoteKey, s.cfg.Keys.RemoteSalt, srtp.ProtectionProfileAes128CmHmacSha1_80)
	if err != nil {
		return fmt.Errorf("creating inbound srtp context: %w", err)
	}

	var ssrcBytes [4]byte
	if _, err := rand.Read(ssrcBytes[:]); err != nil {
		return fmt.Errorf("choosing ssrc: %w", err)
	}
	ssrc := binary.BigEndian.Uint32(ssrcBytes[:])

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.sendLoop(ctx, outbound, ssrc)
	go s.receiveLoop(ctx, inbound)

	logrus.WithFields(logrus.Fields{
		"package": "media",
		"remote":  s.cfg.Remote.String(),
		"muted":   s.muted.Load(),
	}).Info("Secured media session started")
	return nil
}

// Stop halts both loops and zeroes the keys. It is idempotent.
func (s *SRTPSession) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		_ = s.cfg.Conn.SetReadDeadline(time.Now())
		s.wg.Wait()
		_ = s.cfg.Conn.SetReadDeadline(time.Time{})
	}
	s.cfg.Keys.Zero()

	logrus.WithFields(logrus.Fields{
		"package":  "media",
		"sent":     s.sent.Load(),
		"received": s.received.Load(),
		"rejected": s.rejected.Load(),
	}).Info("Secured media session stopped")
}

func (s *SRTPSession) SetMute(muted bool) {
	s.muted.Store(muted)
}

// Muted reports the current mute flag.
func (s *SRTPSession) Muted() bool {
	return s.muted.Load()
}

// Stats returns packets sent, accepted and rejected so far.
func (s *SRTPSession) Stats() (sent, received, rejected uint64) {
	return s.sent.Load(), s.received.Load(), s.rejected.Load()
}

func (s *SRTPSession) fail(err error) {
	s.failOnce.Do(func() {
		logrus.WithError(err).WithField("package", "media").Warn("Media transport failed")
		if s.cfg.OnFailure != nil {
			s.cfg.OnFailure(err)
		}
	})
}

func (s *SRTPSession) sendLoop(ctx context.Context, out *srtp.Context, ssrc uint32) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()

	var seq uint16
	var ts uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := s.cfg.Source.NextFrame()
		if err != nil {
			s.fail(fmt.Errorf("reading audio source: %w", err))
			return
		}
		if s.muted.Load() {
			frame = make([]byte, len(frame))
		}

		header := rtp.Header{
			Version:        2,
			PayloadType:    s.cfg.PayloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		}
		packet, err := (&rtp.Packet{Header: header, Payload: frame}).Marshal()
		if err != nil {
			s.fail(fmt.Errorf("marshal rtp: %w", err))
			return
		}
		encrypted, err := out.EncryptRTP(nil, packet, &header)
		if err != nil {
			s.fail(fmt.Errorf("encrypt rtp: %w", err))
			return
		}
		if _, err := s.cfg.Conn.WriteTo(encrypted, s.cfg.Remote); err != nil {
			if ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
		s.sent.Add(1)
		seq++
		ts += uint32(len(frame))
	}
}

func (s *SRTPSession) receiveLoop(ctx context.Context, in *srtp.Context) {
	defer s.wg.Done()

	buf := make([]byte, maxPacket)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = s.cfg.Conn.SetReadDeadline(time.Now().Add(pollPeriod))
		n, from, err := s.cfg.Conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() == nil {
				s.fail(err)
			}
			return
		}

		if n < 12 || buf[0]>>6 != 2 {
			if s.cfg.Unhandled != nil {
				s.cfg.Unhandled(buf[:n], from)
			}
			continue
		}
		var header rtp.Header
		plain, err := in.DecryptRTP(nil, buf[:n], &header)
		if err != nil {
			s.rejected.Add(1)
			continue
		}
		var packet rtp.Packet
		if err := packet.Unmarshal(plain); err != nil {
			s.rejected.Add(1)
			continue
		}
		s.received.Add(1)
		if err := s.cfg.Sink.PlayFrame(packet.Payload); err != nil {
			s.fail(fmt.Errorf("audio sink: %w", err))
			return
		}
	}
}
