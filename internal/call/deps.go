package call

import (
	"context"
	"net"
	"time"

	"github.com/dense-identity/securecall/internal/handshake"
	"github.com/dense-identity/securecall/internal/media"
	"github.com/dense-identity/securecall/internal/signaling"
)

const (
	DefaultPollTimeout  = 1500 * time.Millisecond
	DefaultLoopbackPort = 2222
	hangupTimeout       = 2 * time.Second
)

// SignalingChannel is the part of *signaling.Channel the coordinator drives.
type SignalingChannel interface {
	InitiateCall(ctx context.Context, remote string) (*signaling.SessionDescriptor, error)
	SetRinging(ctx context.Context, sessionID int64) error
	SetBusy(ctx context.Context, sessionID int64) error
	SendHangup(ctx context.Context, sessionID int64)
	WaitForInboundSignal(timeout time.Duration) (bool, error)
	ReadInboundSignal() (*signaling.ServerSignal, error)
	Acknowledge() error
	Close()
}

var _ SignalingChannel = (*signaling.Channel)(nil)

// MediaParams is what a media session is built from.
type MediaParams struct {
	Conn      net.PacketConn
	Remote    net.Addr
	Keys      media.Keys
	Muted     bool
	OnFailure func(error)

	// Unhandled receives non-media datagrams, such as late handshake packets.
	Unhandled func(packet []byte, from net.Addr)
}

// Deps are the factories a coordinator uses for each phase.
type Deps struct {
	DialSignaling func(ctx context.Context) (SignalingChannel, error)
	ConnectMedia  func(ctx context.Context, sd *signaling.SessionDescriptor) (net.PacketConn, net.Addr, error)
	NewHandshake  func(role handshake.Role, conn net.PacketConn, remote net.Addr) (handshake.Engine, error)
	NewMedia      func(params MediaParams) (media.Session, error)

	PollTimeout  time.Duration
	LoopbackPort int
}

func (d Deps) pollTimeout() time.Duration {
	if d.PollTimeout <= 0 {
		return DefaultPollTimeout
	}
	return d.PollTimeout
}

func (d Deps) loopbackPort() int {
	if d.LoopbackPort <= 0 {
		return DefaultLoopbackPort
	}
	return d.LoopbackPort
}
