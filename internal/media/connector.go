// Package media binds the call's datagram socket to the relay and runs the
// encrypted audio stream over it.
package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	bindPacketType = 0x05

	DefaultBindWindow     = 5 * time.Second
	DefaultBindRetransmit = 250 * time.Millisecond
)

// ErrRelayUnreachable means the relay never acknowledged the bind.
var ErrRelayUnreachable = errors.New("relay unreachable")

// Connector opens a UDP socket and binds it to a relay session.
type Connector struct {
	Window     time.Duration
	Retransmit time.Duration
	Resolver   *net.Resolver

	// LocalAddr is the address to listen on; empty means any port.
	LocalAddr string
}

// Connect resolves host, opens a socket and binds it to sessionID on the relay.
// The caller owns the returned socket.
func (c *Connector) Connect(ctx context.Context, host string, port int, sessionID int64) (net.PacketConn, net.Addr, error) {
	resolver := c.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return nil, nil, fmt.Errorf("%w: resolve %s: %v", ErrRelayUnreachable, host, err)
	}
	relay, err := net.ResolveUDPAddr("udp", net.JoinHostPort(addrs[0], strconv.Itoa(port)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRelayUnreachable, err)
	}

	local := c.LocalAddr
	if local == "" {
		local = ":0"
	}
	conn, err := net.ListenPacket("udp", local)
	if err != nil {
		return nil, nil, fmt.Errorf("opening media socket: %w", err)
	}

	if err := BindRelay(ctx, conn, relay, sessionID, c.Window, c.Retransmit); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	logrus.WithFields(logrus.Fields{
		"package":    "media",
		"relay":      relay.String(),
		"session_id": sessionID,
		"local":      conn.LocalAddr().String(),
	}).Info("Media socket bound to relay")
	return conn, relay, nil
}

func bindPacket(sessionID int64) []byte {
	packet := make([]byte, 9)
	packet[0] = bindPacketType
	binary.BigEndian.PutUint64(packet[1:], uint64(sessionID))
	return packet
}

// BindRelay sends the bind datagram until the relay echoes it back.
func BindRelay(ctx context.Context, conn net.PacketConn, relay net.Addr, sessionID int64, window, retransmit time.Duration) error {
	if window <= 0 {
		window = DefaultBindWindow
	}
	if retransmit <= 0 {
		retransmit = DefaultBindRetransmit
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	packet := bindPacket(sessionID)
	deadline := time.Now().Add(window)
	buf := make([]byte, 64)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := time.Now()
		if !now.Before(deadline) {
			return fmt.Errorf("%w: no bind ack for session %d", ErrRelayUnreachable, sessionID)
		}
		if _, err := conn.WriteTo(packet, relay); err != nil {
			return fmt.Errorf("%w: %v", ErrRelayUnreachable, err)
		}

		if err := conn.SetReadDeadline(now.Add(min(retransmit, deadline.Sub(now)))); err != nil {
			return err
		}
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) {
					break
				}
				return fmt.Errorf("%w: %v", ErrRelayUnreachable, err)
			}
			if from.String() == relay.String() && bytes.Equal(buf[:n], packet) {
				return nil
			}
		}
	}
}
