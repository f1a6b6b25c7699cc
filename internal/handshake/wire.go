package handshake

import "fmt"

type packetType byte

const (
	packetHello   packetType = 0x01
	packetReply   packetType = 0x02
	packetCommit  packetType = 0x03
	packetConfirm packetType = 0x04
)

func (t packetType) String() string {
	switch t {
	case packetHello:
		return "hello"
	case packetReply:
		return "reply"
	case packetCommit:
		return "commit"
	case packetConfirm:
		return "confirm"
	}
	return fmt.Sprintf("packet(0x%02x)", byte(t))
}

func frame(t packetType, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = byte(t)
	copy(out[1:], body)
	return out
}

func parse(packet []byte) (packetType, []byte, bool) {
	if len(packet) < 2 {
		return 0, nil, false
	}
	t := packetType(packet[0])
	if t < packetHello || t > packetConfirm {
		return 0, nil, false
	}
	return t, packet[1:], true
}
