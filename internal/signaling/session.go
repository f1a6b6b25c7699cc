package signaling

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// SessionDescriptor identifies one agreed call. It is created from the
// switch's reply to initiate (or from an incoming-call notification) and
// never mutated afterwards.
type SessionDescriptor struct {
	SessionID  int64  `json:"sessionId"`
	ServerName string `json:"serverName"`
	RelayPort  int    `json:"relayPort"`

	serverRoot string
}

// ParseSessionDescriptor decodes the JSON body of a 200 initiate response.
func ParseSessionDescriptor(body []byte, serverRoot string) (*SessionDescriptor, error) {
	var sd SessionDescriptor
	if err := json.Unmarshal(body, &sd); err != nil {
		return nil, fmt.Errorf("%w: session descriptor: %v", ErrMalformedFrame, err)
	}
	if sd.ServerName == "" || sd.RelayPort <= 0 || sd.RelayPort > 65535 {
		return nil, fmt.Errorf("%w: incomplete session descriptor", ErrMalformedFrame)
	}
	sd.serverRoot = serverRoot
	return &sd, nil
}

// NewSessionDescriptor builds a descriptor from known parts, e.g. those
// carried by an incoming-call push.
func NewSessionDescriptor(sessionID int64, serverName string, relayPort int, serverRoot string) *SessionDescriptor {
	return &SessionDescriptor{
		SessionID:  sessionID,
		ServerName: serverName,
		RelayPort:  relayPort,
		serverRoot: serverRoot,
	}
}

// FullServerName is the relay host with the configured server root appended.
func (sd *SessionDescriptor) FullServerName() string {
	return sd.ServerName + sd.serverRoot
}

// RelayAddress is host:port of the relay for this session.
func (sd *SessionDescriptor) RelayAddress() string {
	return net.JoinHostPort(sd.FullServerName(), strconv.Itoa(sd.RelayPort))
}

func (sd *SessionDescriptor) String() string {
	return fmt.Sprintf("session=%d relay=%s", sd.SessionID, sd.RelayAddress())
}

// DirectoryFilter is the switch's bloom filter of registered identities.
type DirectoryFilter struct {
	HashCount int
	Filter    []byte
}
