package call

import (
	"context"

	"github.com/dense-identity/securecall/internal/handshake"
	"github.com/dense-identity/securecall/internal/media"
	"github.com/dense-identity/securecall/internal/signaling"
)

// role is what differs between the two ends of a call.
type role interface {
	name() string
	remote() string

	// establish obtains the session descriptor over the signaling channel.
	establish(ctx context.Context, ch SignalingChannel) (*signaling.SessionDescriptor, error)

	// awaitPeer runs between establishing the session and binding media.
	awaitPeer(ctx context.Context, c *Coordinator) error

	handshakeRole() handshake.Role
	mediaKeys(secret *handshake.MasterSecret) media.Keys
}

type initiatingRole struct {
	remoteIdentity string
}

func (r *initiatingRole) name() string   { return "initiating" }
func (r *initiatingRole) remote() string { return r.remoteIdentity }

func (r *initiatingRole) establish(ctx context.Context, ch SignalingChannel) (*signaling.SessionDescriptor, error) {
	return ch.InitiateCall(ctx, r.remoteIdentity)
}

func (r *initiatingRole) awaitPeer(_ context.Context, c *Coordinator) error {
	c.setState(StateAwaitingPeer)
	c.observer.NotifyWaitingForResponder()
	return nil
}

func (r *initiatingRole) handshakeRole() handshake.Role { return handshake.Initiator }

func (r *initiatingRole) mediaKeys(s *handshake.MasterSecret) media.Keys {
	return media.Keys{
		LocalKey: s.InitiatorKey, LocalAuthKey: s.InitiatorAuthKey, LocalSalt: s.InitiatorSalt,
		RemoteKey: s.ResponderKey, RemoteAuthKey: s.ResponderAuthKey, RemoteSalt: s.ResponderSalt,
	}
}

// respondingRole answers a session announced by an incoming-call push.
type respondingRole struct {
	session *signaling.SessionDescriptor
	caller  string
}

func (r *respondingRole) name() string   { return "responding" }
func (r *respondingRole) remote() string { return r.caller }

func (r *respondingRole) establish(ctx context.Context, ch SignalingChannel) (*signaling.SessionDescriptor, error) {
	if err := ch.SetRinging(ctx, r.session.SessionID); err != nil {
		return nil, err
	}
	return r.session, nil
}

func (r *respondingRole) awaitPeer(ctx context.Context, c *Coordinator) error {
	c.setState(StateRinging)
	c.observer.NotifyRinging()

	select {
	case <-c.answered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *respondingRole) handshakeRole() handshake.Role { return handshake.Responder }

func (r *respondingRole) mediaKeys(s *handshake.MasterSecret) media.Keys {
	return media.Keys{
		LocalKey: s.ResponderKey, LocalAuthKey: s.ResponderAuthKey, LocalSalt: s.ResponderSalt,
		RemoteKey: s.InitiatorKey, RemoteAuthKey: s.InitiatorAuthKey, RemoteSalt: s.InitiatorSalt,
	}
}
