package control

import (
	"context"
	"errors"
	"strings"

	"github.com/dense-identity/securecall/internal/call"
	"github.com/dense-identity/securecall/internal/handshake"
	"github.com/dense-identity/securecall/internal/signaling"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// CallFactory builds coordinators for the service.
type CallFactory interface {
	Initiating(remote string, observer call.Observer) *call.Coordinator
	Responding(session *signaling.SessionDescriptor, caller string, observer call.Observer) *call.Coordinator
	Loopback(observer call.Observer) *call.Coordinator
}

// Server implements CallControlServer over a Registry.
type Server struct {
	factory    CallFactory
	registry   *Registry
	serverRoot string
	loopback   bool
	logger     *logrus.Entry
}

var _ CallControlServer = (*Server)(nil)

type ServerOption func(*Server)

// WithServerRoot sets the suffix appended to relay names of incoming calls.
func WithServerRoot(root string) ServerOption {
	return func(s *Server) {
		s.serverRoot = root
	}
}

// WithLoopbackEnabled allows the Loopback RPC. It is refused by default.
func WithLoopbackEnabled(enabled bool) ServerOption {
	return func(s *Server) {
		s.loopback = enabled
	}
}

func NewServer(factory CallFactory, registry *Registry, opts ...ServerOption) *Server {
	s := &Server{
		factory:  factory,
		registry: registry,
		logger:   logrus.WithField("package", "control"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Dial(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	remote := strings.TrimSpace(req.GetValue())
	if remote == "" {
		return nil, status.Error(codes.InvalidArgument, "remote identity is required")
	}
	observer := s.observer("initiator", remote)
	return s.launch(s.factory.Initiating(remote, observer))
}

// Incoming starts a responding call from the fields of an incoming-call
// notification: sessionId (a decimal string), serverName, relayPort and caller.
func (s *Server) Incoming(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	sessionID, err := parseSessionID(fields["sessionId"])
	serverName := fields["serverName"].GetStringValue()
	relayPort := int(fields["relayPort"].GetNumberValue())
	caller := fields["caller"].GetStringValue()

	if err != nil || sessionID == 0 || relayPort <= 0 {
		return nil, status.Error(codes.InvalidArgument, "sessionId and relayPort are required")
	}
	session := signaling.NewSessionDescriptor(sessionID, serverName, relayPort, s.serverRoot)
	observer := s.observer("responder", caller)
	return s.launch(s.factory.Responding(session, caller, observer))
}

func (s *Server) Loopback(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if !s.loopback {
		return nil, status.Error(codes.FailedPrecondition, "loopback is disabled by configuration")
	}
	return s.launch(s.factory.Loopback(s.observer("loopback", "")))
}

func (s *Server) Answer(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	c, err := s.lookup(req.GetValue())
	if err != nil {
		return nil, err
	}
	if err := c.Answer(); err != nil {
		return nil, callError(err)
	}
	return infoToStruct(c.Info())
}

func (s *Server) Reject(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	c, err := s.lookup(req.GetValue())
	if err != nil {
		return nil, err
	}
	if err := c.Reject(ctx); err != nil {
		return nil, callError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Terminate(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	c, err := s.lookup(req.GetValue())
	if err != nil {
		return nil, err
	}
	c.Terminate()
	return &emptypb.Empty{}, nil
}

// SetMute expects {"id": string, "muted": bool}.
func (s *Server) SetMute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	c, err := s.lookup(fields["id"].GetStringValue())
	if err != nil {
		return nil, err
	}
	c.SetMute(fields["muted"].GetBoolValue())
	return infoToStruct(c.Info())
}

func (s *Server) VerifySAS(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	c, err := s.lookup(req.GetValue())
	if err != nil {
		return nil, err
	}
	if err := c.SetSASVerified(); err != nil {
		return nil, callError(err)
	}
	return infoToStruct(c.Info())
}

func (s *Server) List(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	calls := s.registry.All()
	values := make([]*structpb.Value, 0, len(calls))
	for _, c := range calls {
		info, err := infoToStruct(c.Info())
		if err != nil {
			return nil, err
		}
		values = append(values, structpb.NewStructValue(info))
	}
	return &structpb.ListValue{Values: values}, nil
}

func (s *Server) launch(c *call.Coordinator) (*structpb.Struct, error) {
	s.registry.Track(c)
	if err := c.Start(); err != nil {
		s.registry.Remove(c.ID())
		return nil, callError(err)
	}
	s.logger.WithFields(logrus.Fields{
		"function":   "launch",
		"attempt_id": c.ID(),
	}).Info("Call attempt started")
	return infoToStruct(c.Info())
}

func (s *Server) lookup(id string) (*call.Coordinator, error) {
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "call id is required")
	}
	c := s.registry.Get(id)
	if c == nil {
		return nil, status.Errorf(codes.NotFound, "call %s not found", id)
	}
	return c, nil
}

func (s *Server) observer(role, remote string) call.Observer {
	return call.LogObserver{Entry: s.logger.WithFields(logrus.Fields{
		"role":   role,
		"remote": remote,
	})}
}

func callError(err error) error {
	switch {
	case errors.Is(err, call.ErrNotResponding):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, call.ErrNotConnected), errors.Is(err, handshake.ErrNotComplete):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, call.ErrTerminated), errors.Is(err, call.ErrAlreadyStarted):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
