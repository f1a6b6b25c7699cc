package control

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client owns the gRPC connection to a CallControl service.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient connects to addr with TLS (system roots) or plaintext.
func NewClient(addr string, useTLS bool, extraOpts ...grpc.DialOption) (*Client, error) {
	var creds grpc.DialOption
	if useTLS {
		creds = grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))
	} else {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}

	kacp := keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             10 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		creds,
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(4*1024*1024),
			grpc.MaxCallSendMsgSize(4*1024*1024),
		),
	}
	opts = append(opts, extraOpts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Dial(ctx context.Context, remote string) (CallInfo, error) {
	return c.infoCall(ctx, "Dial", wrapperspb.String(remote))
}

// Incoming hands an incoming-call notification to the service.
func (c *Client) Incoming(ctx context.Context, sessionID int64, serverName string, relayPort int, caller string) (CallInfo, error) {
	req, err := structpb.NewStruct(map[string]any{
		"sessionId":  formatSessionID(sessionID),
		"serverName": serverName,
		"relayPort":  float64(relayPort),
		"caller":     caller,
	})
	if err != nil {
		return CallInfo{}, err
	}
	return c.infoCall(ctx, "Incoming", req)
}

func (c *Client) Loopback(ctx context.Context) (CallInfo, error) {
	return c.infoCall(ctx, "Loopback", &emptypb.Empty{})
}

func (c *Client) Answer(ctx context.Context, id string) (CallInfo, error) {
	return c.infoCall(ctx, "Answer", wrapperspb.String(id))
}

func (c *Client) Reject(ctx context.Context, id string) error {
	return c.conn.Invoke(ctx, fullMethod("Reject"), wrapperspb.String(id), &emptypb.Empty{})
}

func (c *Client) Terminate(ctx context.Context, id string) error {
	return c.conn.Invoke(ctx, fullMethod("Terminate"), wrapperspb.String(id), &emptypb.Empty{})
}

func (c *Client) SetMute(ctx context.Context, id string, muted bool) (CallInfo, error) {
	req, err := structpb.NewStruct(map[string]any{"id": id, "muted": muted})
	if err != nil {
		return CallInfo{}, err
	}
	return c.infoCall(ctx, "SetMute", req)
}

func (c *Client) VerifySAS(ctx context.Context, id string) (CallInfo, error) {
	return c.infoCall(ctx, "VerifySAS", wrapperspb.String(id))
}

func (c *Client) List(ctx context.Context) ([]CallInfo, error) {
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, fullMethod("List"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	calls := make([]CallInfo, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		calls = append(calls, structToInfo(v.GetStructValue()))
	}
	return calls, nil
}

func (c *Client) infoCall(ctx context.Context, method string, in any) (CallInfo, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return CallInfo{}, err
	}
	return structToInfo(out), nil
}
