package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "securecall.control.v1.CallControl"

// CallControlServer is the server API for the CallControl service.
type CallControlServer interface {
	Dial(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Incoming(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Loopback(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Answer(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Reject(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Terminate(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	SetMute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifySAS(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	List(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
}

// CallControl_ServiceDesc is the grpc.ServiceDesc for the CallControl service.
var CallControl_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CallControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dial", Handler: unaryHandler("Dial", CallControlServer.Dial)},
		{MethodName: "Incoming", Handler: unaryHandler("Incoming", CallControlServer.Incoming)},
		{MethodName: "Loopback", Handler: unaryHandler("Loopback", CallControlServer.Loopback)},
		{MethodName: "Answer", Handler: unaryHandler("Answer", CallControlServer.Answer)},
		{MethodName: "Reject", Handler: unaryHandler("Reject", CallControlServer.Reject)},
		{MethodName: "Terminate", Handler: unaryHandler("Terminate", CallControlServer.Terminate)},
		{MethodName: "SetMute", Handler: unaryHandler("SetMute", CallControlServer.SetMute)},
		{MethodName: "VerifySAS", Handler: unaryHandler("VerifySAS", CallControlServer.VerifySAS)},
		{MethodName: "List", Handler: unaryHandler("List", CallControlServer.List)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "securecall/control/v1/control.proto",
}

// RegisterCallControlServer registers srv with s.
func RegisterCallControlServer(s grpc.ServiceRegistrar, srv CallControlServer) {
	s.RegisterService(&CallControl_ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

func unaryHandler[Req any, Resp any](method string, call func(CallControlServer, context.Context, *Req) (Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CallControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CallControlServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
