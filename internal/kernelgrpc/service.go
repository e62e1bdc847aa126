package kernelgrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

// The service has no .proto of its own: frames are JSON wire messages carried
// in google.protobuf.BytesValue, and Ping uses google.protobuf.Empty.
const (
	serviceName   = "nbkernel.Kernel"
	channelMethod = "/" + serviceName + "/Channel"
	pingMethod    = "/" + serviceName + "/Ping"
)

type kernelServer interface {
	Channel(stream grpc.ServerStream) error
	Ping(ctx context.Context, in *emptypb.Empty) (*emptypb.Empty, error)
}

var channelStreamDesc = grpc.StreamDesc{
	StreamName:    "Channel",
	Handler:       channelHandler,
	ServerStreams: true,
	ClientStreams: true,
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*kernelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams:  []grpc.StreamDesc{channelStreamDesc},
	Metadata: "nbkernel/kernel",
}

func channelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(kernelServer).Channel(stream)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(kernelServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pingMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(kernelServer).Ping(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
