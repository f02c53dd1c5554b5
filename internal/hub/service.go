// Package hub carries device heartbeats to the coordinating hub over gRPC and
// tracks device liveness on the hub side.
package hub

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gsr.hub.v1.HubService"

// HeartbeatMethod is the full method name of the heartbeat RPC.
const HeartbeatMethod = "/" + ServiceName + "/Heartbeat"

// HubServer is the server API for HubService. Messages are generic structs so the
// heartbeat schema can evolve without regenerated stubs.
type HubServer interface {
	Heartbeat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes HubService for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HubServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gsr/hub/v1/hub.proto",
}

// RegisterHubServer registers srv with s.
func RegisterHubServer(s grpc.ServiceRegistrar, srv HubServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func heartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HubServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: HeartbeatMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(HubServer).Heartbeat(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// CallHeartbeat invokes HubService/Heartbeat on cc.
func CallHeartbeat(ctx context.Context, cc grpc.ClientConnInterface, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, HeartbeatMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
