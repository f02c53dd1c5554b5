package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC name of the device control service.
const ServiceName = "gsr.control.v1.ControlService"

// ControlServer is the server API for ControlService.
type ControlServer interface {
	StartSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StopSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ScanRecovery(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type method func(srv ControlServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes ControlService for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartSession", ControlServer.StartSession),
		unary("StopSession", ControlServer.StopSession),
		unary("GetStatus", ControlServer.GetStatus),
		unary("ScanRecovery", ControlServer.ScanRecovery),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gsr/control/v1/control.proto",
}

// RegisterControlServer registers srv with s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls ControlService on a connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a ControlService client.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) invoke(ctx context.Context, name string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+name, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StartSession calls ControlService/StartSession.
func (c *Client) StartSession(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "StartSession", req, opts...)
}

// StopSession calls ControlService/StopSession.
func (c *Client) StopSession(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "StopSession", req, opts...)
}

// GetStatus calls ControlService/GetStatus.
func (c *Client) GetStatus(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetStatus", req, opts...)
}

// ScanRecovery calls ControlService/ScanRecovery.
func (c *Client) ScanRecovery(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ScanRecovery", req, opts...)
}
