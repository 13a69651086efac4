// Package grpcapi serves the device agent protocol over gRPC. Messages are
// google.protobuf.Struct values carrying the same documents as the JSON
// agent API, so no generated code is needed on either side.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "accessd.v1.DeviceAgent"

const (
	MethodPair        = "/" + ServiceName + "/Pair"
	MethodSubmitEvent = "/" + ServiceName + "/SubmitEvent"
	MethodPollCommand = "/" + ServiceName + "/PollCommand"
	MethodAckCommand  = "/" + ServiceName + "/AckCommand"
	MethodHeartbeat   = "/" + ServiceName + "/Heartbeat"
)

// DeviceAgentServer is the server side of accessd.v1.DeviceAgent.
type DeviceAgentServer interface {
	Pair(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PollCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AckCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterDeviceAgentServer(s grpc.ServiceRegistrar, srv DeviceAgentServer) {
	s.RegisterService(&deviceAgentDesc, srv)
}

type unaryFunc func(DeviceAgentServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unary adapts one method to the grpc.MethodDesc handler shape.
func unary(fullMethod string, call unaryFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DeviceAgentServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DeviceAgentServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var deviceAgentDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeviceAgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Pair", Handler: unary(MethodPair, DeviceAgentServer.Pair)},
		{MethodName: "SubmitEvent", Handler: unary(MethodSubmitEvent, DeviceAgentServer.SubmitEvent)},
		{MethodName: "PollCommand", Handler: unary(MethodPollCommand, DeviceAgentServer.PollCommand)},
		{MethodName: "AckCommand", Handler: unary(MethodAckCommand, DeviceAgentServer.AckCommand)},
		{MethodName: "Heartbeat", Handler: unary(MethodHeartbeat, DeviceAgentServer.Heartbeat)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "accessd/v1/device_agent.proto",
}

// Client is a thin DeviceAgent client over any connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Pair(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodPair, in, opts...)
}

func (c *Client) SubmitEvent(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodSubmitEvent, in, opts...)
}

func (c *Client) PollCommand(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodPollCommand, in, opts...)
}

func (c *Client) AckCommand(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodAckCommand, in, opts...)
}

func (c *Client) Heartbeat(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodHeartbeat, in, opts...)
}
