// Package rpc defines the Presence gRPC service spoken between the hub, the
// router and the agents. Messages are plain Go structs carried by a JSON
// codec registered under the "json" content subtype.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	relaystatus "github.com/owulveryck/agentrelay/internal/status"
)

const (
	ServiceName = "agentrelay.v1.Presence"

	registerMethod     = "/" + ServiceName + "/Register"
	reportStatusMethod = "/" + ServiceName + "/ReportStatus"
	heartbeatMethod    = "/" + ServiceName + "/Heartbeat"
	controlMethod      = "/" + ServiceName + "/Control"
	watchStatusMethod  = "/" + ServiceName + "/WatchStatus"
)

// PresenceClient is the client API for the Presence service.
type PresenceClient interface {
	Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	ReportStatus(ctx context.Context, in *StatusReport, opts ...grpc.CallOption) (*emptypb.Empty, error)
	Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*emptypb.Empty, error)
	Control(ctx context.Context, in *ControlRequest, opts ...grpc.CallOption) (Presence_ControlClient, error)
	WatchStatus(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (Presence_WatchStatusClient, error)
}

type Presence_ControlClient interface {
	Recv() (*ControlMessage, error)
	grpc.ClientStream
}

type Presence_WatchStatusClient interface {
	Recv() (*relaystatus.Snapshot, error)
	grpc.ClientStream
}

type presenceClient struct {
	cc grpc.ClientConnInterface
}

// NewPresenceClient returns a client for the Presence service on cc.
func NewPresenceClient(cc grpc.ClientConnInterface) PresenceClient {
	return &presenceClient{cc}
}

func (c *presenceClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, registerMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *presenceClient) ReportStatus(ctx context.Context, in *StatusReport, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, reportStatusMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *presenceClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, heartbeatMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *presenceClient) Control(ctx context.Context, in *ControlRequest, opts ...grpc.CallOption) (Presence_ControlClient, error) {
	stream, err := c.cc.NewStream(ctx, &PresenceServiceDesc.Streams[0], controlMethod, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &presenceControlClient{stream}
	if err := x.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type presenceControlClient struct {
	grpc.ClientStream
}

func (x *presenceControlClient) Recv() (*ControlMessage, error) {
	m := new(ControlMessage)
	if err := x.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *presenceClient) WatchStatus(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (Presence_WatchStatusClient, error) {
	stream, err := c.cc.NewStream(ctx, &PresenceServiceDesc.Streams[1], watchStatusMethod, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &presenceWatchStatusClient{stream}
	if err := x.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type presenceWatchStatusClient struct {
	grpc.ClientStream
}

func (x *presenceWatchStatusClient) Recv() (*relaystatus.Snapshot, error) {
	m := new(relaystatus.Snapshot)
	if err := x.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// callOptions forces the JSON content subtype ahead of caller options.
func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

// PresenceServer is the server API for the Presence service.
type PresenceServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	ReportStatus(context.Context, *StatusReport) (*emptypb.Empty, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*emptypb.Empty, error)
	Control(*ControlRequest, Presence_ControlServer) error
	WatchStatus(*WatchRequest, Presence_WatchStatusServer) error
}

type Presence_ControlServer interface {
	Send(*ControlMessage) error
	grpc.ServerStream
}

type Presence_WatchStatusServer interface {
	Send(*relaystatus.Snapshot) error
	grpc.ServerStream
}

// UnimplementedPresenceServer answers every call with codes.Unimplemented.
type UnimplementedPresenceServer struct{}

func (UnimplementedPresenceServer) Register(context.Context, *RegisterRequest) (*RegisterResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Register not implemented")
}

func (UnimplementedPresenceServer) ReportStatus(context.Context, *StatusReport) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method ReportStatus not implemented")
}

func (UnimplementedPresenceServer) Heartbeat(context.Context, *HeartbeatRequest) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Heartbeat not implemented")
}

func (UnimplementedPresenceServer) Control(*ControlRequest, Presence_ControlServer) error {
	return status.Error(codes.Unimplemented, "method Control not implemented")
}

func (UnimplementedPresenceServer) WatchStatus(*WatchRequest, Presence_WatchStatusServer) error {
	return status.Error(codes.Unimplemented, "method WatchStatus not implemented")
}

// RegisterPresenceServer registers srv on s.
func RegisterPresenceServer(s grpc.ServiceRegistrar, srv PresenceServer) {
	s.RegisterService(&PresenceServiceDesc, srv)
}

func _Presence_Register_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PresenceServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: registerMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PresenceServer).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Presence_ReportStatus_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatusReport)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PresenceServer).ReportStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: reportStatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PresenceServer).ReportStatus(ctx, req.(*StatusReport))
	}
	return interceptor(ctx, in, info, handler)
}

func _Presence_Heartbeat_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PresenceServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: heartbeatMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PresenceServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Presence_Control_Handler(srv any, stream grpc.ServerStream) error {
	m := new(ControlRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(PresenceServer).Control(m, &presenceControlServer{stream})
}

type presenceControlServer struct {
	grpc.ServerStream
}

func (x *presenceControlServer) Send(m *ControlMessage) error {
	return x.ServerStream.SendMsg(m)
}

func _Presence_WatchStatus_Handler(srv any, stream grpc.ServerStream) error {
	m := new(WatchRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(PresenceServer).WatchStatus(m, &presenceWatchStatusServer{stream})
}

type presenceWatchStatusServer struct {
	grpc.ServerStream
}

func (x *presenceWatchStatusServer) Send(m *relaystatus.Snapshot) error {
	return x.ServerStream.SendMsg(m)
}

// PresenceServiceDesc is the grpc.ServiceDesc for the Presence service.
var PresenceServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PresenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: _Presence_Register_Handler},
		{MethodName: "ReportStatus", Handler: _Presence_ReportStatus_Handler},
		{MethodName: "Heartbeat", Handler: _Presence_Heartbeat_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Control", Handler: _Presence_Control_Handler, ServerStreams: true},
		{StreamName: "WatchStatus", Handler: _Presence_WatchStatus_Handler, ServerStreams: true},
	},
	Metadata: "agentrelay/v1/presence",
}
