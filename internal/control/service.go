// Package control exposes a simulation world over gRPC. The service is
// described by hand on top of the protobuf well-known types, so no generated
// code is needed on either side.
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "worldsim.control.v1.WorldControl"

// WorldControlServer is the server API of the WorldControl service.
//
// Requests and responses are Struct values whose fields are documented on
// the Client methods.
type WorldControlServer interface {
	InsertEntity(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DeleteEntity(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	SendMessage(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	SetPaused(context.Context, *wrapperspb.BoolValue) (*emptypb.Empty, error)
	Step(context.Context, *wrapperspb.Int32Value) (*emptypb.Empty, error)
	GetClock(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListEntities(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetEntity(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	SeekHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RestoreHistory(context.Context, *wrapperspb.BoolValue) (*structpb.Struct, error)
}

// UnimplementedWorldControlServer returns Unimplemented for every method.
// Embed it to stay forward compatible with new methods.
type UnimplementedWorldControlServer struct{}

func (UnimplementedWorldControlServer) InsertEntity(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method InsertEntity not implemented")
}
func (UnimplementedWorldControlServer) DeleteEntity(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method DeleteEntity not implemented")
}
func (UnimplementedWorldControlServer) SendMessage(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method SendMessage not implemented")
}
func (UnimplementedWorldControlServer) SetPaused(context.Context, *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method SetPaused not implemented")
}
func (UnimplementedWorldControlServer) Step(context.Context, *wrapperspb.Int32Value) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Step not implemented")
}
func (UnimplementedWorldControlServer) GetClock(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetClock not implemented")
}
func (UnimplementedWorldControlServer) ListEntities(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ListEntities not implemented")
}
func (UnimplementedWorldControlServer) GetEntity(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetEntity not implemented")
}
func (UnimplementedWorldControlServer) SeekHistory(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method SeekHistory not implemented")
}
func (UnimplementedWorldControlServer) RestoreHistory(context.Context, *wrapperspb.BoolValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method RestoreHistory not implemented")
}

// RegisterWorldControlServer registers srv on s.
func RegisterWorldControlServer(s grpc.ServiceRegistrar, srv WorldControlServer) {
	s.RegisterService(&WorldControlServiceDesc, srv)
}

// WorldControlServiceDesc describes the WorldControl service.
var WorldControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorldControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("InsertEntity", newStruct, WorldControlServer.InsertEntity),
		unary("DeleteEntity", newString, WorldControlServer.DeleteEntity),
		unary("SendMessage", newStruct, WorldControlServer.SendMessage),
		unary("SetPaused", newBool, WorldControlServer.SetPaused),
		unary("Step", newInt32, WorldControlServer.Step),
		unary("GetClock", newEmpty, WorldControlServer.GetClock),
		unary("ListEntities", newEmpty, WorldControlServer.ListEntities),
		unary("GetEntity", newString, WorldControlServer.GetEntity),
		unary("SeekHistory", newStruct, WorldControlServer.SeekHistory),
		unary("RestoreHistory", newBool, WorldControlServer.RestoreHistory),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "worldsim/control/v1/control.proto",
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func newStruct() *structpb.Struct        { return new(structpb.Struct) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }
func newBool() *wrapperspb.BoolValue     { return new(wrapperspb.BoolValue) }
func newInt32() *wrapperspb.Int32Value   { return new(wrapperspb.Int32Value) }
func newEmpty() *emptypb.Empty           { return new(emptypb.Empty) }

// unary builds the method descriptor for one request/response pair.
func unary[Req, Resp proto.Message](
	name string,
	newReq func() Req,
	call func(WorldControlServer, context.Context, Req) (Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(WorldControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(WorldControlServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
