package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "trackit.v1.TrackIt"

// Method names.
const (
	MethodCreateJob      = "CreateJob"
	MethodGetJob         = "GetJob"
	MethodListMaterials  = "ListMaterials"
	MethodListSessions   = "ListSessions"
	MethodUpsertMaterial = "UpsertMaterial"
	MethodDeleteMaterial = "DeleteMaterial"
	MethodStartSession   = "StartSession"
	MethodStopSession    = "StopSession"
	MethodDeleteSession  = "DeleteSession"
	MethodRecomputeJob   = "RecomputeJob"
	MethodBackfill       = "Backfill"
	MethodAggregateDaily = "AggregateDaily"
)

// TrackItServer is the server API. Every request and response is a
// google.protobuf.Struct whose fields are documented on each handler.
type TrackItServer interface {
	CreateJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMaterials(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpsertMaterial(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteMaterial(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecomputeJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Backfill(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AggregateDaily(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type call func(TrackItServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn call) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(TrackItServer), ctx, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the TrackIt service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrackItServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodCreateJob, TrackItServer.CreateJob),
		unary(MethodGetJob, TrackItServer.GetJob),
		unary(MethodListMaterials, TrackItServer.ListMaterials),
		unary(MethodListSessions, TrackItServer.ListSessions),
		unary(MethodUpsertMaterial, TrackItServer.UpsertMaterial),
		unary(MethodDeleteMaterial, TrackItServer.DeleteMaterial),
		unary(MethodStartSession, TrackItServer.StartSession),
		unary(MethodStopSession, TrackItServer.StopSession),
		unary(MethodDeleteSession, TrackItServer.DeleteSession),
		unary(MethodRecomputeJob, TrackItServer.RecomputeJob),
		unary(MethodBackfill, TrackItServer.Backfill),
		unary(MethodAggregateDaily, TrackItServer.AggregateDaily),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trackit/v1/trackit.proto",
}

// Register attaches srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv TrackItServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FullMethod returns "/trackit.v1.TrackIt/<name>".
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Client invokes TrackIt methods on a connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with a map request; nil requests send an empty Struct.
func (c *Client) Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
