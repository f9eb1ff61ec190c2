package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "schedula.v1.Scheduler"

// Full method names, used by both the server descriptor and the client.
const (
	MethodSubmit = "/" + ServiceName + "/Submit"
	MethodCancel = "/" + ServiceName + "/Cancel"
	MethodGetJob = "/" + ServiceName + "/GetJob"
	MethodStatus = "/" + ServiceName + "/Status"
)

// SchedulerServer is the server API for the Scheduler service.
//
// Requests and responses are google.protobuf.Struct documents carrying the
// same JSON shape the CLI and the status file use.
type SchedulerServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(SchedulerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SchedulerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SchedulerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc is the grpc.ServiceDesc for the Scheduler service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Submit",
			Handler:    unaryHandler(MethodSubmit, SchedulerServer.Submit),
		},
		{
			MethodName: "Cancel",
			Handler:    unaryHandler(MethodCancel, SchedulerServer.Cancel),
		},
		{
			MethodName: "GetJob",
			Handler:    unaryHandler(MethodGetJob, SchedulerServer.GetJob),
		},
		{
			MethodName: "Status",
			Handler:    unaryHandler(MethodStatus, SchedulerServer.Status),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "schedula/v1/scheduler.proto",
}

// RegisterSchedulerServer registers srv on s.
func RegisterSchedulerServer(s grpc.ServiceRegistrar, srv SchedulerServer) {
	s.RegisterService(&ServiceDesc, srv)
}
