package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/schedula/internal/scheduler"
	"github.com/ChuLiYu/schedula/pkg/types"
)

var log = slog.Default()

// Backend is the part of the scheduler the gRPC service exposes.
type Backend interface {
	Submit(spec types.JobSpec) (types.JobID, error)
	Cancel(id types.JobID) bool
	Job(id types.JobID) (types.JobStatus, error)
	Status() types.ClusterStatus
}

// Server implements the gRPC server for the Scheduler service.
type Server struct {
	backend Backend
}

var _ SchedulerServer = (*Server)(nil)

// NewServer creates a new gRPC server instance.
func NewServer(backend Backend) *Server {
	return &Server{backend: backend}
}

// Submit handles job submission from clients.
//
// Request: {"memory_request", "core_request", "runtime_seconds", "priority"?, "owner"?}
// Response: {"job_id"}
func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var spec types.JobSpec
	if err := fromStruct(req, &spec); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	id, err := s.backend.Submit(spec)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"job_id": string(id)})
}

// Cancel requests cancellation. Unknown ids are not an error: the response
// carries ok=false.
func (s *Server) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, "job_id")
	ok := s.backend.Cancel(types.JobID(id))
	return structpb.NewStruct(map[string]any{"job_id": id, "ok": ok})
}

// GetJob returns a single job status.
func (s *Server) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, "job_id")
	job, err := s.backend.Job(types.JobID(id))
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(job)
}

// Status returns a consistent snapshot of the whole cluster.
func (s *Server) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encode(s.backend.Status())
}

func encode(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, scheduler.ErrInvalidDemand):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, scheduler.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, scheduler.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// NewGRPCServer builds a grpc.Server with the Scheduler service registered.
func NewGRPCServer(backend Backend, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(logUnary)}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterSchedulerServer(gs, NewServer(backend))
	return gs
}

// Serve accepts connections on lis until ctx is done, then stops gracefully.
func Serve(ctx context.Context, lis net.Listener, backend Backend) error {
	gs := NewGRPCServer(backend)

	errCh := make(chan error, 1)
	go func() {
		log.Info("gRPC server listening", "addr", lis.Addr().String())
		errCh <- gs.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		<-errCh
		log.Info("gRPC server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if code == codes.OK || code == codes.InvalidArgument || code == codes.NotFound {
		log.Debug("RPC handled", "method", info.FullMethod, "code", code.String(), "took", time.Since(start))
	} else {
		log.Warn("RPC failed", "method", info.FullMethod, "code", code.String(), "error", err)
	}
	return resp, err
}
