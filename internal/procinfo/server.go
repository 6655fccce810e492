package procinfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/ChuLiYu/rtkernel/internal/kernel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName    = "rtkernel.procinfo.v1.ProcInfo"
	snapshotMethod = "/" + serviceName + "/Snapshot"
)

// Service is the procinfo RPC surface.
type Service interface {
	Snapshot(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes the procinfo service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rtkernel/procinfo/v1/procinfo.proto",
}

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: snapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Service).Snapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Source yields the current kernel state.
type Source func() kernel.Snapshot

// Server implements Service over a snapshot source.
type Server struct {
	src  Source
	log  *slog.Logger
	grpc *grpc.Server
}

// NewServer creates a procinfo server with its own grpc.Server.
func NewServer(src Source, log *slog.Logger, opts ...grpc.ServerOption) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{src: src, log: log.With("component", "procinfo"), grpc: grpc.NewServer(opts...)}
	s.grpc.RegisterService(&ServiceDesc, s)
	return s
}

// Snapshot returns the encoded report.
func (s *Server) Snapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	st, err := FromSnapshot(s.src()).ToStruct()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// Serve accepts connections on lis until Stop. It returns nil after a
// graceful stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("procinfo serving", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("procinfo serve: %w", err)
	}
	return nil
}

// Stop drains in-flight calls and closes the listener.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
