package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/services"
)

// New builds a gRPC server with the review, admin and health services
// registered. The returned health server lets the caller flip serving
// status during shutdown.
func New(svc *services.Services, logger *slog.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(UnaryInterceptor(logger))}, opts...)
	s := grpc.NewServer(opts...)

	s.RegisterService(&reviewServiceDesc, NewReviewServer(svc.Review, logger))
	s.RegisterService(&adminServiceDesc, NewAdminServer(svc.Tasks, svc.Progress, svc.Conflicts, svc.Queue, logger))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	for _, name := range []string{"", ReviewServiceName, AdminServiceName} {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	// Reflection for grpcurl
	reflection.Register(s)
	return s, hs
}

// UnaryInterceptor copies caller identity from metadata into the context,
// logs each call, and maps domain errors to status codes.
func UnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(MetadataReviewer); len(v) > 0 && v[0] != "" {
				ctx = common.WithReviewer(ctx, v[0])
			}
			if v := md.Get(MetadataRequestID); len(v) > 0 && v[0] != "" {
				ctx = common.WithRequestID(ctx, v[0])
			}
		}
		if common.RequestIDFromContext(ctx) == "" {
			ctx = common.WithRequestID(ctx, uuid.NewString())
		}

		start := time.Now()
		resp, err := handler(ctx, req)
		attrs := []any{
			"method", info.FullMethod,
			"request_id", common.RequestIDFromContext(ctx),
			"duration", time.Since(start),
		}
		if err == nil {
			logger.Debug("rpc ok", attrs...)
			return resp, nil
		}

		st := common.ToStatus(err)
		switch status.Code(st) {
		case codes.Internal, codes.Unknown:
			logger.Error("rpc failed", append(attrs, "error", err)...)
		default:
			logger.Info("rpc rejected", append(attrs, "code", status.Code(st).String(), "error", err)...)
		}
		return nil, st
	}
}
