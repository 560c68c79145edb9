// Package server exposes the coordinator over gRPC: the standard health
// service reports whether schedules are loaded, and server reflection lets
// generic tools discover it.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ChuLiYu/shiftplan/internal/coordinator"
)

// ServiceName is the health service name that tracks the coordinator phase.
// The empty name reports the process itself and is always SERVING.
const ServiceName = "shiftplan.Coordinator"

// SnapshotSource is satisfied by *coordinator.Coordinator.
type SnapshotSource interface {
	Subscribe() (<-chan coordinator.Snapshot, func())
}

// Server is the gRPC front of one coordinator.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	source SnapshotSource
	logger *slog.Logger
}

// New registers the health and reflection services.
func New(source SnapshotSource, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		source: source,
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// StatusFor maps a coordinator phase to a health status. Only Loaded serves.
func StatusFor(p coordinator.Phase) healthpb.HealthCheckResponse_ServingStatus {
	if p == coordinator.PhaseLoaded {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Serve accepts connections on lis until ctx ends, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	snaps, cancel := s.source.Subscribe()
	defer cancel()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		s.watch(ctx, snaps)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server.listening", "addr", lis.Addr().String())
		errCh <- s.grpc.Serve(lis)
	}()

	var err error
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		err = <-errCh
	case err = <-errCh:
	}
	cancel()
	<-watchDone

	if errors.Is(err, grpc.ErrServerStopped) {
		err = nil
	}
	s.logger.Info("server.stopped")
	return err
}

func (s *Server) watch(ctx context.Context, snaps <-chan coordinator.Snapshot) {
	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			st := StatusFor(snap.Phase)
			if st == last {
				continue
			}
			last = st
			s.health.SetServingStatus(ServiceName, st)
			s.logger.Debug("server.health", "phase", snap.Phase, "status", st.String())
		}
	}
}
