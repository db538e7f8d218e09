package api

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/uwbsync/internal/coordinator"
	"github.com/banshee-data/uwbsync/internal/monitoring"
	"github.com/banshee-data/uwbsync/internal/version"
)

// HealthService exposes grpc.health.v1.Health for the coordinator. It
// reports SERVING until the coordinator trips.
type HealthService struct {
	srv    *grpc.Server
	health *health.Server
	log    *slog.Logger
}

// NewHealthService registers the health service and hooks it to coord.
func NewHealthService(coord *coordinator.Coordinator, log *slog.Logger) *HealthService {
	h := &HealthService{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
		log:    monitoring.OrDefault(log).With("component", "grpc-health"),
	}
	healthpb.RegisterHealthServer(h.srv, h.health)

	status := healthpb.HealthCheckResponse_SERVING
	if !coord.Operational() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.setStatus(status)
	coord.OnTrip(func(error) {
		h.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	})
	return h
}

func (h *HealthService) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(version.Service, st)
}

// Server is the underlying gRPC server.
func (h *HealthService) Server() *grpc.Server {
	return h.srv
}

// Serve listens on addr until ctx is done.
func (h *HealthService) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done.
func (h *HealthService) ServeListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		h.log.Info("grpc health listening", "addr", lis.Addr().String())
		errCh <- h.srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		h.health.Shutdown()
		h.srv.GracefulStop()
		return nil
	}
}
