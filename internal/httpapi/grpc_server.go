package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"fabricgate.org/internal/obs"
)

const defaultProbeInterval = 10 * time.Second

// GRPCServer exposes the standard gRPC health service, fed by the same
// readiness probe as /readyz. Both the overall ("") and the named service
// report the probe result.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	interval  time.Duration
}

// NewGRPCServer starts NOT_SERVING until the first probe passes.
func NewGRPCServer(r readinessChecker, interval time.Duration) *GRPCServer {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	s := &GRPCServer{health: health.NewServer(), readiness: r, interval: interval}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh runs the readiness probe once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) bool {
	ok := true
	if s.readiness != nil {
		if err := s.readiness.Check(ctx); err != nil {
			obs.Logger().Warn().Err(err).Msg("readiness probe failed")
			ok = false
		}
	}
	obs.SetReady(ok)
	if ok {
		s.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return ok
}

// Run refreshes on every interval until ctx ends, then marks everything
// NOT_SERVING so watchers drain before shutdown.
func (s *GRPCServer) Run(ctx context.Context) error {
	s.Refresh(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return nil
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

func (s *GRPCServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}
