package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"thinauth.org/internal/obs"
)

// GRPCHealth publishes the readiness probe through the standard gRPC health
// service for the listed services and the server as a whole ("").
type GRPCHealth struct {
	server    *health.Server
	readiness readinessChecker
	services  []string
}

// NewGRPCHealth creates the health reporter. Services start NOT_SERVING
// until the first Refresh.
func NewGRPCHealth(r readinessChecker, services ...string) *GRPCHealth {
	h := &GRPCHealth{
		server:    health.NewServer(),
		readiness: r,
		services:  append([]string{""}, services...),
	}
	for _, svc := range h.services {
		h.server.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return h
}

// Register binds the health service to gs.
func (h *GRPCHealth) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, h.server)
}

// Refresh runs the readiness probe once and publishes the result.
func (h *GRPCHealth) Refresh(ctx context.Context) error {
	err := h.readiness.Check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		obs.Warn("readiness check failed", map[string]any{"error": err})
	}
	obs.SetReady(err == nil)
	for _, svc := range h.services {
		h.server.SetServingStatus(svc, status)
	}
	return err
}

// Run refreshes every interval until ctx is done, then marks everything
// NOT_SERVING for the drain.
func (h *GRPCHealth) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	_ = h.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-t.C:
			probeCtx, cancel := context.WithTimeout(ctx, every)
			_ = h.Refresh(probeCtx)
			cancel()
		}
	}
}
