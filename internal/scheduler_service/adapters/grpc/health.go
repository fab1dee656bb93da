package grpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health-checked service name; "" reports the same status.
const ServiceName = "mailscheduler.v1.Scheduler"

const (
	defaultCheckInterval = 15 * time.Second
	pingTimeout          = 3 * time.Second
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter keeps the grpc.health.v1 status in step with database reachability.
type HealthReporter struct {
	health   *health.Server
	pinger   Pinger
	interval time.Duration
	logger   *slog.Logger
	serving  bool
}

func NewHealthReporter(pinger Pinger, interval time.Duration, logger *slog.Logger) *HealthReporter {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	h := &HealthReporter{
		health:   health.NewServer(),
		pinger:   pinger,
		interval: interval,
		logger:   logger,
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// NewServer builds a gRPC server exposing health and reflection.
func NewServer(h *HealthReporter, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.health)
	reflection.Register(s)
	return s
}

// Check pings the database once and publishes the result.
func (h *HealthReporter) Check(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	err := h.pinger.Ping(pingCtx)
	switch {
	case err != nil && h.serving:
		h.logger.WarnContext(ctx, "Database ping failed, reporting NOT_SERVING", "error", err)
	case err == nil && !h.serving:
		h.logger.InfoContext(ctx, "Database reachable, reporting SERVING")
	}
	h.serving = err == nil
	if h.serving {
		h.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// Run checks on every interval until ctx is done, then reports NOT_SERVING permanently.
func (h *HealthReporter) Run(ctx context.Context) error {
	h.Check(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Check(ctx)
		case <-ctx.Done():
			h.health.Shutdown()
			return nil
		}
	}
}

func (h *HealthReporter) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}
