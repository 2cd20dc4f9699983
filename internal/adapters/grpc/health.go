package grpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// EscrowServiceName is the service name health checks can target besides "".
const EscrowServiceName = "escrow.v1.TransactionEscrowService"

// ReadinessCheck reports whether backing stores are reachable.
type ReadinessCheck func(ctx context.Context) error

// HealthReporter keeps the gRPC health status in line with readiness.
type HealthReporter struct {
	server   *health.Server
	check    ReadinessCheck
	interval time.Duration
	logger   *slog.Logger
	serving  bool
}

func NewHealthReporter(logger *slog.Logger, check ReadinessCheck, interval time.Duration) *HealthReporter {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	r := &HealthReporter{
		server:   health.NewServer(),
		check:    check,
		interval: interval,
		logger:   logger,
		serving:  true,
	}
	r.set(healthpb.HealthCheckResponse_SERVING)
	return r
}

func Register(server grpc.ServiceRegistrar, reporter *HealthReporter) {
	healthpb.RegisterHealthServer(server, reporter.server)
}

func (r *HealthReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.Probe(ctx)
		select {
		case <-ctx.Done():
			r.server.Shutdown()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Probe runs the readiness check once and publishes the result.
func (r *HealthReporter) Probe(ctx context.Context) {
	if r.check == nil {
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := r.check(checkCtx)
	cancel()

	serving := err == nil
	if serving == r.serving {
		return
	}
	r.serving = serving
	if serving {
		r.logger.InfoContext(ctx, "grpc health serving",
			"module", "grpc",
			"layer", "adapter",
			"operation", "health_probe",
			"outcome", "success",
		)
		r.set(healthpb.HealthCheckResponse_SERVING)
		return
	}
	r.logger.WarnContext(ctx, "grpc health not serving",
		"module", "grpc",
		"layer", "adapter",
		"operation", "health_probe",
		"outcome", "failure",
		"error", err,
	)
	r.set(healthpb.HealthCheckResponse_NOT_SERVING)
}

func (r *HealthReporter) set(status healthpb.HealthCheckResponse_ServingStatus) {
	r.server.SetServingStatus("", status)
	r.server.SetServingStatus(EscrowServiceName, status)
}
