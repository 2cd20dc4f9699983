package grpc

import (
	"context"
	"errors"
	"testing"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func checkStatus(t *testing.T, r *HealthReporter, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := r.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("check %q: %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealthReporterFollowsReadiness(t *testing.T) {
	var failing error
	r := NewHealthReporter(nil, func(context.Context) error { return failing }, 0)

	if got := checkStatus(t, r, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("initial status = %s", got)
	}

	failing = errors.New("postgres unreachable")
	r.Probe(context.Background())
	if got := checkStatus(t, r, EscrowServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after failed probe = %s", got)
	}

	failing = nil
	r.Probe(context.Background())
	if got := checkStatus(t, r, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status after recovery = %s", got)
	}
}
