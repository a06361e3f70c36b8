// Package grpc holds client helpers for the orchestrator's gRPC health
// endpoint.
package grpc

import (
	"context"
	"fmt"
	"time"

	gogrpc "google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	initialHealthBackoff = 200 * time.Millisecond
	maxHealthBackoff     = time.Second
)

// WaitForHealth blocks until every service reports SERVING or the context
// ends. An empty services list checks the server as a whole.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, services []string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(services) == 0 {
		services = []string{""}
	}

	client := grpc_health_v1.NewHealthClient(conn)
	pending := append([]string(nil), services...)
	backoff := initialHealthBackoff
	for {
		var waiting []string
		for _, service := range pending {
			status, err := checkOnce(ctx, client, service)
			if err == nil && status == grpc_health_v1.HealthCheckResponse_SERVING {
				continue
			}
			waiting = append(waiting, service)
			if logf == nil {
				continue
			}
			if err != nil {
				logf("waiting for health of %q: %v", service, err)
			} else {
				logf("waiting for health of %q: status %s", service, status.String())
			}
		}
		if len(waiting) == 0 {
			if logf != nil {
				logf("gRPC health check is SERVING")
			}
			return nil
		}
		pending = waiting

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health of %v: %w", pending, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxHealthBackoff)
	}
}

func checkOnce(ctx context.Context, client grpc_health_v1.HealthClient, service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	resp, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
