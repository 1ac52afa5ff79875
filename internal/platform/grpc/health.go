// Package grpc holds gRPC client helpers shared by cacheline commands.
package grpc

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const maxHealthBackoff = time.Second

// ClientDialOptions returns plaintext dial options with OTel client stats so
// probes propagate trace context when a TracerProvider is registered.
func ClientDialOptions() []gogrpc.DialOption {
	return []gogrpc.DialOption{
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

// WaitForHealth blocks until service reports SERVING on conn or ctx ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client := grpc_health_v1.NewHealthClient(conn)
	backoff := 200 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		response, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			return nil
		}
		if logf != nil {
			if err != nil {
				logf("waiting for %q health: %v", service, err)
			} else {
				logf("waiting for %q health: status %s", service, response.GetStatus())
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %q health: %w", service, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxHealthBackoff)
	}
}

// Probe connects to addr and waits up to timeout for service to report
// SERVING.
func Probe(ctx context.Context, addr, service string, timeout time.Duration, logf func(string, ...any)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := gogrpc.NewClient(addr, ClientDialOptions()...)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return WaitForHealth(ctx, conn, service, logf)
}
