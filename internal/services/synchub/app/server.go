// Package app runs the sync hub: a websocket relay that cache peers connect
// to, plus a gRPC health endpoint for orchestration probes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/louisbranch/cacheline/internal/platform/timeouts"
	"github.com/louisbranch/cacheline/internal/services/cache/transport/ws"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name reported by the hub.
const HealthService = "synchub.relay"

const (
	defaultHTTPAddr = ":8095"
	defaultGRPCAddr = ":8096"
)

// RuntimeConfig controls hub startup.
type RuntimeConfig struct {
	HTTPAddr      string
	GRPCAddr      string
	Backlog       int
	PeerTTL       time.Duration
	MaxFrameBytes int
	Logf          func(string, ...any)
}

// Server owns the hub listeners.
type Server struct {
	hub          *ws.Hub
	logf         func(string, ...any)
	httpListener net.Listener
	grpcListener net.Listener
	httpServer   *http.Server
	grpcServer   *grpc.Server
	health       *health.Server
}

// New binds both listeners.
func New(cfg RuntimeConfig) (*Server, error) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaultHTTPAddr
	}
	if cfg.GRPCAddr == "" {
		cfg.GRPCAddr = defaultGRPCAddr
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on hub http addr %s: %w", cfg.HTTPAddr, err)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpListener.Close()
		return nil, fmt.Errorf("listen on hub grpc addr %s: %w", cfg.GRPCAddr, err)
	}

	hub := ws.NewHub(ws.HubOptions{
		Backlog:       cfg.Backlog,
		PeerTTL:       cfg.PeerTTL,
		MaxFrameBytes: cfg.MaxFrameBytes,
		Logf:          logf,
	})
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	return &Server{
		hub:          hub,
		logf:         logf,
		httpListener: httpListener,
		grpcListener: grpcListener,
		httpServer: &http.Server{
			Handler:           hub.Handler(),
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		grpcServer: grpcServer,
		health:     healthServer,
	}, nil
}

// HTTPAddr returns the bound websocket address.
func (s *Server) HTTPAddr() net.Addr {
	return s.httpListener.Addr()
}

// GRPCAddr returns the bound health address.
func (s *Server) GRPCAddr() net.Addr {
	return s.grpcListener.Addr()
}

// Hub returns the relay.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// Serve runs until ctx is cancelled or a listener fails.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 2)
	go func() {
		if err := s.grpcServer.Serve(s.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr <- fmt.Errorf("serve hub grpc: %w", err)
		}
	}()
	go func() {
		if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("serve hub http: %w", err)
		}
	}()
	s.logf("synchub listening: sync=%v health=%v", s.HTTPAddr(), s.GRPCAddr())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	s.health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logf("shutdown hub http: %v", err)
	}
	// Shutdown does not track hijacked websocket conns.
	s.hub.Close()
	s.grpcServer.GracefulStop()
	return runErr
}

// Run starts a hub and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}
