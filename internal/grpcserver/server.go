// Package grpcserver exposes the standard gRPC health service so that
// orchestrators can probe the real-time delivery server over gRPC.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/zonedesk/zonedesk/internal/pkg/logger"
)

// ServiceName is the health service name reported alongside the overall
// ("") status.
const ServiceName = "zonedesk.realtime"

// Config holds the gRPC server configuration.
type Config struct {
	// Addr is the TCP address to listen on (e.g., ":9090").
	Addr string

	// PollInterval is how often readiness is sampled.
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         ":9090",
		PollInterval: time.Second,
	}
}

// Server serves gRPC health checks that follow a readiness probe.
type Server struct {
	cfg        Config
	log        *logger.Logger
	ready      func() bool
	health     *health.Server
	grpcServer *grpc.Server
}

// New creates a gRPC server. ready is sampled every PollInterval.
func New(cfg Config, log *logger.Logger, ready func() bool) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}

	s := &Server{
		cfg:    cfg,
		log:    log.WithComponent("grpc"),
		ready:  ready,
		health: health.NewServer(),
	}
	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Second,
			Time:                  10 * time.Second,
			Timeout:               3 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("gRPC server listening", "addr", ln.Addr().String())

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.watch(watchCtx)
	}()

	errc := make(chan error, 1)
	go func() { errc <- s.grpcServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.log.Info("Stopping gRPC server...")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		<-done
		return nil
	case err := <-errc:
		stopWatch()
		<-done
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	}
}

func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	serving := false
	for {
		if now := s.ready(); now != serving {
			serving = now
			if serving {
				s.setStatus(healthpb.HealthCheckResponse_SERVING)
			} else {
				s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
			}
			s.log.Debug("Health status changed", "serving", serving)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}
