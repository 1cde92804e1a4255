// Package health serves the standard gRPC health service for the chat
// server. The overall status follows the database; the chat service status
// also goes down once sessions stop being accepted.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ChatService is the service name reported for the chat API.
const ChatService = "streamchat.Chat"

const (
	defaultInterval = 15 * time.Second
	pingTimeout     = 3 * time.Second
	stopTimeout     = 5 * time.Second
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures the health server.
type Config struct {
	DB Pinger
	// Accepting reports whether new chat sessions can be created.
	Accepting func() bool
	Interval  time.Duration
	Logger    *slog.Logger
}

// Server wraps a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	cfg    Config
	health *grpchealth.Server
	grpc   *grpc.Server
	logger *slog.Logger
}

// NewServer creates a health server. Statuses start as NOT_SERVING until
// the first check.
func NewServer(cfg Config) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ChatService, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
	)
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{cfg: cfg, health: hs, grpc: gs, logger: logger}
}

// Check refreshes the serving statuses once.
func (s *Server) Check(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING
	if s.cfg.DB != nil {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := s.cfg.DB.Ping(pingCtx)
		cancel()
		if err != nil {
			s.logger.Warn("Health check: database unreachable", "error", err)
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}

	chat := overall
	if s.cfg.Accepting != nil && !s.cfg.Accepting() {
		chat = healthpb.HealthCheckResponse_NOT_SERVING
	}

	s.health.SetServingStatus("", overall)
	s.health.SetServingStatus(ChatService, chat)
}

// Serve checks immediately, serves on lis and refreshes statuses every
// interval until ctx is done. It returns nil after a graceful stop.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.Check(ctx)

	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Check(ctx)
			}
		}
	}()

	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc health server: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the gRPC server. Open
// Watch streams are cut after stopTimeout.
func (s *Server) Stop() {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		s.grpc.Stop()
	}
}
