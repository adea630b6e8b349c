// Package healthsrv publishes per-model routing availability through the
// standard gRPC health service. Each canonical model is a service name; the
// empty service reports the process itself.
package healthsrv

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Source answers which models exist and whether they can be routed now.
type Source interface {
	KnownModels() []string
	Available(model string) bool
}

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	src    Source
	logger *slog.Logger

	mu     sync.Mutex
	status map[string]healthpb.HealthCheckResponse_ServingStatus
}

func New(src Source, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		src:    src,
		logger: logger.With("component", "grpc_health"),
		status: make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.Refresh()
	return s
}

// Refresh recomputes every model's status. Models that disappeared from
// configuration are reported as NOT_SERVING.
func (s *Server) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, model := range s.src.KnownModels() {
		seen[model] = true
		next := healthpb.HealthCheckResponse_NOT_SERVING
		if s.src.Available(model) {
			next = healthpb.HealthCheckResponse_SERVING
		}
		if prev, ok := s.status[model]; ok && prev == next {
			continue
		}
		s.status[model] = next
		s.health.SetServingStatus(model, next)
		s.logger.Debug("model health changed", "model", model, "status", next.String())
	}
	for model, st := range s.status {
		if seen[model] || st == healthpb.HealthCheckResponse_NOT_SERVING {
			continue
		}
		s.status[model] = healthpb.HealthCheckResponse_NOT_SERVING
		s.health.SetServingStatus(model, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// Serve blocks serving gRPC on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc health server starting", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc health serve: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains open streams.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
