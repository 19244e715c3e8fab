package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// InferenceService is the gRPC health service name that tracks whether any
// inference provider can take calls.
const InferenceService = "inference"

// HealthService serves the standard gRPC health protocol.
type HealthService struct {
	server   *grpc.Server
	health   *health.Server
	checker  ProviderHealth
	port     int
	interval time.Duration
	logger   *zap.Logger
}

// NewHealthService creates the gRPC health server.
func NewHealthService(port int, checker ProviderHealth, logger *zap.Logger) *HealthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second))
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, hs)
	reflection.Register(s)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	h := &HealthService{
		server:   s,
		health:   hs,
		checker:  checker,
		port:     port,
		interval: 5 * time.Second,
		logger:   logger.Named("grpc"),
	}
	h.Refresh()
	return h
}

// Refresh updates the inference status from provider health.
func (h *HealthService) Refresh() {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !h.checker.AnyUsable() {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(InferenceService, status)
}

// Check answers a health query without going through the network.
func (h *HealthService) Check(ctx context.Context, service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Start listens and keeps the inference status current until ctx is done.
func (h *HealthService) Start(ctx context.Context) error {
	addr := fmt.Sprintf("0.0.0.0:%d", h.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	h.logger.Info("gRPC health service listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := h.server.Serve(ln); err != nil {
			h.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Refresh()
			}
		}
	}()
	return nil
}

// Stop marks every service not serving and stops the server.
func (h *HealthService) Stop() {
	h.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		h.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		h.logger.Warn("gRPC server forced to stop after timeout")
		h.server.Stop()
	}
}
