package monitor

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Health serves the standard gRPC health service and backs the HTTP /health
// route.
type Health struct {
	grpcHealth *health.Server
	server     *grpc.Server
	logger     *zap.Logger
	ready      atomic.Bool
}

func NewHealth(logger *zap.Logger) *Health {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Health{grpcHealth: health.NewServer(), logger: logger}
	h.ready.Store(true)
	return h
}

// RegisterGRPC registers the health service with the gRPC server.
func (h *Health) RegisterGRPC(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h.grpcHealth)
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
}

// Serve runs a gRPC server exposing only the health service.
func (h *Health) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.server = grpc.NewServer()
	h.RegisterGRPC(h.server)
	h.logger.Info("starting gRPC health server", zap.String("addr", addr))
	if err := h.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Ready reports whether the process is serving.
func (h *Health) Ready() bool { return h.ready.Load() }

// Shutdown flips to NOT_SERVING and stops the gRPC server.
func (h *Health) Shutdown(ctx context.Context) {
	h.ready.Store(false)
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	if h.server == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		h.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.server.Stop()
	}
}
