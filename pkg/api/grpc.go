package api

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"transfer-engine/pkg/logging"
	"transfer-engine/pkg/metrics"
	"transfer-engine/pkg/resilience"
)

// HealthServer serves the standard gRPC health protocol. Each gateway is a
// service named after it, NOT_SERVING while its breaker is open. The overall
// service ("") is NOT_SERVING while any breaker is open.
type HealthServer struct {
	addr   string
	health *health.Server
	server *grpc.Server
	logger *logging.Logger

	mu     sync.Mutex
	states map[string]metrics.CircuitState
}

// NewHealthServer creates a gRPC server exposing health and reflection.
func NewHealthServer(addr string, breakers []*resilience.Breaker, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.Global()
	}
	h := &HealthServer{
		addr:   addr,
		health: health.NewServer(),
		logger: logger.Named("grpc"),
		states: make(map[string]metrics.CircuitState, len(breakers)),
	}
	h.server = grpc.NewServer(grpc.UnaryInterceptor(h.logUnary))
	healthpb.RegisterHealthServer(h.server, h.health)
	reflection.Register(h.server)

	for _, b := range breakers {
		h.setState(b.Name(), b.State())
		b.OnStateChange(func(name string, _, to metrics.CircuitState) {
			h.setState(name, to)
		})
	}
	if len(breakers) == 0 {
		h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	return h
}

// Health exposes the underlying health server.
func (h *HealthServer) Health() healthpb.HealthServer {
	return h.health
}

// Serve listens on the configured address until ctx is cancelled.
func (h *HealthServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("gRPC health server listening", zap.String("addr", h.addr))
		errCh <- h.server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		h.Stop()
		return nil
	}
}

// Stop marks every service NOT_SERVING and stops gracefully.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}

// setState records a breaker state and recomputes the overall service.
// Breaker listeners call it under the breaker's lock, so it must not call
// back into the breaker.
func (h *HealthServer) setState(name string, state metrics.CircuitState) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.states[name] = state
	h.health.SetServingStatus(name, servingStatus(state))

	overall := healthpb.HealthCheckResponse_SERVING
	for _, st := range h.states {
		if st == metrics.CircuitOpen {
			overall = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	h.health.SetServingStatus("", overall)
}

func (h *HealthServer) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		h.logger.Warn("gRPC call failed", zap.String("method", info.FullMethod), logging.Elapsed(start), zap.Error(err))
	} else {
		h.logger.Debug("gRPC call", zap.String("method", info.FullMethod), logging.Elapsed(start))
	}
	return resp, err
}

func servingStatus(s metrics.CircuitState) healthpb.HealthCheckResponse_ServingStatus {
	if s == metrics.CircuitOpen {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
