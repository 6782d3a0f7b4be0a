package server

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// SessionServiceName is the health service name reported for the session
// coordinator, alongside the overall "" entry.
const SessionServiceName = "storyweave.Session"

// HealthService serves the standard gRPC health protocol for orchestrators.
type HealthService struct {
	addr     string
	listener net.Listener
	grpc     *grpc.Server
	health   *health.Server
	logger   *zap.Logger
}

// NewHealthService creates a HealthService that will listen on addr.
// Both service entries start as NOT_SERVING.
//
// Precondition: logger must be non-nil.
func NewHealthService(addr string, logger *zap.Logger) *HealthService {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(SessionServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &HealthService{
		addr:   addr,
		grpc:   srv,
		health: hs,
		logger: logger.Named("health"),
	}
}

// SetServing marks both entries SERVING or NOT_SERVING.
func (h *HealthService) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(SessionServiceName, status)
	h.logger.Info("health status changed", zap.String("status", status.String()))
}

// Serve marks the service SERVING and blocks serving on lis.
//
// Postcondition: Returns when Stop is called or lis fails.
func (h *HealthService) Serve(lis net.Listener) error {
	h.SetServing(true)
	if err := h.grpc.Serve(lis); err != nil {
		return fmt.Errorf("serving health: %w", err)
	}
	return nil
}

// Start listens on the configured address and serves.
func (h *HealthService) Start() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}
	h.listener = lis
	h.logger.Info("health listening", zap.String("addr", lis.Addr().String()))
	return h.Serve(lis)
}

// Stop reports NOT_SERVING to watchers and drains in-flight calls.
func (h *HealthService) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
