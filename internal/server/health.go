// Package server hosts the environment's administrative surface: a
// standard gRPC health service plus reflection, and the HTTP
// metrics/pprof endpoints in observability.go.
package server

import (
	"sync"

	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/upscaledb-go/ups/pkg/storage"
)

// HealthServer wraps grpc_health_v1's reference implementation. Each
// Refresh sets the overall service status to NOT_SERVING when the backing
// Environment reports a failed last commit, and to SERVING otherwise; the
// status does not change between Refresh calls.
type HealthServer struct {
	*health.Server

	mu  sync.Mutex
	env *storage.Environment
}

// NewHealthServer wires a health.Server to env. The caller registers
// grpc_health_v1.RegisterHealthServer(grpcServer, healthServer) against
// the same service name it passes to SetServingStatus.
func NewHealthServer(env *storage.Environment) *HealthServer {
	hs := &HealthServer{Server: health.NewServer(), env: env}
	hs.Server.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return hs
}

// Refresh re-derives the overall serving status from the environment's
// last commit outcome. Call it after every Txn.Commit in the admin
// server's request path.
func (h *HealthServer) Refresh() {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if h.env.FailedLastCommit() {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.Server.SetServingStatus("", status)
}
