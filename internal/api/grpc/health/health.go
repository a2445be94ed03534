// Package health exposes the gRPC health service. Each tracked dependency is
// reported as its own service name; the overall status ("") is SERVING only
// while every tracked dependency is.
package health

import (
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dtroode/deskauth/internal/logger"
	"github.com/dtroode/deskauth/internal/model"
)

// Reporter maps breaker states onto gRPC health statuses.
type Reporter struct {
	server *health.Server
	logger *logger.Logger

	mu      sync.Mutex
	serving map[string]bool
}

func NewReporter(logger *logger.Logger) *Reporter {
	return &Reporter{
		server:  health.NewServer(),
		logger:  logger,
		serving: make(map[string]bool),
	}
}

// Register adds the health service to s.
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.server)
}

// Set records the state of the dependency named service.
func (r *Reporter) Set(service string, state model.BreakerState) {
	serving := state != model.BreakerOpen

	r.mu.Lock()
	defer r.mu.Unlock()

	r.serving[service] = serving
	r.server.SetServingStatus(service, status(serving))

	overall := true
	for _, ok := range r.serving {
		overall = overall && ok
	}
	r.server.SetServingStatus("", status(overall))

	r.logger.Debug("Health: status updated", "service", service, "state", state, "serving", overall)
}

// Hook returns a breaker state-change hook that keeps service in sync.
func (r *Reporter) Hook(service string) func(from, to model.BreakerState) {
	return func(_, to model.BreakerState) {
		r.Set(service, to)
	}
}

// Shutdown reports NOT_SERVING for everything and ignores later updates.
func (r *Reporter) Shutdown() {
	r.server.Shutdown()
}

func status(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
