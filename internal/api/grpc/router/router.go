package router

import (
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"

	"github.com/dtroode/deskauth/internal/api/grpc/health"
	"github.com/dtroode/deskauth/internal/api/grpc/middleware"
	"github.com/dtroode/deskauth/internal/logger"
)

// Router builds the operations gRPC server.
type Router struct {
	health *health.Reporter
	logger *logger.Logger
}

func New(health *health.Reporter, logger *logger.Logger) *Router {
	return &Router{
		health: health,
		logger: logger,
	}
}

// Register returns a server with logging and panic recovery that serves the
// health service.
func (r *Router) Register() *grpc.Server {
	logging := middleware.NewLogging(r.logger)
	recoverOpt := middleware.RecoveryOption(r.logger)

	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.HandleGRPC,
			recovery.UnaryServerInterceptor(recoverOpt),
		),
		grpc.ChainStreamInterceptor(
			logging.HandleStream,
			recovery.StreamServerInterceptor(recoverOpt),
		),
	)
	r.health.Register(s)

	return s
}
