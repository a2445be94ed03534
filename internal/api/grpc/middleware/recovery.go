package middleware

import (
	"context"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dtroode/deskauth/internal/logger"
)

// RecoveryOption turns handler panics into codes.Internal and logs them.
func RecoveryOption(logger *logger.Logger) recovery.Option {
	return recovery.WithRecoveryHandlerContext(func(ctx context.Context, p any) error {
		logger.Error("gRPC: handler panicked", "panic", p)
		return status.Error(codes.Internal, "internal error")
	})
}
