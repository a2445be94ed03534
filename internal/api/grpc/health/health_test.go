package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dtroode/deskauth/internal/model"
	"github.com/dtroode/deskauth/internal/testutil"
)

func check(t *testing.T, r *Reporter, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := r.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestReporter_FollowsBreakerState(t *testing.T) {
	r := NewReporter(testutil.MakeNoopLogger())
	r.Set("token_endpoint", model.BreakerClosed)
	r.Set("api", model.BreakerClosed)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, r, ""))

	hook := r.Hook("token_endpoint")
	hook(model.BreakerClosed, model.BreakerOpen)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, r, "token_endpoint"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, r, "api"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, r, ""))

	hook(model.BreakerOpen, model.BreakerHalfOpen)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, r, "token_endpoint"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, r, ""))
}

func TestReporter_Shutdown(t *testing.T) {
	r := NewReporter(testutil.MakeNoopLogger())
	r.Set("token_endpoint", model.BreakerClosed)

	r.Shutdown()
	r.Set("token_endpoint", model.BreakerClosed)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, r, ""))
}

func TestReporter_UnknownService(t *testing.T) {
	r := NewReporter(testutil.MakeNoopLogger())

	_, err := r.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "missing"})
	assert.Error(t, err)
}
