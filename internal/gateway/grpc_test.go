// ABOUTME: Tests for the gRPC health service wiring
// ABOUTME: The agents service follows the registry: serving while any agent is connected

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/lasko-hub/internal/config"
)

func healthStatus(t *testing.T, h *testHub, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()

	resp, err := h.gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthService_DisabledWithoutAddr(t *testing.T) {
	h := newTestHub(t, func(c *config.Config) { c.Server.GRPCAddr = "" })
	assert.Nil(t, h.gw.grpcServer)
	assert.Nil(t, h.gw.health)
	h.gw.updateAgentHealth() // no-op without a health server
}

func TestHealthService_TracksAgents(t *testing.T) {
	h := newTestHub(t, func(c *config.Config) { c.Server.GRPCAddr = "127.0.0.1:0" })
	require.NotNil(t, h.gw.health)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthStatus(t, h, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthStatus(t, h, AgentsHealthService))

	a := h.connect(t, "agent-1")
	require.Eventually(t, func() bool {
		return healthStatus(t, h, AgentsHealthService) == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.ws.Close())
	require.Eventually(t, func() bool {
		return healthStatus(t, h, AgentsHealthService) == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}
