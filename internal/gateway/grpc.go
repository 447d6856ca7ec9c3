// ABOUTME: gRPC health service for load balancers and orchestrators
// ABOUTME: Reports overall liveness plus an "agents" service that is serving while any agent is connected

package gateway

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// AgentsHealthService is the health service name that tracks agent readiness.
const AgentsHealthService = "lasko.hub.agents"

// registerHealth registers the standard health service on server.
func registerHealth(server *grpc.Server) *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(AgentsHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return hs
}

// updateAgentHealth mirrors readiness (at least one agent) into the health service.
func (g *Gateway) updateAgentHealth() {
	if g.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if g.agents.Count() > 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(AgentsHealthService, status)
}
