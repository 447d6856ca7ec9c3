// Package gateway orchestrates the lasko-hub server components.
//
// # Overview
//
// The gateway package is the central coordinator of the hub. It owns the
// agent registry, the call table, the ledger, the event fan-out and the three
// servers: the agent websocket endpoint, the REST API and the optional gRPC
// health service.
//
// # Gateway Struct
//
//	type Gateway struct {
//	    config      *config.Config
//	    agents      *agent.Manager
//	    table       *rpc.Table
//	    dispatcher  *instructions.Dispatcher
//	    store       *store.SQLiteStore
//	    broadcaster *events.Broadcaster
//	    nats        *events.NATSPublisher // nil unless events.nats_url is set
//	    // ... and more
//	}
//
// # Agent Endpoint
//
// Agents dial ws://<agent_addr>/<agent-id> and offer a codec subprotocol
// (lasko.msgpack.v1 or lasko.cbor.v1; msgpack when none is negotiated). The
// session in agentstream.go:
//
//  1. Rejects an empty agent ID with close code 1008
//  2. Registers the connection, superseding an older one with close code 4000
//  3. Reads envelopes: Ping gets Pong, Response resolves a pending call,
//     Request is rate limited and answered by the instruction dispatcher
//  4. Pings the agent every heartbeat_interval and closes it with 1001 after
//     idle_timeout of silence
//  5. On exit waits for in-flight requests, unregisters the connection if it
//     is still the live one, and fails its pending calls
//
// # HTTP API
//
// Routes live under /api/v1 (api.go):
//
//   - GET /printers - Printers of every agent
//   - GET /printers/{printerId} - Printer detail from its owning agent
//   - POST /print-jobs - Submit a job to the printer's agent (201)
//   - GET /print-jobs/{jobId} - Job status
//   - DELETE /print-jobs/{jobId} - Cancel a job
//   - GET /agents - Connected agents
//   - POST /agents/{agentId}/calls - Raw call for operators
//   - GET /agents/{agentId}/events - Agent lifecycle history
//   - GET /calls, GET /calls/{callId} - Call ledger
//   - GET /events - Live lifecycle events (SSE)
//   - GET /health, GET /health/ready - Liveness and readiness
//
// Failed calls map to 503 (no agent), 504 (timeout) and 404 (agent answered
// with an error, or no agent owns the printer or job).
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Run shuts the gateway down itself when ctx ends. Shutdown stops the REST
// server, closes agents and waits for their sessions, fails pending calls,
// then closes gRPC, tsnet, the broadcaster, NATS and the store.
package gateway
