// Package agent tracks connections to print agents.
//
// # Overview
//
// Every print agent holds one persistent websocket to the hub. The agent package
// owns the registry that maps an agent ID to its live Connection and the rules
// for replacing, removing and shutting those connections down.
//
// # Manager
//
// The Manager tracks all connected agents:
//
//	mgr := agent.NewManager(logger)
//
// Key operations:
//
//   - Register(conn): Make conn the live connection, closing any previous one with ReasonSuperseded
//   - Unregister(conn): Remove conn if and only if it is still the live connection
//   - Lookup(id): Get the live connection for an agent
//   - Snapshot(): Sorted IDs of connected agents
//   - ListAgents(): Descriptive info for every connected agent
//   - BeginSession() / Shutdown(ctx): Supervise connection tasks
//
// # Connection
//
// Connection wraps a Transport with the negotiated protocol.Codec:
//
//   - Send(ctx, env): Encode and write one envelope; writes are serialized
//   - Close(reason): Close once with a websocket close code and text
//   - Touch() / LastSeen(): Liveness bookkeeping for the idle supervisor
//
// # Supersession
//
// An agent that reconnects while its old socket is still registered wins. The
// old connection is closed with code 4000 "superseded" and its connection loop
// later calls Unregister, which is a no-op because the registry no longer points
// at it.
//
// # Thread Safety
//
// Manager and Connection are safe for concurrent use. Transport close calls
// happen outside the registry lock.
package agent
