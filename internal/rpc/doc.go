// Package rpc correlates hub-initiated requests with agent responses.
//
// Each Call draws a fresh call ID, stores a pending entry, sends a Request
// envelope over the agent's live connection and waits for the Response with the
// same ID. Every pending entry is removed exactly once, by whichever of these
// gets to it first:
//
//   - Resolve: the agent answered
//   - the waiting caller: its timeout or context expired
//   - FailConnection: the connection that carried the request went away
//   - Close: the hub is shutting down
//
// The loser of that race finds the entry gone and, for the caller, reads the
// outcome the winner delivered. A response that arrives after its call timed
// out is dropped and logged.
//
// Broadcast writes the request to every connected agent with bounded
// concurrency, then waits for all of them at once, each under its own timeout,
// and returns one Result per agent. A silent agent never delays the send to
// another.
package rpc
