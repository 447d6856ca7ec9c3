// Package store provides the hub's ledger using SQLite.
//
// The hub keeps no printer or job state; the ledger only records what happened
// on agent connections so operators can answer "did that call reach the agent,
// and how did it end?" after the fact.
//
// # Tables
//
//   - calls: one row per finished call (call_id, agent_id, command, outcome,
//     error, started_at, duration_ms)
//   - agent_events: lifecycle history (agent.connected, agent.superseded,
//     agent.disconnected) with a JSON detail blob
//
// # Implementations
//
// SQLiteStore is backed by modernc.org/sqlite (pure Go, no cgo) in WAL mode.
// MockStore keeps everything in memory for tests.
//
// List operations default to 100 rows and are capped at 1000. Timestamps are
// stored as fixed-width UTC strings so that lexical order is time order.
package store
