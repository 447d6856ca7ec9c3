// Package events distributes agent lifecycle events.
//
// The gateway emits an Event whenever an agent connects, is superseded by a
// newer connection, or disconnects. Events go through a Fanout to every
// configured Sink:
//
//   - Broadcaster: in-memory pub/sub backing the /events server-sent stream
//   - NATSPublisher: JSON on <subject_prefix>.<type> for other systems
//   - StoreSink: the agent_events table of the ledger
package events
