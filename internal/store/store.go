// ABOUTME: Store interface and data types for the hub's call and agent-event ledger
// ABOUTME: Defines CallRecord, AgentEvent, their filters and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// CallOutcome is how a hub-to-agent call finished.
type CallOutcome string

const (
	OutcomeOK             CallOutcome = "ok"
	OutcomeError          CallOutcome = "error"
	OutcomeTimeout        CallOutcome = "timeout"
	OutcomeNotConnected   CallOutcome = "not_connected"
	OutcomeConnectionLost CallOutcome = "connection_lost"
	OutcomeCancelled      CallOutcome = "cancelled"
)

// ValidCallOutcomes lists all valid call outcomes.
var ValidCallOutcomes = []CallOutcome{
	OutcomeOK,
	OutcomeError,
	OutcomeTimeout,
	OutcomeNotConnected,
	OutcomeConnectionLost,
	OutcomeCancelled,
}

// Valid reports whether o is one of the known outcomes.
func (o CallOutcome) Valid() bool {
	for _, v := range ValidCallOutcomes {
		if o == v {
			return true
		}
	}
	return false
}

// CallRecord is one finished call from the hub to an agent.
type CallRecord struct {
	ID        string
	AgentID   string
	Command   string
	Outcome   CallOutcome
	Error     string // empty unless Outcome != ok
	StartedAt time.Time
	Duration  time.Duration
}

// CallFilter specifies filtering options for listing calls.
type CallFilter struct {
	AgentID *string
	Command *string
	Outcome *CallOutcome
	Since   *time.Time
	Limit   int // default 100, max 1000
}

// AgentEventType is the kind of lifecycle transition an agent went through.
type AgentEventType string

const (
	AgentConnected    AgentEventType = "agent.connected"
	AgentSuperseded   AgentEventType = "agent.superseded"
	AgentDisconnected AgentEventType = "agent.disconnected"
)

// AgentEvent is one entry in an agent's lifecycle history.
type AgentEvent struct {
	ID        string
	AgentID   string
	Type      AgentEventType
	Detail    map[string]any
	Timestamp time.Time
}

// Store is the persistence interface for the ledger.
type Store interface {
	RecordCall(ctx context.Context, rec *CallRecord) error
	GetCall(ctx context.Context, id string) (*CallRecord, error)
	ListCalls(ctx context.Context, f CallFilter) ([]CallRecord, error)

	AppendAgentEvent(ctx context.Context, e *AgentEvent) error
	ListAgentEvents(ctx context.Context, agentID string, limit int) ([]AgentEvent, error)

	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
