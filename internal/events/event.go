// ABOUTME: Lifecycle event type and the Sink interface every event destination implements
// ABOUTME: Fanout delivers one event to the broadcaster, NATS and the ledger in turn

package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/lasko-hub/internal/store"
)

// Type is the lifecycle transition an event reports.
type Type = store.AgentEventType

const (
	AgentConnected    = store.AgentConnected
	AgentSuperseded   = store.AgentSuperseded
	AgentDisconnected = store.AgentDisconnected
)

// Event is one lifecycle transition of an agent connection.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	AgentID   string         `json:"agent_id"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New creates an event with a fresh ID and the current time.
func New(typ Type, agentID string, detail map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      typ,
		AgentID:   agentID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// Sink receives lifecycle events.
type Sink interface {
	Publish(ctx context.Context, e *Event) error
}

// StoreSink appends events to the agent history in the ledger.
type StoreSink struct {
	Store store.Store
}

// Publish implements Sink.
func (s StoreSink) Publish(ctx context.Context, e *Event) error {
	return s.Store.AppendAgentEvent(ctx, &store.AgentEvent{
		ID:        e.ID,
		AgentID:   e.AgentID,
		Type:      e.Type,
		Detail:    e.Detail,
		Timestamp: e.Timestamp,
	})
}

// Fanout publishes every event to each of its sinks. A failing sink is logged
// and does not stop delivery to the others.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanout creates a Fanout over the non-nil sinks.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	f := &Fanout{logger: logger.With("component", "events")}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish implements Sink. It returns the joined errors of failing sinks.
func (f *Fanout) Publish(ctx context.Context, e *Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, e); err != nil {
			f.logger.Warn("event sink failed",
				"sink", sinkName(s),
				"event_type", e.Type,
				"agent_id", e.AgentID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sinkName(s Sink) string {
	switch s.(type) {
	case *Broadcaster:
		return "broadcaster"
	case *NATSPublisher:
		return "nats"
	case StoreSink:
		return "store"
	default:
		return "custom"
	}
}
