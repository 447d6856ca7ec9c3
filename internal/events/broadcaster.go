// ABOUTME: In-memory fan-out broadcaster for agent lifecycle events
// ABOUTME: Subscribers follow one agent or every agent; slow subscribers drop events

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllAgents subscribes to events for every agent.
	AllAgents = ""
)

// Broadcaster provides in-memory pub/sub for lifecycle events. Subscribers
// register for an agent ID, or AllAgents, and receive events as they happen.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // agentID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events about agentID (or AllAgents).
// The subscription is removed and its channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, agentID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[agentID]; !ok {
		b.subscribers[agentID] = make(map[string]chan *Event)
	}
	b.subscribers[agentID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent_id", agentID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(agentID, subID)
	}()

	return ch, subID
}

// Publish delivers e to subscribers of its agent and to AllAgents subscribers.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(_ context.Context, e *Event) error {
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliverLocked(b.subscribers[e.AgentID], e)
	if e.AgentID != AllAgents {
		b.deliverLocked(b.subscribers[AllAgents], e)
	}
	return nil
}

func (b *Broadcaster) deliverLocked(subs map[string]chan *Event, e *Event) {
	for subID, ch := range subs {
		select {
		case ch <- e:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"agent_id", e.AgentID,
				"sub_id", subID,
				"event_id", e.ID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(agentID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[agentID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, agentID)
	}

	b.logger.Debug("subscriber removed", "agent_id", agentID, "sub_id", subID)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close closes all subscriber channels. Later subscriptions get a closed channel.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for agentID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, agentID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
	return nil
}
