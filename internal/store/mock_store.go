// ABOUTME: Mock Store implementation for testing
// ABOUTME: Keeps the ledger in memory so tests can run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	calls  map[string]*CallRecord   // keyed by call ID
	events map[string][]*AgentEvent // keyed by agent ID
	closed bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		calls:  make(map[string]*CallRecord),
		events: make(map[string][]*AgentEvent),
	}
}

// RecordCall stores a copy of rec.
func (m *MockStore) RecordCall(ctx context.Context, rec *CallRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("recording call: empty call id")
	}
	if !rec.Outcome.Valid() {
		return fmt.Errorf("recording call %s: invalid outcome %q", rec.ID, rec.Outcome)
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.calls[rec.ID]; exists {
		return fmt.Errorf("inserting call: duplicate call id %s", rec.ID)
	}
	r := *rec
	m.calls[r.ID] = &r
	return nil
}

// GetCall retrieves a call by ID.
func (m *MockStore) GetCall(ctx context.Context, id string) (*CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *r
	return &result, nil
}

// ListCalls returns calls matching the filter, newest first.
func (m *MockStore) ListCalls(ctx context.Context, f CallFilter) ([]CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	calls := []CallRecord{}
	for _, r := range m.calls {
		if f.AgentID != nil && r.AgentID != *f.AgentID {
			continue
		}
		if f.Command != nil && r.Command != *f.Command {
			continue
		}
		if f.Outcome != nil && r.Outcome != *f.Outcome {
			continue
		}
		if f.Since != nil && r.StartedAt.Before(*f.Since) {
			continue
		}
		calls = append(calls, *r)
	}

	sort.Slice(calls, func(i, j int) bool {
		return calls[i].StartedAt.After(calls[j].StartedAt)
	})

	if limit := normalizeLimit(f.Limit); len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, nil
}

// AppendAgentEvent stores a copy of e.
func (m *MockStore) AppendAgentEvent(ctx context.Context, e *AgentEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ev := *e
	m.events[ev.AgentID] = append(m.events[ev.AgentID], &ev)
	return nil
}

// ListAgentEvents returns the agent's events, newest first.
func (m *MockStore) ListAgentEvents(ctx context.Context, agentID string, limit int) ([]AgentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.events[agentID]
	events := make([]AgentEvent, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		events = append(events, *stored[i])
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})

	if limit = normalizeLimit(limit); len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Compile-time interface check
var _ Store = (*MockStore)(nil)
