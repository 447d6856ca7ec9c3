// ABOUTME: Registry of connected print agents keyed by agent ID, at most one live connection each.
// ABOUTME: Handles supersession, identity-checked removal, and supervised shutdown of sessions.

package agent

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Manager tracks the live connection for every agent ID.
type Manager struct {
	agents map[string]*Connection
	mu     sync.RWMutex
	logger *slog.Logger

	sessions     sync.WaitGroup
	shuttingDown bool
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		agents: make(map[string]*Connection),
		logger: logger.With("component", "agents"),
	}
}

// Register makes conn the live connection for its agent ID. A previous
// connection for the same ID is returned after being closed with ReasonSuperseded.
func (m *Manager) Register(conn *Connection) *Connection {
	m.mu.Lock()
	prev := m.agents[conn.ID]
	m.agents[conn.ID] = conn
	total := len(m.agents)
	m.mu.Unlock()

	if prev != nil && prev != conn {
		m.logger.Info("=== AGENT SUPERSEDED ===",
			"agent_id", conn.ID,
			"old_remote", prev.RemoteAddr,
			"new_remote", conn.RemoteAddr,
		)
		prev.Close(ReasonSuperseded)
	} else {
		prev = nil
	}

	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.ID,
		"remote", conn.RemoteAddr,
		"codec", conn.Codec().Name(),
		"total_agents", total,
	)
	return prev
}

// Unregister removes conn, but only if it is still the live connection for its
// ID. A superseded connection tearing down never evicts its replacement.
func (m *Manager) Unregister(conn *Connection) bool {
	m.mu.Lock()
	current, ok := m.agents[conn.ID]
	if !ok || current != conn {
		m.mu.Unlock()
		m.logger.Debug("skipping unregister of stale connection", "agent_id", conn.ID)
		return false
	}
	delete(m.agents, conn.ID)
	total := len(m.agents)
	m.mu.Unlock()

	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", conn.ID,
		"remote", conn.RemoteAddr,
		"connected_for", time.Since(conn.ConnectedAt).Round(time.Second).String(),
		"total_agents", total,
	)
	return true
}

// Lookup returns the live connection for agentID.
func (m *Manager) Lookup(agentID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.agents[agentID]
	return conn, ok
}

// IsOnline reports whether agentID currently has a live connection.
func (m *Manager) IsOnline(agentID string) bool {
	_, ok := m.Lookup(agentID)
	return ok
}

// Snapshot returns the IDs of all connected agents in sorted order.
func (m *Manager) Snapshot() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Count returns the number of connected agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// ListAgents returns information about all connected agents, sorted by ID.
func (m *Manager) ListAgents() []*AgentInfo {
	m.mu.RLock()
	agents := make([]*AgentInfo, 0, len(m.agents))
	for _, conn := range m.agents {
		agents = append(agents, &AgentInfo{
			ID:          conn.ID,
			RemoteAddr:  conn.RemoteAddr,
			Codec:       conn.Codec().Name(),
			ConnectedAt: conn.ConnectedAt,
			LastSeen:    conn.LastSeen(),
		})
	}
	m.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// BeginSession records the start of a connection task. It returns false once
// Shutdown has begun; otherwise the caller must call end when the task finishes.
func (m *Manager) BeginSession() (end func(), ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown {
		return nil, false
	}
	m.sessions.Add(1)
	var once sync.Once
	return func() { once.Do(m.sessions.Done) }, true
}

// Shutdown refuses new sessions, closes every live connection with
// ReasonShutdown and waits for the session tasks to finish or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	conns := make([]*Connection, 0, len(m.agents))
	for _, conn := range m.agents {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	m.logger.Info("closing agent connections", "count", len(conns))
	for _, conn := range conns {
		conn.Close(ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShuttingDown reports whether Shutdown has been called.
func (m *Manager) ShuttingDown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shuttingDown
}

// AgentInfo contains public information about a connected agent.
type AgentInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Codec       string    `json:"codec"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}
