// ABOUTME: Agent lifecycle history store methods
// ABOUTME: Appends connect, supersede and disconnect events and lists them per agent

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAgentEvent appends an event to the agent's history.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAgentEvent(ctx context.Context, e *AgentEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if len(e.Detail) > 0 {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling agent event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_events (event_id, agent_id, type, detail_json, ts)
		VALUES (?, ?, ?, ?, ?)
	`,
		e.ID,
		e.AgentID,
		string(e.Type),
		detailJSON,
		formatTS(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting agent event: %w", err)
	}
	return nil
}

// ListAgentEvents returns the agent's events, newest first.
func (s *SQLiteStore) ListAgentEvents(ctx context.Context, agentID string, limit int) ([]AgentEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, agent_id, type, detail_json, ts
		FROM agent_events
		WHERE agent_id = ?
		ORDER BY ts DESC
		LIMIT ?
	`, agentID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying agent events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []AgentEvent{}
	for rows.Next() {
		var e AgentEvent
		var typ, ts string
		var detailJSON *string
		if err := rows.Scan(&e.ID, &e.AgentID, &typ, &detailJSON, &ts); err != nil {
			return nil, fmt.Errorf("scanning agent event: %w", err)
		}
		e.Type = AgentEventType(typ)
		if e.Timestamp, err = parseTS(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent events: %w", err)
	}
	return events, nil
}
