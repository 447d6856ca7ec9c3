// ABOUTME: Call ledger store methods for recording finished hub-to-agent calls
// ABOUTME: Supports lookup by call ID and filtered listing newest first

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordCall inserts a finished call. StartedAt defaults to now.
func (s *SQLiteStore) RecordCall(ctx context.Context, rec *CallRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("recording call: empty call id")
	}
	if !rec.Outcome.Valid() {
		return fmt.Errorf("recording call %s: invalid outcome %q", rec.ID, rec.Outcome)
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	var errText *string
	if rec.Error != "" {
		errText = &rec.Error
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, agent_id, command, outcome, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.AgentID,
		rec.Command,
		string(rec.Outcome),
		errText,
		formatTS(rec.StartedAt),
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting call: %w", err)
	}

	s.logger.Debug("recorded call",
		"call_id", rec.ID,
		"agent_id", rec.AgentID,
		"command", rec.Command,
		"outcome", rec.Outcome,
	)
	return nil
}

// GetCall returns the call with the given ID or ErrNotFound.
func (s *SQLiteStore) GetCall(ctx context.Context, id string) (*CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, agent_id, command, outcome, error, started_at, duration_ms
		FROM calls WHERE call_id = ?
	`, id)

	rec, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

const listCallsQuery = `
	SELECT call_id, agent_id, command, outcome, error, started_at, duration_ms
	FROM calls
	WHERE (? IS NULL OR agent_id = ?)
	  AND (? IS NULL OR command = ?)
	  AND (? IS NULL OR outcome = ?)
	  AND (? IS NULL OR started_at >= ?)
	ORDER BY started_at DESC
	LIMIT ?
`

// ListCalls returns calls matching the filter, newest first.
func (s *SQLiteStore) ListCalls(ctx context.Context, f CallFilter) ([]CallRecord, error) {
	var outcome, since *string
	if f.Outcome != nil {
		o := string(*f.Outcome)
		outcome = &o
	}
	if f.Since != nil {
		ts := formatTS(*f.Since)
		since = &ts
	}

	rows, err := s.db.QueryContext(ctx, listCallsQuery,
		f.AgentID, f.AgentID,
		f.Command, f.Command,
		outcome, outcome,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	calls := []CallRecord{}
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating calls: %w", err)
	}
	return calls, nil
}

func scanCall(scanner interface{ Scan(dest ...any) error }) (CallRecord, error) {
	var rec CallRecord
	var outcome, startedAt string
	var errText sql.NullString
	var durationMS int64

	if err := scanner.Scan(
		&rec.ID,
		&rec.AgentID,
		&rec.Command,
		&outcome,
		&errText,
		&startedAt,
		&durationMS,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scanning call: %w", err)
	}

	rec.Outcome = CallOutcome(outcome)
	rec.Error = errText.String
	rec.Duration = time.Duration(durationMS) * time.Millisecond

	var err error
	rec.StartedAt, err = parseTS(startedAt)
	if err != nil {
		return rec, fmt.Errorf("parsing started_at: %w", err)
	}
	return rec, nil
}
