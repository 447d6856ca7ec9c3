// ABOUTME: Correlates hub-to-agent requests with their responses by call ID.
// ABOUTME: Handles timeouts, cancellation, connection loss and shutdown of pending calls.

package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/lasko-hub/internal/agent"
	"github.com/2389/lasko-hub/internal/dedupe"
	"github.com/2389/lasko-hub/internal/protocol"
	"github.com/2389/lasko-hub/internal/store"
)

// DefaultTimeout is the default time to wait for an agent's response.
const DefaultTimeout = 10 * time.Second

// DefaultBroadcastConcurrency bounds how many requests a Broadcast writes at once.
const DefaultBroadcastConcurrency = 16

// Recorder receives a record of every finished call.
type Recorder interface {
	RecordCall(ctx context.Context, rec *store.CallRecord) error
}

// Config contains configuration options for the Table.
type Config struct {
	Agents               *agent.Manager
	Logger               *slog.Logger
	Timeout              time.Duration
	BroadcastConcurrency int
	Recorder             Recorder // optional
}

type outcome struct {
	payload protocol.Payload
	err     error
}

type pendingCall struct {
	id      string
	agentID string
	command string
	conn    *agent.Connection
	started time.Time
	result  chan outcome // buffered; written once by whoever takes the entry
}

// Table tracks outstanding calls to agents and routes responses to their callers.
type Table struct {
	agents      *agent.Manager
	logger      *slog.Logger
	timeout     time.Duration
	concurrency int
	recorder    Recorder

	// expired remembers IDs of calls that timed out so late replies can be told
	// apart from replies to calls the hub never made.
	expired *dedupe.Cache

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

// NewTable creates a new Table with the given configuration.
func NewTable(cfg Config) *Table {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	concurrency := cfg.BroadcastConcurrency
	if concurrency <= 0 {
		concurrency = DefaultBroadcastConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Table{
		agents:      cfg.Agents,
		logger:      logger.With("component", "rpc"),
		timeout:     timeout,
		concurrency: concurrency,
		recorder:    cfg.Recorder,
		expired:     dedupe.New(10*timeout, 10_000),
		pending:     make(map[string]*pendingCall),
	}
}

// Timeout returns the default call timeout.
func (t *Table) Timeout() time.Duration {
	return t.timeout
}

// Call sends command to agentID and waits for the matching response. A timeout
// of zero uses the table default. The returned payload may itself carry an
// "error" key; that is the agent's answer, not a transport failure.
func (t *Table) Call(ctx context.Context, agentID, command string, payload protocol.Payload, timeout time.Duration) (protocol.Payload, error) {
	f, err := t.send(ctx, agentID, command, payload, timeout)
	if err != nil {
		return nil, err
	}
	return t.await(f)
}

// inflight is a call whose request has been written to the agent.
type inflight struct {
	call   *pendingCall
	parent context.Context
	ctx    context.Context // bounded by the call timeout, started before the send
	cancel context.CancelFunc
}

// send registers a call and writes its request. A failed call is finished
// (logged and recorded) before send returns its error.
func (t *Table) send(ctx context.Context, agentID, command string, payload protocol.Payload, timeout time.Duration) (*inflight, error) {
	if command == "" {
		return nil, ErrEmptyCommand
	}
	if timeout <= 0 {
		timeout = t.timeout
	}
	started := time.Now()

	conn, ok := t.agents.Lookup(agentID)
	if !ok {
		t.logger.Debug("call to unconnected agent", "agent_id", agentID, "command", command)
		t.record(&pendingCall{id: uuid.NewString(), agentID: agentID, command: command, started: started},
			outcome{err: ErrNotConnected})
		return nil, ErrNotConnected
	}

	call, err := t.register(agentID, command, conn, started)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	req := &protocol.Request{ID: call.id, Command: command, Payload: payload}
	if sendErr := conn.Send(callCtx, req); sendErr != nil {
		out := t.abandon(ctx, callCtx, call, sendErr)
		cancel()
		_, err = t.finish(call, out)
		return nil, err
	}

	t.logger.Debug("→ request sent",
		"agent_id", agentID,
		"call_id", call.id,
		"command", command,
	)
	return &inflight{call: call, parent: ctx, ctx: callCtx, cancel: cancel}, nil
}

// await waits for the response to f, its timeout, or cancellation.
func (t *Table) await(f *inflight) (protocol.Payload, error) {
	defer f.cancel()

	select {
	case out := <-f.call.result:
		return t.finish(f.call, out)
	case <-f.ctx.Done():
		return t.finish(f.call, t.abandon(f.parent, f.ctx, f.call, nil))
	}
}

// abandon gives up on call. If another path already took the entry, the
// outcome it delivered wins.
func (t *Table) abandon(parent, callCtx context.Context, call *pendingCall, sendErr error) outcome {
	if t.take(call.id) == nil {
		return <-call.result
	}

	switch {
	case parent.Err() != nil:
		return outcome{err: fmt.Errorf("call %s cancelled: %w", call.id, parent.Err())}
	case callCtx.Err() != nil:
		t.expired.Mark(call.id)
		return outcome{err: &TimeoutError{CallID: call.id, AgentID: call.agentID, Command: call.command}}
	case errors.Is(sendErr, agent.ErrConnectionClosed):
		return outcome{err: ErrConnectionLost}
	default:
		return outcome{err: fmt.Errorf("%w: %v", ErrConnectionLost, sendErr)}
	}
}

func (t *Table) finish(call *pendingCall, out outcome) (protocol.Payload, error) {
	t.record(call, out)

	if out.err != nil {
		t.logger.Warn("call failed",
			"agent_id", call.agentID,
			"call_id", call.id,
			"command", call.command,
			"duration", time.Since(call.started).String(),
			"error", out.err,
		)
		return nil, out.err
	}

	t.logger.Debug("← response received",
		"agent_id", call.agentID,
		"call_id", call.id,
		"command", call.command,
		"duration", time.Since(call.started).String(),
	)
	return out.payload, nil
}

// Resolve delivers payload to the caller waiting on callID. Responses for calls
// that are no longer pending are dropped.
func (t *Table) Resolve(callID string, payload protocol.Payload) {
	call := t.take(callID)
	if call == nil {
		if t.expired.Take(callID) {
			t.logger.Debug("dropping late response for expired call", "call_id", callID)
		} else {
			t.logger.Warn("received response for unknown call", "call_id", callID)
		}
		return
	}
	if payload == nil {
		payload = protocol.Payload{}
	}
	call.result <- outcome{payload: payload}
}

// FailConnection fails every pending call that was sent over conn with
// ErrConnectionLost. It returns the number of calls failed.
func (t *Table) FailConnection(conn *agent.Connection) int {
	t.mu.Lock()
	var failed []*pendingCall
	for id, call := range t.pending {
		if call.conn == conn {
			failed = append(failed, call)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, call := range failed {
		call.result <- outcome{err: ErrConnectionLost}
	}
	if len(failed) > 0 {
		t.logger.Info("failed pending calls for lost connection",
			"agent_id", conn.ID,
			"count", len(failed),
		)
	}
	return len(failed)
}

// PendingCount returns the number of calls awaiting a response.
func (t *Table) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close fails every pending call with ErrShuttingDown and refuses new calls.
func (t *Table) Close() {
	t.mu.Lock()
	t.closed = true
	calls := make([]*pendingCall, 0, len(t.pending))
	for id, call := range t.pending {
		calls = append(calls, call)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for _, call := range calls {
		call.result <- outcome{err: ErrShuttingDown}
	}
	t.expired.Close()

	t.logger.Info("call table closed", "pending_cancelled", len(calls))
}

func (t *Table) register(agentID, command string, conn *agent.Connection, started time.Time) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrShuttingDown
	}

	id := uuid.NewString()
	for t.pending[id] != nil {
		id = uuid.NewString()
	}

	call := &pendingCall{
		id:      id,
		agentID: agentID,
		command: command,
		conn:    conn,
		started: started,
		result:  make(chan outcome, 1),
	}
	t.pending[id] = call
	return call, nil
}

// take removes and returns the pending call, or nil if it is no longer pending.
// Exactly one of Resolve, FailConnection, Close or the waiting caller wins.
func (t *Table) take(id string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	call, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return call
}

func (t *Table) record(call *pendingCall, out outcome) {
	if t.recorder == nil {
		return
	}

	rec := &store.CallRecord{
		ID:        call.id,
		AgentID:   call.agentID,
		Command:   call.command,
		StartedAt: call.started.UTC(),
		Duration:  time.Since(call.started),
	}
	rec.Outcome, rec.Error = classify(out)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.recorder.RecordCall(ctx, rec); err != nil {
		t.logger.Warn("failed to record call", "call_id", call.id, "error", err)
	}
}

func classify(out outcome) (store.CallOutcome, string) {
	switch {
	case out.err == nil:
		if msg, ok := out.payload["error"]; ok {
			return store.OutcomeError, fmt.Sprint(msg)
		}
		return store.OutcomeOK, ""
	case errors.Is(out.err, ErrNotConnected):
		return store.OutcomeNotConnected, out.err.Error()
	case errors.Is(out.err, ErrTimeout):
		return store.OutcomeTimeout, out.err.Error()
	case errors.Is(out.err, context.Canceled), errors.Is(out.err, context.DeadlineExceeded), errors.Is(out.err, ErrShuttingDown):
		return store.OutcomeCancelled, out.err.Error()
	default:
		return store.OutcomeConnectionLost, out.err.Error()
	}
}
