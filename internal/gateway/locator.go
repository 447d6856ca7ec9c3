// ABOUTME: Locator finds which agent owns a printer or job by asking connected agents
// ABOUTME: Turns per-agent broadcast results into one answer or a classified error

package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/2389/lasko-hub/internal/agent"
	"github.com/2389/lasko-hub/internal/instructions"
	"github.com/2389/lasko-hub/internal/protocol"
	"github.com/2389/lasko-hub/internal/rpc"
)

// Locator errors
var (
	// ErrNoAgents means no agent was connected to ask.
	ErrNoAgents = fmt.Errorf("%w: no agents connected", rpc.ErrNotConnected)

	// ErrAllTimedOut means every agent asked failed to answer in time.
	ErrAllTimedOut = fmt.Errorf("%w: no agent answered in time", rpc.ErrTimeout)

	// ErrNotFound means no agent knows the printer or job.
	ErrNotFound = errors.New("not found")

	// ErrRejected means the agent answered with an error payload.
	ErrRejected = errors.New("rejected by agent")
)

// AgentError is an {"error": ...} answer from an agent.
type AgentError struct {
	AgentID string
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %s", e.AgentID, e.Message)
}

// Is makes errors.Is(err, ErrRejected) true for an *AgentError.
func (e *AgentError) Is(target error) bool {
	return target == ErrRejected
}

// Caller issues calls to agents. *rpc.Table implements it.
type Caller interface {
	Call(ctx context.Context, agentID, command string, payload protocol.Payload, timeout time.Duration) (protocol.Payload, error)
	Broadcast(ctx context.Context, command string, payload protocol.Payload, timeout time.Duration) []rpc.Result
}

// Locator resolves printers and jobs to the agents that own them.
type Locator struct {
	calls  Caller
	router *agent.Router
}

// NewLocator creates a Locator that asks agents through calls.
func NewLocator(calls Caller) *Locator {
	return &Locator{calls: calls, router: agent.NewRouter()}
}

// Printer is one printer reported by an agent.
type Printer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	AgentID string `json:"agent_id"`
}

// CallAgent calls one agent and turns an error payload into an *AgentError.
func (l *Locator) CallAgent(ctx context.Context, agentID string, command instructions.Type, payload protocol.Payload) (protocol.Payload, error) {
	resp, err := l.calls.Call(ctx, agentID, string(command), payload, 0)
	if err != nil {
		return nil, err
	}
	if msg, ok := errorMessage(resp); ok {
		return nil, &AgentError{AgentID: agentID, Message: msg}
	}
	return resp, nil
}

// ListPrinters asks every agent for its printers. Agents that fail or answer
// with an error are left out. When none answered with printers, the call fails
// unless every reachable agent answered with an error payload.
func (l *Locator) ListPrinters(ctx context.Context) ([]Printer, error) {
	results := l.calls.Broadcast(ctx, string(instructions.GetPrinterList), nil, 0)

	printers := []Printer{}
	answered := 0
	var errs []error
	for _, r := range results {
		if err := resultError(r); err != nil {
			errs = append(errs, err)
			continue
		}
		answered++
		printers = append(printers, parsePrinters(r.AgentID, r.Payload)...)
	}
	if answered == 0 {
		if err := classifyFailures(len(results), errs); err != nil {
			return nil, err
		}
	}
	return printers, nil
}

// LocatePrinter returns an agent that lists printerID. When several agents
// list it, successive calls rotate among them.
func (l *Locator) LocatePrinter(ctx context.Context, printerID string) (string, error) {
	printers, err := l.ListPrinters(ctx)
	if err != nil {
		return "", err
	}
	var owners []string
	for _, p := range printers {
		if p.ID == printerID && !slices.Contains(owners, p.AgentID) {
			owners = append(owners, p.AgentID)
		}
	}
	if len(owners) == 0 {
		return "", fmt.Errorf("printer %s: %w", printerID, ErrNotFound)
	}
	return l.router.SelectAgent(owners)
}

// FirstAnswer broadcasts command and returns the first successful answer in
// agent ID order.
func (l *Locator) FirstAnswer(ctx context.Context, command instructions.Type, payload protocol.Payload) (string, protocol.Payload, error) {
	results := l.calls.Broadcast(ctx, string(command), payload, 0)

	var errs []error
	for _, r := range results {
		if err := resultError(r); err != nil {
			errs = append(errs, err)
			continue
		}
		return r.AgentID, r.Payload, nil
	}
	if err := classifyFailures(len(results), errs); err != nil {
		return "", nil, err
	}
	return "", nil, ErrNotFound
}

// resultError returns the transport error or error payload of r, if any.
func resultError(r rpc.Result) error {
	if r.Err != nil {
		return r.Err
	}
	if msg, ok := errorMessage(r.Payload); ok {
		return &AgentError{AgentID: r.AgentID, Message: msg}
	}
	return nil
}

// classifyFailures explains why none of the asked agents answered. An error
// payload is a definite "no" from that agent, so it returns nil (which callers
// treat as "not found") only when every agent that is still connected said no.
// Any timeout means the owner may be the agent that stayed silent.
func classifyFailures(asked int, errs []error) error {
	if asked == 0 {
		return ErrNoAgents
	}
	timeouts, gone, stopping := 0, 0, 0
	for _, err := range errs {
		switch {
		case errors.Is(err, rpc.ErrTimeout):
			timeouts++
		case errors.Is(err, rpc.ErrShuttingDown):
			stopping++
		case errors.Is(err, rpc.ErrNotConnected), errors.Is(err, rpc.ErrConnectionLost):
			gone++
		}
	}
	switch {
	case stopping > 0:
		return rpc.ErrShuttingDown
	case gone == asked:
		return ErrNoAgents
	case timeouts > 0:
		return ErrAllTimedOut
	}
	return nil
}

func errorMessage(p protocol.Payload) (string, bool) {
	v, ok := p["error"]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// parsePrinters reads the "printers" list of a get_printer_list answer.
// Entries are either printer IDs or {id, name, status} maps.
func parsePrinters(agentID string, p protocol.Payload) []Printer {
	list, _ := p["printers"].([]any)
	out := make([]Printer, 0, len(list))
	for _, entry := range list {
		switch v := entry.(type) {
		case string:
			out = append(out, Printer{ID: v, Name: v, Status: "unknown", AgentID: agentID})
		case map[string]any:
			id := stringField(v, "id")
			if id == "" {
				continue
			}
			out = append(out, Printer{
				ID:      id,
				Name:    firstNonEmpty(stringField(v, "name"), id),
				Status:  firstNonEmpty(stringField(v, "status"), "unknown"),
				AgentID: agentID,
			})
		}
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
