// ABOUTME: HTTP API handlers for printers, print jobs, agents, the call ledger and live events.
// ABOUTME: Every print route is answered by calling connected agents through the call table.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2389/lasko-hub/internal/config"
	"github.com/2389/lasko-hub/internal/events"
	"github.com/2389/lasko-hub/internal/instructions"
	"github.com/2389/lasko-hub/internal/protocol"
	"github.com/2389/lasko-hub/internal/rpc"
	"github.com/2389/lasko-hub/internal/store"
)

const (
	maxRequestBody  = 1 << 20
	maxCallTimeout  = 5 * time.Minute
	sseKeepaliveGap = 30 * time.Second
)

// PrinterDetail is the JSON response for GET /printers/{printerId}.
type PrinterDetail struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Status       string         `json:"status"`
	Capabilities map[string]any `json:"capabilities"`
	Drivers      []string       `json:"drivers"`
	AgentID      string         `json:"agent_id"`
}

// PrintJobSubmission is the JSON request body for POST /print-jobs.
type PrintJobSubmission struct {
	PrinterID   string         `json:"printerId"`
	DocumentURL string         `json:"documentUrl"`
	Options     map[string]any `json:"options,omitempty"`
	AgentID     string         `json:"agentId,omitempty"`
}

// PrintJobResponse is the JSON response for POST /print-jobs.
type PrintJobResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	AgentID string `json:"agentId"`
}

// PrintJobStatus is the JSON response for GET /print-jobs/{jobId}.
type PrintJobStatus struct {
	JobID        string `json:"jobId"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	AgentID      string `json:"agentId"`
}

// PrintJobCancellation is the JSON response for DELETE /print-jobs/{jobId}.
type PrintJobCancellation struct {
	JobID     string `json:"jobId"`
	Cancelled bool   `json:"cancelled"`
	AgentID   string `json:"agentId"`
}

// AgentCallRequest is the JSON request body for POST /agents/{agentId}/calls.
type AgentCallRequest struct {
	Command   string           `json:"command"`
	Payload   protocol.Payload `json:"payload,omitempty"`
	TimeoutMS int64            `json:"timeout_ms,omitempty"`
}

// AgentCallResponse is the JSON response for POST /agents/{agentId}/calls.
type AgentCallResponse struct {
	AgentID string           `json:"agent_id"`
	Command string           `json:"command"`
	Result  protocol.Payload `json:"result"`
}

// CallResponse is one entry of the call ledger.
type CallResponse struct {
	ID         string `json:"id"`
	AgentID    string `json:"agent_id"`
	Command    string `json:"command"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	DurationMS int64  `json:"duration_ms"`
}

// APIHandler returns the REST handler served on the HTTP listener.
func (g *Gateway) APIHandler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET "+config.APIRoot+"/health", g.handleHealth)
	mux.HandleFunc("GET "+config.APIRoot+"/health/ready", g.handleReady)

	// Printers and jobs
	mux.HandleFunc("GET "+config.APIRoot+"/printers", g.handleListPrinters)
	mux.HandleFunc("GET "+config.APIRoot+"/printers/{printerId}", g.handleGetPrinter)
	mux.HandleFunc("POST "+config.APIRoot+"/print-jobs", g.handleSubmitPrintJob)
	mux.HandleFunc("GET "+config.APIRoot+"/print-jobs/{jobId}", g.handleGetPrintJob)
	mux.HandleFunc("DELETE "+config.APIRoot+"/print-jobs/{jobId}", g.handleCancelPrintJob)

	// Agents, ledger and events
	mux.HandleFunc("GET "+config.APIRoot+"/agents", g.handleListAgents)
	mux.HandleFunc("POST "+config.APIRoot+"/agents/{agentId}/calls", g.handleAgentCall)
	mux.HandleFunc("GET "+config.APIRoot+"/agents/{agentId}/events", g.handleAgentEvents)
	mux.HandleFunc("GET "+config.APIRoot+"/calls", g.handleListCalls)
	mux.HandleFunc("GET "+config.APIRoot+"/calls/{callId}", g.handleGetCall)
	mux.HandleFunc("GET "+config.APIRoot+"/events", g.handleEvents)

	return corsMiddleware(g.config.Server.CORSOrigins, mux)
}

// corsMiddleware allows cross-origin requests from the configured origins.
// "*" allows any origin. Preflight requests are answered here.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	anyOrigin := false
	for _, o := range origins {
		if o == "*" {
			anyOrigin = true
		}
		allowed[strings.TrimSuffix(o, "/")] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || !(anyOrigin || allowed[origin]) {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			} else {
				h.Set("Access-Control-Allow-Headers", "Content-Type")
			}
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the ledger is reachable and at least one agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness: store unreachable", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	n := g.agents.Count()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

// handleListPrinters handles GET /printers by asking every agent for its printers.
func (g *Gateway) handleListPrinters(w http.ResponseWriter, r *http.Request) {
	printers, err := g.locator.ListPrinters(r.Context())
	if err != nil {
		g.sendCallError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, printers)
}

// handleGetPrinter handles GET /printers/{printerId}[?agent_id=].
func (g *Gateway) handleGetPrinter(w http.ResponseWriter, r *http.Request) {
	printerID := r.PathValue("printerId")

	agentID, err := g.printerOwner(r.Context(), printerID, r.URL.Query().Get("agent_id"))
	if err != nil {
		g.sendCallError(w, err)
		return
	}

	resp, err := g.locator.CallAgent(r.Context(), agentID, instructions.GetPrinterStatus, protocol.Payload{"printer_id": printerID})
	if err != nil {
		g.sendCallError(w, err)
		return
	}

	detail := PrinterDetail{
		ID:           printerID,
		Name:         firstNonEmpty(stringField(resp, "name"), printerID),
		Status:       firstNonEmpty(stringField(resp, "status"), "unknown"),
		Capabilities: map[string]any{},
		Drivers:      []string{},
		AgentID:      agentID,
	}
	if caps, ok := resp["capabilities"].(map[string]any); ok {
		detail.Capabilities = caps
	}
	if drivers, ok := resp["drivers"].([]any); ok {
		for _, d := range drivers {
			if s, ok := d.(string); ok {
				detail.Drivers = append(detail.Drivers, s)
			}
		}
	}
	g.sendJSON(w, http.StatusOK, detail)
}

// handleSubmitPrintJob handles POST /print-jobs.
func (g *Gateway) handleSubmitPrintJob(w http.ResponseWriter, r *http.Request) {
	req, err := parsePrintJobSubmission(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	agentID, err := g.printerOwner(r.Context(), req.PrinterID, req.AgentID)
	if err != nil {
		g.sendCallError(w, err)
		return
	}

	payload := protocol.Payload{
		"printer_id":   req.PrinterID,
		"document_url": req.DocumentURL,
	}
	if req.Options != nil {
		payload["options"] = req.Options
	}
	resp, err := g.locator.CallAgent(r.Context(), agentID, instructions.SubmitPrintJob, payload)
	if err != nil {
		g.sendCallError(w, err)
		return
	}

	jobID := scalarString(resp["job_id"])
	if jobID == "" {
		g.logger.Warn("agent accepted job without job_id", "agent_id", agentID, "printer_id", req.PrinterID)
		g.sendJSONError(w, http.StatusBadGateway, "agent returned no job id")
		return
	}

	g.logger.Info("print job submitted", "agent_id", agentID, "printer_id", req.PrinterID, "job_id", jobID)
	g.sendJSON(w, http.StatusCreated, PrintJobResponse{JobID: jobID, Status: "queued", AgentID: agentID})
}

// handleGetPrintJob handles GET /print-jobs/{jobId}[?agent_id=].
func (g *Gateway) handleGetPrintJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	agentID, resp, err := g.jobCall(r.Context(), r.URL.Query().Get("agent_id"), instructions.GetPrintJobStatus, jobID)
	if err != nil {
		g.sendCallError(w, err)
		return
	}

	g.sendJSON(w, http.StatusOK, PrintJobStatus{
		JobID:        jobID,
		Status:       firstNonEmpty(stringField(resp, "status"), "unknown"),
		ErrorMessage: stringField(resp, "error_message"),
		AgentID:      agentID,
	})
}

// handleCancelPrintJob handles DELETE /print-jobs/{jobId}[?agent_id=].
func (g *Gateway) handleCancelPrintJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	agentID, resp, err := g.jobCall(r.Context(), r.URL.Query().Get("agent_id"), instructions.CancelPrintJob, jobID)
	if err != nil {
		g.sendCallError(w, err)
		return
	}

	cancelled, _ := resp["success"].(bool)
	g.logger.Info("print job cancel requested", "agent_id", agentID, "job_id", jobID, "cancelled", cancelled)
	g.sendJSON(w, http.StatusOK, PrintJobCancellation{JobID: jobID, Cancelled: cancelled, AgentID: agentID})
}

// printerOwner returns agentID when given, otherwise the agent that lists printerID.
func (g *Gateway) printerOwner(ctx context.Context, printerID, agentID string) (string, error) {
	if agentID != "" {
		return agentID, nil
	}
	return g.locator.LocatePrinter(ctx, printerID)
}

// jobCall sends a job instruction to agentID, or to every agent when empty.
func (g *Gateway) jobCall(ctx context.Context, agentID string, command instructions.Type, jobID string) (string, protocol.Payload, error) {
	payload := protocol.Payload{"job_id": jobID}
	if agentID != "" {
		resp, err := g.locator.CallAgent(ctx, agentID, command, payload)
		return agentID, resp, err
	}
	return g.locator.FirstAnswer(ctx, command, payload)
}

// handleListAgents handles GET /agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.agents.ListAgents())
}

// handleAgentCall handles POST /agents/{agentId}/calls, a raw call for operators.
func (g *Gateway) handleAgentCall(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")

	var req AgentCallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Command == "" {
		g.sendJSONError(w, http.StatusBadRequest, "command is required")
		return
	}
	if req.TimeoutMS < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return
	}
	timeout := min(time.Duration(req.TimeoutMS)*time.Millisecond, maxCallTimeout)

	result, err := g.table.Call(r.Context(), agentID, req.Command, req.Payload, timeout)
	if err != nil {
		g.sendCallError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, AgentCallResponse{AgentID: agentID, Command: req.Command, Result: result})
}

// handleAgentEvents handles GET /agents/{agentId}/events[?limit=].
func (g *Gateway) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := g.store.ListAgentEvents(r.Context(), r.PathValue("agentId"), limit)
	if err != nil {
		g.logger.Error("failed to list agent events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]events.Event, 0, len(stored))
	for _, e := range stored {
		out = append(out, events.Event{
			ID:        e.ID,
			Type:      e.Type,
			AgentID:   e.AgentID,
			Detail:    e.Detail,
			Timestamp: e.Timestamp,
		})
	}
	g.sendJSON(w, http.StatusOK, out)
}

// handleListCalls handles GET /calls[?agent_id=&command=&outcome=&since=&limit=].
func (g *Gateway) handleListCalls(w http.ResponseWriter, r *http.Request) {
	filter, err := parseCallFilter(r.URL.Query())
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	calls, err := g.store.ListCalls(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list calls", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]CallResponse, 0, len(calls))
	for i := range calls {
		out = append(out, toCallResponse(&calls[i]))
	}
	g.sendJSON(w, http.StatusOK, out)
}

// handleGetCall handles GET /calls/{callId}.
func (g *Gateway) handleGetCall(w http.ResponseWriter, r *http.Request) {
	rec, err := g.store.GetCall(r.Context(), r.PathValue("callId"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get call", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, toCallResponse(rec))
}

// handleEvents handles GET /events[?agent_id=] as a server-sent event stream
// of agent lifecycle events.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(g.streams, cancel)
	defer stop()

	agentID := r.URL.Query().Get("agent_id")
	ch, _ := g.broadcaster.Subscribe(ctx, agentID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveGap)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSON writes v as a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// sendCallError maps a failed agent call to an HTTP status.
func (g *Gateway) sendCallError(w http.ResponseWriter, err error) {
	var agentErr *AgentError
	switch {
	case errors.As(err, &agentErr):
		g.sendJSONError(w, http.StatusNotFound, agentErr.Message)
	case errors.Is(err, ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rpc.ErrTimeout):
		g.sendJSONError(w, http.StatusGatewayTimeout, "gateway timeout")
	case errors.Is(err, rpc.ErrNotConnected),
		errors.Is(err, rpc.ErrConnectionLost),
		errors.Is(err, rpc.ErrShuttingDown):
		g.sendJSONError(w, http.StatusServiceUnavailable, "service unavailable")
	case errors.Is(err, rpc.ErrEmptyCommand):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		g.logger.Debug("client went away during call", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		g.logger.Error("agent call failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parsePrintJobSubmission parses and validates a PrintJobSubmission.
// The document URL must be an absolute http or https URL.
func parsePrintJobSubmission(r io.Reader) (*PrintJobSubmission, error) {
	var req PrintJobSubmission
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.PrinterID == "" {
		return nil, errors.New("printerId is required")
	}
	if req.DocumentURL == "" {
		return nil, errors.New("documentUrl is required")
	}
	u, err := url.ParseRequestURI(req.DocumentURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("documentUrl must be an http or https URL")
	}

	return &req, nil
}

// parseCallFilter builds a store filter from query parameters.
func parseCallFilter(q url.Values) (store.CallFilter, error) {
	var f store.CallFilter
	if v := q.Get("agent_id"); v != "" {
		f.AgentID = &v
	}
	if v := q.Get("command"); v != "" {
		f.Command = &v
	}
	if v := q.Get("outcome"); v != "" {
		o := store.CallOutcome(v)
		if !o.Valid() {
			return f, fmt.Errorf("invalid outcome %q", v)
		}
		f.Outcome = &o
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid since %q: want RFC 3339", v)
		}
		f.Since = &t
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func toCallResponse(rec *store.CallRecord) CallResponse {
	return CallResponse{
		ID:         rec.ID,
		AgentID:    rec.AgentID,
		Command:    rec.Command,
		Outcome:    string(rec.Outcome),
		Error:      rec.Error,
		StartedAt:  rec.StartedAt.UTC().Format(time.RFC3339Nano),
		DurationMS: rec.Duration.Milliseconds(),
	}
}

// scalarString renders a string or number field; anything else is "".
func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	}
	return ""
}
