// ABOUTME: Websocket endpoint agents connect to, one session per connection
// ABOUTME: Registers the agent, runs the read loop and keepalive, and cleans up on exit

package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/lasko-hub/internal/agent"
	"github.com/2389/lasko-hub/internal/events"
	"github.com/2389/lasko-hub/internal/protocol"
)

const controlWriteWait = 5 * time.Second

func subprotocols() []string {
	return append([]string(nil), protocol.Subprotocols...)
}

// agentIDFromPath returns the last non-empty segment of path.
func agentIDFromPath(path string) string {
	segments := strings.Split(path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(segments[i]); s != "" {
			return s
		}
	}
	return ""
}

// AgentHandler returns the handler served on the agent listener.
func (g *Gateway) AgentHandler() http.Handler {
	return http.HandlerFunc(g.handleAgentStream)
}

// wsTransport adapts a gorilla websocket to agent.Transport.
type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := t.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close(code int, text string) error {
	msg := websocket.FormatCloseMessage(code, text)
	err := t.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
	if cerr := t.ws.Close(); err == nil {
		err = cerr
	}
	return err
}

// closeRaw sends a close frame on a socket that never became a Connection.
func closeRaw(ws *websocket.Conn, reason agent.CloseReason) {
	t := &wsTransport{ws: ws}
	_ = t.Close(reason.Code, reason.Text)
}

// handleAgentStream upgrades the request and runs the agent's session.
// Protocol flow:
//  1. Agent dials /<agent-id>, offering a codec subprotocol
//  2. Hub registers the connection, superseding any older one for the same ID
//  3. Either side sends Request, Response, Ping or Pong envelopes until close
func (g *Gateway) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	end, ok := g.agents.BeginSession()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		g.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		if ok {
			end()
		}
		return
	}
	if !ok {
		closeRaw(ws, agent.ReasonShutdown)
		return
	}
	defer end()

	agentID := agentIDFromPath(r.URL.Path)
	if agentID == "" {
		g.logger.Warn("rejecting agent without id", "remote", r.RemoteAddr, "path", r.URL.Path)
		closeRaw(ws, agent.ReasonMissingID)
		return
	}

	conn := agent.NewConnection(agent.ConnectionParams{
		ID:           agentID,
		RemoteAddr:   r.RemoteAddr,
		Transport:    &wsTransport{ws: ws},
		Codec:        protocol.CodecForSubprotocol(ws.Subprotocol()),
		WriteTimeout: g.config.Agents.WriteTimeout,
		Logger:       g.logger,
	})

	prev := g.agents.Register(conn)
	if g.agents.ShuttingDown() {
		// Shutdown may have snapshotted the registry before this Register.
		conn.Close(agent.ReasonShutdown)
	}
	g.updateAgentHealth()
	if prev != nil {
		g.publish(events.New(events.AgentSuperseded, agentID, map[string]any{
			"old_remote": prev.RemoteAddr,
			"new_remote": conn.RemoteAddr,
		}))
	}
	g.publish(events.New(events.AgentConnected, agentID, map[string]any{
		"remote": conn.RemoteAddr,
		"codec":  conn.Codec().Name(),
	}))

	g.serveAgent(conn, ws)
}

// session is the per-connection state of the read loop.
type session struct {
	gw       *Gateway
	conn     *agent.Connection
	ws       *websocket.Conn
	limiter  *rate.Limiter // nil when inbound requests are not limited
	ctx      context.Context
	handlers sync.WaitGroup
}

// serveAgent runs the read loop until the socket fails, then cleans up.
func (g *Gateway) serveAgent(conn *agent.Connection, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{gw: g, conn: conn, ws: ws, ctx: ctx}
	if g.config.Agents.RequestRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(g.config.Agents.RequestRate), g.config.Agents.RequestBurst)
	}

	stopPing := make(chan struct{})
	go s.keepalive(stopPing)

	s.readLoop()

	close(stopPing)
	cancel()
	s.handlers.Wait()
	conn.Close(agent.ReasonNormal)

	removed := g.agents.Unregister(conn)
	failed := g.table.FailConnection(conn)
	g.updateAgentHealth()

	reason, _ := conn.CloseReason()
	g.publish(events.New(events.AgentDisconnected, conn.ID, map[string]any{
		"close_code":   reason.Code,
		"close_reason": reason.Text,
		"superseded":   !removed,
		"failed_calls": failed,
	}))
}

// keepalive sends websocket pings until stop is closed or the connection ends.
func (s *session) keepalive(stop <-chan struct{}) {
	ticker := time.NewTicker(s.gw.config.Agents.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.conn.Done():
			return
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait)); err != nil {
				s.gw.logger.Debug("ping failed", "agent_id", s.conn.ID, "error", err)
				return
			}
		}
	}
}

// refresh records inbound activity and pushes the idle deadline out.
func (s *session) refresh() error {
	s.conn.Touch()
	return s.ws.SetReadDeadline(time.Now().Add(s.gw.config.Agents.IdleTimeout))
}

func (s *session) readLoop() {
	logger := s.gw.logger.With("agent_id", s.conn.ID)

	s.ws.SetReadLimit(s.gw.config.Agents.MaxMessageBytes)
	_ = s.refresh()
	s.ws.SetPongHandler(func(string) error { return s.refresh() })

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}
		_ = s.refresh()

		env, err := s.conn.Codec().Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownKind) {
				logger.Debug("ignoring message of unknown kind", "error", err)
			} else {
				logger.Warn("failed to decode agent message", "error", err, "bytes", len(data))
			}
			continue
		}

		switch msg := env.(type) {
		case *protocol.Ping:
			if err := s.conn.Send(s.ctx, &protocol.Pong{}); err != nil {
				logger.Debug("failed to answer ping", "error", err)
			}
		case *protocol.Pong:
			logger.Debug("received pong")
		case *protocol.Response:
			s.gw.table.Resolve(msg.ID, msg.Payload)
		case *protocol.Request:
			s.handleRequest(msg)
		}
	}
}

// logReadError classifies why the read loop ended and closes the connection
// with the matching reason.
func (s *session) logReadError(err error) {
	logger := s.gw.logger.With("agent_id", s.conn.ID)

	if reason, closed := s.conn.CloseReason(); closed {
		logger.Debug("read loop ended after close", "code", reason.Code, "reason", reason.Text)
		return
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Warn("agent idle, closing connection", "idle_timeout", s.gw.config.Agents.IdleTimeout)
		s.conn.Close(agent.ReasonIdle)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		logger.Debug("agent closed connection", "error", err)
	default:
		logger.Info("agent connection lost", "error", err)
	}
}

// handleRequest answers an agent-initiated request in its own goroutine.
func (s *session) handleRequest(req *protocol.Request) {
	logger := s.gw.logger.With("agent_id", s.conn.ID, "request_id", req.ID, "command", req.Command)

	if s.limiter != nil && !s.limiter.Allow() {
		logger.Warn("rate limiting agent request")
		if err := s.conn.Send(s.ctx, &protocol.Response{ID: req.ID, Payload: protocol.Payload{"error": "rate limited"}}); err != nil {
			logger.Debug("failed to send rate limit reply", "error", err)
		}
		return
	}

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		result := s.gw.dispatcher.DispatchCommand(s.ctx, req.Command, req.Payload)
		if err := s.conn.Send(s.ctx, &protocol.Response{ID: req.ID, Payload: result}); err != nil {
			logger.Debug("failed to send response", "error", err)
		}
	}()
}
