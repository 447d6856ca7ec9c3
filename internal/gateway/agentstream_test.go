// ABOUTME: Tests for the agent websocket session: registration, read loop, keepalive and cleanup
// ABOUTME: Uses real websocket round trips against an httptest server

package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/lasko-hub/internal/agent"
	"github.com/2389/lasko-hub/internal/config"
	"github.com/2389/lasko-hub/internal/events"
	"github.com/2389/lasko-hub/internal/protocol"
	"github.com/2389/lasko-hub/internal/rpc"
	"github.com/2389/lasko-hub/internal/store"
)

func TestAgentIDFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/agent-1", "agent-1"},
		{"/agents/agent-1", "agent-1"},
		{"/agents/agent-1/", "agent-1"},
		{"/agents//agent-1//", "agent-1"},
		{"/", ""},
		{"", ""},
		{"///", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, agentIDFromPath(tt.path), "path %q", tt.path)
	}
}

func TestAgentStream_MissingID(t *testing.T) {
	h := newTestHub(t)

	ws := h.dialRaw(t, "/", protocol.SubprotocolMsgpack)
	ce := readClose(t, ws)
	assert.Equal(t, agent.ClosePolicyViolation, ce.Code)
	assert.Equal(t, "agent id required", ce.Text)
	assert.Equal(t, 0, h.gw.agents.Count())
}

func TestAgentStream_PingPong(t *testing.T) {
	for _, sub := range protocol.Subprotocols {
		t.Run(sub, func(t *testing.T) {
			h := newTestHub(t)
			a := h.connect(t, "agent-1", sub)
			assert.Equal(t, sub, a.ws.Subprotocol())

			a.send(&protocol.Ping{})
			_, ok := a.next().(*protocol.Pong)
			assert.True(t, ok, "expected pong")
		})
	}
}

func TestAgentStream_DefaultCodecWithoutSubprotocol(t *testing.T) {
	h := newTestHub(t)
	ws := h.dialRaw(t, "/agent-1")
	assert.Empty(t, ws.Subprotocol())

	require.Eventually(t, func() bool { return h.gw.agents.IsOnline("agent-1") }, 2*time.Second, 5*time.Millisecond)
	conn, _ := h.gw.agents.Lookup("agent-1")
	assert.Equal(t, "msgpack", conn.Codec().Name())
}

func TestAgentStream_HubCallRoundTrip(t *testing.T) {
	h := newTestHub(t)
	a := h.connect(t, "agent-1")
	a.servePrinters()

	got, err := h.gw.table.Call(context.Background(), "agent-1", "get_printer_list", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{"printer1", "printer2"}, got["printers"])

	require.Eventually(t, func() bool {
		calls, err := h.gw.store.ListCalls(context.Background(), store.CallFilter{})
		return err == nil && len(calls) == 1 && calls[0].Outcome == store.OutcomeOK
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgentStream_AgentRequest(t *testing.T) {
	h := newTestHub(t)
	a := h.connect(t, "agent-1")

	a.send(&protocol.Request{ID: "r1", Command: "get_printer_status", Payload: protocol.Payload{"printer_id": "printer1"}})
	resp, ok := a.next().(*protocol.Response)
	require.True(t, ok, "expected response")
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, "online", resp.Payload["status"])

	t.Run("unknown command", func(t *testing.T) {
		a.send(&protocol.Request{ID: "r2", Command: "reboot"})
		resp, ok := a.next().(*protocol.Response)
		require.True(t, ok)
		assert.Equal(t, "r2", resp.ID)
		assert.Equal(t, "unknown instruction", resp.Payload["error"])
	})

	t.Run("repeated id is answered again", func(t *testing.T) {
		a.send(&protocol.Request{ID: "r1", Command: "get_printer_list"})
		resp, ok := a.next().(*protocol.Response)
		require.True(t, ok, "expected response")
		assert.Equal(t, "r1", resp.ID)
		assert.Equal(t, []any{"printer1", "printer2"}, resp.Payload["printers"])
	})
}

func TestAgentStream_RequestIDReusedAfterReconnect(t *testing.T) {
	h := newTestHub(t)

	first := h.connect(t, "agent-1")
	first.send(&protocol.Request{ID: "1", Command: "get_printer_status", Payload: protocol.Payload{"printer_id": "printer1"}})
	resp, ok := first.next().(*protocol.Response)
	require.True(t, ok)
	assert.Equal(t, "1", resp.ID)

	// Agents restart their request counters on every new connection.
	require.NoError(t, first.ws.Close())
	require.Eventually(t, func() bool { return !h.gw.agents.IsOnline("agent-1") }, 2*time.Second, 5*time.Millisecond)

	second := h.connect(t, "agent-1")
	second.send(&protocol.Request{ID: "1", Command: "get_printer_status", Payload: protocol.Payload{"printer_id": "printer2"}})
	resp, ok = second.next().(*protocol.Response)
	require.True(t, ok, "expected response on the new connection")
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, "online", resp.Payload["status"])
}

func TestAgentStream_BadFramesKeepConnection(t *testing.T) {
	h := newTestHub(t)
	a := h.connect(t, "agent-1")

	a.sendRaw([]byte{0xc1, 0x00, 0xff})
	a.sendRaw([]byte{0x81, 0xa4, 't', 'y', 'p', 'e', 0xa5, 'h', 'e', 'l', 'l', 'o'}) // {"type": "hello"}
	a.send(&protocol.Ping{})

	_, ok := a.next().(*protocol.Pong)
	assert.True(t, ok)
	assert.True(t, h.gw.agents.IsOnline("agent-1"))
}

func TestAgentStream_RateLimit(t *testing.T) {
	h := newTestHub(t, func(c *config.Config) {
		c.Agents.RequestRate = 0.001
		c.Agents.RequestBurst = 1
	})
	a := h.connect(t, "agent-1")

	a.send(&protocol.Request{ID: "r1", Command: "get_printer_list"})
	a.send(&protocol.Request{ID: "r2", Command: "get_printer_list"})

	byID := map[string]protocol.Payload{}
	for range 2 {
		resp, ok := a.next().(*protocol.Response)
		require.True(t, ok)
		byID[resp.ID] = resp.Payload
	}
	assert.Equal(t, []any{"printer1", "printer2"}, byID["r1"]["printers"])
	assert.Equal(t, "rate limited", byID["r2"]["error"])
}

func TestAgentStream_Supersede(t *testing.T) {
	h := newTestHub(t)
	first := h.connect(t, "agent-1")
	second := h.connect(t, "agent-1")

	ce := first.nextClose()
	assert.Equal(t, agent.CloseSuperseded, ce.Code)
	assert.Equal(t, "superseded", ce.Text)

	// The old session's cleanup must not remove the new connection.
	require.Eventually(t, func() bool {
		evs, err := h.gw.store.ListAgentEvents(context.Background(), "agent-1", 0)
		return err == nil && len(evs) == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.gw.agents.IsOnline("agent-1"))

	second.send(&protocol.Ping{})
	_, ok := second.next().(*protocol.Pong)
	assert.True(t, ok)

	evs, err := h.gw.store.ListAgentEvents(context.Background(), "agent-1", 0)
	require.NoError(t, err)
	types := map[events.Type]int{}
	for _, e := range evs {
		types[e.Type]++
		if e.Type == events.AgentDisconnected {
			assert.Equal(t, true, e.Detail["superseded"])
		}
	}
	assert.Equal(t, map[events.Type]int{
		events.AgentConnected:    2,
		events.AgentSuperseded:   1,
		events.AgentDisconnected: 1,
	}, types)
}

func TestAgentStream_IdleTimeout(t *testing.T) {
	h := newTestHub(t, func(c *config.Config) {
		c.Agents.HeartbeatInterval = time.Minute
		c.Agents.IdleTimeout = 150 * time.Millisecond
	})
	a := h.connect(t, "agent-1")

	ce := a.nextClose()
	assert.Equal(t, agent.CloseGoingAway, ce.Code)
	assert.Equal(t, "idle timeout", ce.Text)
	require.Eventually(t, func() bool { return !h.gw.agents.IsOnline("agent-1") }, 2*time.Second, 10*time.Millisecond)
}

func TestAgentStream_PongsKeepAgentAlive(t *testing.T) {
	h := newTestHub(t, func(c *config.Config) {
		c.Agents.HeartbeatInterval = 30 * time.Millisecond
		c.Agents.IdleTimeout = 150 * time.Millisecond
	})
	a := h.connect(t, "agent-1")
	a.serveSilently() // reading lets gorilla answer pings

	time.Sleep(400 * time.Millisecond)
	assert.True(t, h.gw.agents.IsOnline("agent-1"))
}

func TestAgentStream_DisconnectFailsPendingCalls(t *testing.T) {
	h := newTestHub(t, func(c *config.Config) {
		c.Agents.CallTimeout = 10 * time.Second
	})
	a := h.connect(t, "agent-1")
	a.serveSilently()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.gw.table.Call(context.Background(), "agent-1", "get_printer_list", nil, 0)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return h.gw.table.PendingCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.ws.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, rpc.ErrConnectionLost)
	case <-time.After(3 * time.Second):
		t.Fatal("pending call was not failed on disconnect")
	}
	require.Eventually(t, func() bool { return !h.gw.agents.IsOnline("agent-1") }, 2*time.Second, 10*time.Millisecond)
}

func TestAgentStream_LateReplyIsIgnored(t *testing.T) {
	h := newTestHub(t)
	a := h.connect(t, "agent-1")

	_, err := h.gw.table.Call(context.Background(), "agent-1", "get_printer_list", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, rpc.ErrTimeout)

	req, ok := a.next().(*protocol.Request)
	require.True(t, ok)
	a.send(&protocol.Response{ID: req.ID, Payload: protocol.Payload{"printers": []any{}}})

	a.send(&protocol.Ping{})
	_, ok = a.next().(*protocol.Pong)
	assert.True(t, ok, "connection survives a late reply")
}

func TestShutdown_ClosesAgentsAndRefusesNew(t *testing.T) {
	h := newTestHub(t)
	a := h.connect(t, "agent-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Shutdown(ctx))

	ce := a.nextClose()
	assert.Equal(t, agent.CloseGoingAway, ce.Code)
	assert.Equal(t, "hub shutting down", ce.Text)

	late := h.dialRaw(t, "/agent-2", protocol.SubprotocolMsgpack)
	ce = readClose(t, late)
	assert.Equal(t, agent.CloseGoingAway, ce.Code)

	_, err := h.gw.table.Call(context.Background(), "agent-1", "get_printer_list", nil, 0)
	assert.True(t, errors.Is(err, rpc.ErrNotConnected) || errors.Is(err, rpc.ErrShuttingDown), "got %v", err)

	// Idempotent.
	assert.NoError(t, h.gw.Shutdown(ctx))
}

func TestShutdown_FailsPendingCallsBeforeDrainingREST(t *testing.T) {
	h := newTestHub(t, func(c *config.Config) { c.Agents.CallTimeout = 10 * time.Second })
	h.connect(t, "agent-1").serveSilently()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = h.gw.httpServer.Serve(ln) }()

	type reply struct {
		status int
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + config.APIRoot + "/printers")
		if err != nil {
			done <- reply{err: err}
			return
		}
		_ = resp.Body.Close()
		done <- reply{status: resp.StatusCode}
	}()
	require.Eventually(t, func() bool { return h.gw.table.PendingCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, h.gw.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second, "shutdown must not wait out the call timeout")

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, http.StatusServiceUnavailable, r.status)
	case <-time.After(2 * time.Second):
		t.Fatal("REST request still blocked after shutdown")
	}
}
