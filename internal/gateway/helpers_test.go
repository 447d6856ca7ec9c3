// ABOUTME: Shared test helpers: a gateway on httptest servers and a scripted websocket agent
// ABOUTME: The test agent speaks the real wire protocol through a gorilla dialer

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/2389/lasko-hub/internal/config"
	"github.com/2389/lasko-hub/internal/instructions"
	"github.com/2389/lasko-hub/internal/protocol"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig creates a config with a temp database and short timeouts.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.AgentAddr = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "hub.db")
	cfg.Agents.CallTimeout = 2 * time.Second
	return cfg
}

// testHub is a gateway whose agent endpoint and API run on httptest servers.
type testHub struct {
	gw    *Gateway
	agent *httptest.Server
	api   *httptest.Server
}

func newTestHub(t *testing.T, mutate ...func(*config.Config)) *testHub {
	t.Helper()

	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	h := &testHub{
		gw:    gw,
		agent: httptest.NewServer(gw.AgentHandler()),
		api:   httptest.NewServer(gw.APIHandler()),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		h.api.Close()
		h.agent.Close()
	})
	return h
}

// testAgent is a websocket client speaking the agent protocol.
type testAgent struct {
	t     *testing.T
	id    string
	ws    *websocket.Conn
	codec protocol.Codec

	writeMu sync.Mutex
}

// dialRaw connects to path on the hub's agent endpoint.
func (h *testHub) dialRaw(t *testing.T, path string, subprotocols ...string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.agent.URL, "http") + path
	dialer := websocket.Dialer{
		Subprotocols:     subprotocols,
		HandshakeTimeout: 2 * time.Second,
	}
	ws, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// connect dials as agent id and waits until the hub has registered it.
func (h *testHub) connect(t *testing.T, id string, subprotocols ...string) *testAgent {
	t.Helper()

	if len(subprotocols) == 0 {
		subprotocols = []string{protocol.SubprotocolMsgpack}
	}
	ws := h.dialRaw(t, "/agents/"+id, subprotocols...)
	a := &testAgent{
		t:     t,
		id:    id,
		ws:    ws,
		codec: protocol.CodecForSubprotocol(ws.Subprotocol()),
	}

	require.Eventually(t, func() bool {
		conn, ok := h.gw.agents.Lookup(id)
		return ok && conn.RemoteAddr == ws.LocalAddr().String()
	}, 2*time.Second, 5*time.Millisecond, "agent %s never registered", id)
	return a
}

func (a *testAgent) send(env protocol.Envelope) {
	a.t.Helper()

	data, err := a.codec.Encode(env)
	require.NoError(a.t, err)
	a.sendRaw(data)
}

func (a *testAgent) sendRaw(data []byte) {
	a.t.Helper()

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	require.NoError(a.t, a.ws.WriteMessage(websocket.BinaryMessage, data))
}

// next reads one envelope, failing the test after two seconds.
func (a *testAgent) next() protocol.Envelope {
	a.t.Helper()

	require.NoError(a.t, a.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := a.ws.ReadMessage()
	require.NoError(a.t, err)
	env, err := a.codec.Decode(data)
	require.NoError(a.t, err)
	return env
}

// nextClose reads until the hub closes the socket and returns the close error.
func (a *testAgent) nextClose() *websocket.CloseError {
	a.t.Helper()
	return readClose(a.t, a.ws)
}

func readClose(t *testing.T, ws *websocket.Conn) *websocket.CloseError {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce
	}
}

// serve answers every hub request with handler until the socket closes.
func (a *testAgent) serve(handler func(*protocol.Request) protocol.Payload) {
	go func() {
		for {
			_ = a.ws.SetReadDeadline(time.Time{})
			_, data, err := a.ws.ReadMessage()
			if err != nil {
				return
			}
			env, err := a.codec.Decode(data)
			if err != nil {
				continue
			}
			req, ok := env.(*protocol.Request)
			if !ok || handler == nil {
				continue
			}
			resp, err := a.codec.Encode(&protocol.Response{ID: req.ID, Payload: handler(req)})
			if err != nil {
				return
			}
			a.writeMu.Lock()
			err = a.ws.WriteMessage(websocket.BinaryMessage, resp)
			a.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()
}

// servePrinters answers with the placeholder print service.
func (a *testAgent) servePrinters() {
	d := instructions.NewDispatcher(nil, testLogger())
	a.serve(func(req *protocol.Request) protocol.Payload {
		return d.DispatchCommand(context.Background(), req.Command, req.Payload)
	})
}

// serveSilently reads requests and never answers them.
func (a *testAgent) serveSilently() {
	a.serve(nil)
}
