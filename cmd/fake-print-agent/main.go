// ABOUTME: Minimal print agent for E2E testing: connects over websocket and answers hub instructions.
// ABOUTME: Usage: fake-print-agent [-hub ws://localhost:8765] [-id office-pc] [-codec msgpack|cbor]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/lasko-hub/internal/agent"
	"github.com/2389/lasko-hub/internal/instructions"
	"github.com/2389/lasko-hub/internal/protocol"
)

const (
	maxBackoff = 30 * time.Second
	writeWait  = 5 * time.Second
)

func main() {
	hub := flag.String("hub", "ws://localhost:8765", "hub agent endpoint")
	agentID := flag.String("id", "e2e-print-agent", "agent ID")
	codec := flag.String("codec", "msgpack", "wire codec: msgpack or cbor")
	pingEvery := flag.Duration("ping", 20*time.Second, "application ping interval (0 disables)")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	sub, err := subprotocolFor(*codec)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &printAgent{
		url:        agentURL(*hub, *agentID),
		id:         *agentID,
		sub:        sub,
		pingEvery:  *pingEvery,
		dispatcher: instructions.NewDispatcher(nil, logger),
		logger:     logger.With("agent_id", *agentID),
	}
	if err := a.run(ctx); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

func subprotocolFor(codec string) (string, error) {
	switch codec {
	case "msgpack":
		return protocol.SubprotocolMsgpack, nil
	case "cbor":
		return protocol.SubprotocolCBOR, nil
	default:
		return "", fmt.Errorf("unknown codec %q (want msgpack or cbor)", codec)
	}
}

func agentURL(hub, id string) string {
	return strings.TrimSuffix(hub, "/") + "/agents/" + url.PathEscape(id)
}

// printAgent keeps one connection to the hub, reconnecting with backoff.
type printAgent struct {
	url        string
	id         string
	sub        string
	pingEvery  time.Duration
	dispatcher *instructions.Dispatcher
	logger     *slog.Logger
}

// errSuperseded means another process took over this agent ID.
var errSuperseded = errors.New("superseded by another connection")

func (a *printAgent) run(ctx context.Context) error {
	backoff := time.Second
	for {
		connected, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errSuperseded) {
			return err
		}
		if connected {
			backoff = time.Second
		}
		a.logger.Warn("connection lost, retrying", "error", err, "in", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// session dials the hub and serves it until the connection ends.
func (a *printAgent) session(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{a.sub},
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, resp, err := dialer.DialContext(ctx, a.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", a.url, err)
	}
	defer ws.Close()

	codec := protocol.CodecForSubprotocol(ws.Subprotocol())
	a.logger.Info("connected to hub", "url", a.url, "codec", codec.Name())

	var writeMu sync.Mutex
	send := func(env protocol.Envelope) error {
		data, err := codec.Encode(env)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteMessage(websocket.BinaryMessage, data)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Close the socket when the process is asked to stop so the read below returns.
	go func() {
		<-sessionCtx.Done()
		if ctx.Err() != nil {
			writeMu.Lock()
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent stopping"),
				time.Now().Add(writeWait))
			writeMu.Unlock()
		}
		_ = ws.Close()
	}()

	if a.pingEvery > 0 {
		go func() {
			ticker := time.NewTicker(a.pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-sessionCtx.Done():
					return
				case <-ticker.C:
					if err := send(&protocol.Ping{}); err != nil {
						a.logger.Debug("ping failed", "error", err)
						return
					}
				}
			}
		}()
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == agent.CloseSuperseded {
				return true, errSuperseded
			}
			return true, err
		}

		env, err := codec.Decode(data)
		if err != nil {
			a.logger.Warn("undecodable frame", "error", err)
			continue
		}

		switch m := env.(type) {
		case *protocol.Ping:
			if err := send(&protocol.Pong{}); err != nil {
				return true, err
			}
		case *protocol.Pong:
			a.logger.Debug("pong")
		case *protocol.Request:
			a.logger.Info("instruction", "id", m.ID, "command", m.Command)
			go func(req *protocol.Request) {
				result := a.dispatcher.DispatchCommand(sessionCtx, req.Command, req.Payload)
				if err := send(&protocol.Response{ID: req.ID, Payload: result}); err != nil {
					a.logger.Warn("reply failed", "id", req.ID, "error", err)
				}
			}(m)
		case *protocol.Response:
			a.logger.Debug("unexpected response", "id", m.ID)
		}
	}
}
