// ABOUTME: Represents a single connected print agent and its outbound half of the socket.
// ABOUTME: Serializes writes, tracks liveness, and closes exactly once with a reason.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/lasko-hub/internal/protocol"
)

// ErrConnectionClosed is returned by Send once the connection has been closed.
var ErrConnectionClosed = errors.New("connection closed")

// Close codes sent to agents. 4000 is in the application-private range.
const (
	CloseNormal            = 1000
	CloseGoingAway         = 1001
	ClosePolicyViolation   = 1008
	CloseSuperseded        = 4000
	DefaultWriteTimeout    = 10 * time.Second
	closeReasonMaxTextSize = 123
)

// CloseReason is the code and text sent to the agent when the hub closes its connection.
type CloseReason struct {
	Code int
	Text string
}

var (
	// ReasonSuperseded is used when a newer connection for the same agent ID replaces this one.
	ReasonSuperseded = CloseReason{Code: CloseSuperseded, Text: "superseded"}
	// ReasonShutdown is used when the hub is stopping.
	ReasonShutdown = CloseReason{Code: CloseGoingAway, Text: "hub shutting down"}
	// ReasonIdle is used when an agent has been silent longer than the idle timeout.
	ReasonIdle = CloseReason{Code: CloseGoingAway, Text: "idle timeout"}
	// ReasonMissingID is used when an agent connects without an identifier.
	ReasonMissingID = CloseReason{Code: ClosePolicyViolation, Text: "agent id required"}
	// ReasonNormal is used when the hub ends a session after the agent went away.
	ReasonNormal = CloseReason{Code: CloseNormal, Text: ""}
)

// Transport is the socket beneath a Connection. The gateway plugs in a websocket;
// tests plug in a recorder.
type Transport interface {
	WriteMessage(ctx context.Context, data []byte) error
	Close(code int, text string) error
}

// ConnectionParams contains the parameters for creating a new Connection.
type ConnectionParams struct {
	ID           string
	RemoteAddr   string
	Transport    Transport
	Codec        protocol.Codec
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Connection represents one live agent socket. It is owned by the connection loop
// that accepted it; everyone else only sends.
type Connection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	lastSeen     atomic.Int64
	transport    Transport
	codec        protocol.Codec
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	reason    CloseReason
	logger    *slog.Logger
}

// NewConnection creates a Connection for a freshly accepted agent socket.
func NewConnection(p ConnectionParams) *Connection {
	codec := p.Codec
	if codec == nil {
		codec = protocol.MsgpackCodec{}
	}
	wt := p.WriteTimeout
	if wt <= 0 {
		wt = DefaultWriteTimeout
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	c := &Connection{
		ID:           p.ID,
		RemoteAddr:   p.RemoteAddr,
		ConnectedAt:  now,
		transport:    p.Transport,
		codec:        codec,
		writeTimeout: wt,
		closed:       make(chan struct{}),
		logger:       logger.With("agent_id", p.ID),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Codec returns the codec negotiated for this connection.
func (c *Connection) Codec() protocol.Codec {
	return c.codec
}

// Send encodes env and writes it as a single frame. Writes are serialized and
// bounded by the connection's write timeout.
func (c *Connection) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	data, err := c.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", env.Kind(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	if err := c.transport.WriteMessage(ctx, data); err != nil {
		return fmt.Errorf("writing %s to agent %s: %w", env.Kind(), c.ID, err)
	}
	return nil
}

// Close closes the transport with reason. Only the first call has any effect.
func (c *Connection) Close(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.closed)

		text := reason.Text
		if len(text) > closeReasonMaxTextSize {
			text = text[:closeReasonMaxTextSize]
		}
		if err := c.transport.Close(reason.Code, text); err != nil {
			c.logger.Debug("closing transport", "code", reason.Code, "error", err)
		}
	})
}

// Done is closed once Close has been called.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// CloseReason returns the reason passed to the first Close call, if any.
func (c *Connection) CloseReason() (CloseReason, bool) {
	select {
	case <-c.closed:
		return c.reason, true
	default:
		return CloseReason{}, false
	}
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the most recent inbound frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}
