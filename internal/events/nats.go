// ABOUTME: Publishes lifecycle events to NATS for consumers outside the hub
// ABOUTME: Each event goes to <prefix>.<type> as a JSON document

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "lasko.hub"

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
	ConnectWait   time.Duration
}

// NATSPublisher is a Sink that forwards events to a NATS server.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to the server at cfg.URL. The connection keeps
// reconnecting in the background after the first successful dial.
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	name := cfg.Name
	if name == "" {
		name = "lasko-hub"
	}
	wait := cfg.ConnectWait
	if wait <= 0 {
		wait = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(wait),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Debug("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("NATS publisher connected", "url", conn.ConnectedUrl())
	return &NATSPublisher{
		conn:   conn,
		prefix: normalizePrefix(cfg.SubjectPrefix),
		logger: logger,
	}, nil
}

// Subject returns the subject an event of type typ is published on.
func (p *NATSPublisher) Subject(typ Type) string {
	return subjectFor(p.prefix, typ)
}

// Publish implements Sink.
func (p *NATSPublisher) Publish(_ context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publishing %s: %w", e.Type, err)
	}
	return nil
}

// Close flushes buffered events and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
		p.logger.Debug("flushing NATS before close", "error", err)
	}
	p.conn.Close()
	return nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return DefaultSubjectPrefix
	}
	return prefix
}

func subjectFor(prefix string, typ Type) string {
	return prefix + "." + string(typ)
}
