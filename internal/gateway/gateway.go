// ABOUTME: Main hub orchestrator that wires the registry, call table, ledger and servers
// ABOUTME: Owns the REST, agent websocket and gRPC health servers and their shutdown order

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/lasko-hub/internal/agent"
	"github.com/2389/lasko-hub/internal/config"
	"github.com/2389/lasko-hub/internal/events"
	"github.com/2389/lasko-hub/internal/instructions"
	"github.com/2389/lasko-hub/internal/rpc"
	"github.com/2389/lasko-hub/internal/store"
)

// Gateway is the print-agent hub: it accepts agent websockets, correlates
// calls to them, and serves the REST API on top.
type Gateway struct {
	config      *config.Config
	agents      *agent.Manager
	table       *rpc.Table
	dispatcher  *instructions.Dispatcher
	store       *store.SQLiteStore
	broadcaster *events.Broadcaster
	nats        *events.NATSPublisher
	events      events.Sink
	locator     *Locator
	upgrader    websocket.Upgrader

	httpServer  *http.Server
	agentServer *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// streams is cancelled when the REST server shuts down so SSE handlers return.
	streams       context.Context
	cancelStreams context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the SQLite ledger, creating its directory if needed.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	path := cfg.Database.Path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}
	s, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// initEvents builds the lifecycle event fan-out. NATS is only dialled when configured.
func initEvents(cfg *config.Config, s store.Store, logger *slog.Logger) (*events.Broadcaster, *events.NATSPublisher, events.Sink, error) {
	broadcaster := events.NewBroadcaster(logger.With("component", "broadcaster"))

	var natsPub *events.NATSPublisher
	if cfg.Events.NATSURL != "" {
		pub, err := events.NewNATSPublisher(events.NATSConfig{
			URL:           cfg.Events.NATSURL,
			SubjectPrefix: cfg.Events.SubjectPrefix,
			Name:          "lasko-hub",
		}, logger)
		if err != nil {
			_ = broadcaster.Close()
			return nil, nil, nil, err
		}
		natsPub = pub
	}

	sinks := []events.Sink{broadcaster, events.StoreSink{Store: s}}
	if natsPub != nil {
		sinks = append(sinks, natsPub)
	}
	return broadcaster, natsPub, events.NewFanout(logger, sinks...), nil
}

// createGRPCServer builds the gRPC server that carries the health service.
func createGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	return server, registerHealth(server)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	broadcaster, natsPub, sink, err := initEvents(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	agentMgr := agent.NewManager(logger)
	table := rpc.NewTable(rpc.Config{
		Agents:               agentMgr,
		Logger:               logger,
		Timeout:              cfg.Agents.CallTimeout,
		BroadcastConcurrency: cfg.Agents.BroadcastConcurrency,
		Recorder:             s,
	})

	streams, cancelStreams := context.WithCancel(context.Background())
	gw := &Gateway{
		config:        cfg,
		agents:        agentMgr,
		table:         table,
		dispatcher:    instructions.NewDispatcher(nil, logger),
		store:         s,
		broadcaster:   broadcaster,
		nats:          natsPub,
		events:        sink,
		locator:       NewLocator(table),
		logger:        logger.With("component", "gateway"),
		streams:       streams,
		cancelStreams: cancelStreams,
	}
	gw.upgrader = websocket.Upgrader{
		Subprotocols:    subprotocols(),
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Agents are not browsers; there is no origin to check.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.health = createGRPCServer()
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.APIHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	gw.httpServer.RegisterOnShutdown(cancelStreams)

	gw.agentServer = &http.Server{
		Addr:              cfg.Server.AgentAddr,
		Handler:           gw.AgentHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Agents returns the connection registry.
func (g *Gateway) Agents() *agent.Manager {
	return g.agents
}

// Table returns the call correlation table.
func (g *Gateway) Table() *rpc.Table {
	return g.table
}

// listeners bundles the sockets Run serves on. grpc is nil when disabled.
type listeners struct {
	http  net.Listener
	agent net.Listener
	grpc  net.Listener
}

func (l *listeners) close() {
	for _, ln := range []net.Listener{l.http, l.agent, l.grpc} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// setupTCPListeners creates standard TCP listeners for every configured server.
func (g *Gateway) setupTCPListeners() (*listeners, error) {
	g.logger.Info("starting hub",
		"http_addr", g.config.Server.HTTPAddr,
		"agent_addr", g.config.Server.AgentAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	ls := &listeners{}
	var err error
	if ls.http, err = net.Listen("tcp", g.config.Server.HTTPAddr); err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if ls.agent, err = net.Listen("tcp", g.config.Server.AgentAddr); err != nil {
		ls.close()
		return nil, fmt.Errorf("listening on agent address: %w", err)
	}
	if g.grpcServer != nil {
		if ls.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr); err != nil {
			ls.close()
			return nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return ls, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (*listeners, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts the hub servers and blocks until the context is canceled or a
// server fails, then shuts everything down. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		g.logger.Info("HTTP API listening", "addr", ls.http.Addr().String(), "root", config.APIRoot)
		if err := g.httpServer.Serve(ls.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		g.logger.Info("agent endpoint listening", "addr", ls.agent.Addr().String())
		if err := g.agentServer.Serve(ls.agent); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("agent server: %w", err)
		}
		return nil
	})

	if ls.grpc != nil {
		group.Go(func() error {
			g.logger.Info("gRPC health listening", "addr", ls.grpc.Addr().String())
			if err := g.grpcServer.Serve(ls.grpc); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return group.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled when this is called.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "lasko", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// tailnetPort returns ":port" taken from addr, or fallback when addr has none.
func tailnetPort(addr, fallback string) string {
	if _, port, err := net.SplitHostPort(addr); err == nil && port != "" {
		return ":" + port
	}
	return fallback
}

// setupTailscaleListeners starts a tsnet node and listens on the tailnet only.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (*listeners, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ls := &listeners{}
	fail := func(what string, err error) (*listeners, error) {
		ls.close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale %s port: %w", what, err)
	}

	if ls.agent, err = g.tsnetServer.Listen("tcp", tailnetPort(g.config.Server.AgentAddr, ":8765")); err != nil {
		return fail("agent", err)
	}
	if g.grpcServer != nil {
		if ls.grpc, err = g.tsnetServer.Listen("tcp", tailnetPort(g.config.Server.GRPCAddr, ":50051")); err != nil {
			return fail("gRPC", err)
		}
	}
	if ls.http, err = g.createTailscaleHTTPListener(tsCfg); err != nil {
		return fail("HTTP", err)
	}
	return ls, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener listens on :80, or :443 with the tailnet certificate.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	if !tsCfg.HTTPS {
		return g.tsnetServer.Listen("tcp", ":80")
	}

	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, err
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the hub: pending calls first so REST handlers waiting on
// agents return 503 at once, then REST, then agents and their sessions, then
// everything else. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down hub")

	if n := g.table.PendingCount(); n > 0 {
		g.logger.Info("failing pending calls", "count", n)
	}
	g.table.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.cancelStreams()
	errs = appendCloseError(errs, "agent listener shutdown", g.agentServer.Shutdown(ctx))
	errs = appendCloseError(errs, "agent sessions", g.agents.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "broadcaster close", g.broadcaster.Close())
	if g.nats != nil {
		errs = appendCloseError(errs, "nats close", g.nats.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// publish sends a lifecycle event to every sink. Failures are logged by the fan-out.
func (g *Gateway) publish(e *events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = g.events.Publish(ctx, e)
}
