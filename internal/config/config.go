// ABOUTME: Configuration loading and parsing for lasko-hub
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that points at the config file.
const EnvConfigPath = "LASKO_CONFIG"

// APIRoot is the prefix of every REST route.
const APIRoot = "/api/v1"

// Config represents the complete lasko-hub configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	HTTPAddr    string   `yaml:"http_addr" toml:"http_addr"`
	AgentAddr   string   `yaml:"agent_addr" toml:"agent_addr"`
	GRPCAddr    string   `yaml:"grpc_addr" toml:"grpc_addr"` // optional health endpoint
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve the REST API with the tailnet certificate
}

// DatabaseConfig holds ledger database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AgentsConfig holds agent connection and call settings
type AgentsConfig struct {
	CallTimeout          time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval    time.Duration `yaml:"-" toml:"-"`
	IdleTimeout          time.Duration `yaml:"-" toml:"-"`
	WriteTimeout         time.Duration `yaml:"-" toml:"-"`
	BroadcastConcurrency int           `yaml:"broadcast_concurrency" toml:"broadcast_concurrency"`
	RequestRate          float64       `yaml:"request_rate" toml:"request_rate"` // inbound requests per second per agent
	RequestBurst         int           `yaml:"request_burst" toml:"request_burst"`
	MaxMessageBytes      int64         `yaml:"max_message_bytes" toml:"max_message_bytes"`

	// Raw string values for unmarshaling
	CallTimeoutRaw       string `yaml:"call_timeout" toml:"call_timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	IdleTimeoutRaw       string `yaml:"idle_timeout" toml:"idle_timeout"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`
}

// EventsConfig holds lifecycle event publishing configuration
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url" toml:"nats_url"` // empty disables NATS
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "text" or "json"
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			HTTPAddr:  "0.0.0.0:8000",
			AgentAddr: "0.0.0.0:8765",
			CORSOrigins: []string{
				"http://localhost",
				"http://localhost:8080",
				"https://localhost",
				"https://localhost:8080",
			},
		},
		Tailscale: TailscaleConfig{
			Hostname: "lasko-hub",
		},
		Database: DatabaseConfig{
			Path: defaultDatabasePath(),
		},
		Agents: AgentsConfig{
			CallTimeout:          10 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			IdleTimeout:          90 * time.Second,
			WriteTimeout:         10 * time.Second,
			BroadcastConcurrency: 16,
			RequestRate:          20,
			RequestBurst:         40,
			MaxMessageBytes:      1 << 20,
		},
		Events: EventsConfig{
			SubjectPrefix: "lasko.hub",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Settings absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadDefault resolves the config path (explicit path, then $LASKO_CONFIG, then
// the XDG default) and loads it. A missing file at the XDG default location is
// not an error: built-in defaults are returned instead.
func LoadDefault(explicit string) (*Config, string, error) {
	if explicit != "" {
		cfg, err := Load(explicit)
		return cfg, explicit, err
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		cfg, err := Load(env)
		return cfg, env, err
	}

	path := DefaultPath()
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		if err := cfg.Validate(); err != nil {
			return nil, "", err
		}
		return cfg, "", nil
	}
	return cfg, path, err
}

// DefaultPath returns $XDG_CONFIG_HOME/lasko/hub.yaml.
func DefaultPath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "lasko", "hub.yaml")
}

func defaultDatabasePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "lasko", "hub.db")
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, fallback)
	}
	return fallback
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
		if c.Server.AgentAddr == "" {
			return fmt.Errorf("server.agent_addr is required (or enable tailscale)")
		}
		for name, addr := range map[string]string{
			"server.http_addr":  c.Server.HTTPAddr,
			"server.agent_addr": c.Server.AgentAddr,
		} {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("%s %q: %w", name, addr, err)
			}
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	a := c.Agents
	switch {
	case a.CallTimeout <= 0:
		return fmt.Errorf("agents.call_timeout must be positive")
	case a.HeartbeatInterval <= 0:
		return fmt.Errorf("agents.heartbeat_interval must be positive")
	case a.IdleTimeout <= a.HeartbeatInterval:
		return fmt.Errorf("agents.idle_timeout (%s) must exceed agents.heartbeat_interval (%s)", a.IdleTimeout, a.HeartbeatInterval)
	case a.WriteTimeout <= 0:
		return fmt.Errorf("agents.write_timeout must be positive")
	case a.BroadcastConcurrency < 1:
		return fmt.Errorf("agents.broadcast_concurrency must be at least 1")
	case a.RequestRate < 0:
		return fmt.Errorf("agents.request_rate must not be negative")
	case a.RequestRate > 0 && a.RequestBurst < 1:
		return fmt.Errorf("agents.request_burst must be at least 1 when request_rate is set")
	case a.MaxMessageBytes < 1024:
		return fmt.Errorf("agents.max_message_bytes must be at least 1024")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"call_timeout", cfg.Agents.CallTimeoutRaw, &cfg.Agents.CallTimeout},
		{"heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"idle_timeout", cfg.Agents.IdleTimeoutRaw, &cfg.Agents.IdleTimeout},
		{"write_timeout", cfg.Agents.WriteTimeoutRaw, &cfg.Agents.WriteTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
