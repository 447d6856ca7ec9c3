// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, defaults, env var expansion, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "hub.yaml", `
server:
  http_addr: "127.0.0.1:9000"
  agent_addr: "127.0.0.1:9765"
  grpc_addr: "127.0.0.1:9050"
  cors_origins:
    - "https://print.example.com"

database:
  path: "./ledger.db"

agents:
  call_timeout: "5s"
  heartbeat_interval: "15s"
  idle_timeout: "45s"
  write_timeout: "2s"
  broadcast_concurrency: 4
  request_rate: 5
  request_burst: 10
  max_message_bytes: 65536

events:
  nats_url: "nats://127.0.0.1:4222"
  subject_prefix: "plant7"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9000")
	}
	if cfg.Server.AgentAddr != "127.0.0.1:9765" {
		t.Errorf("Server.AgentAddr = %q, want %q", cfg.Server.AgentAddr, "127.0.0.1:9765")
	}
	if cfg.Server.GRPCAddr != "127.0.0.1:9050" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "127.0.0.1:9050")
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://print.example.com" {
		t.Errorf("Server.CORSOrigins = %v, want only the configured origin", cfg.Server.CORSOrigins)
	}
	if cfg.Database.Path != "./ledger.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./ledger.db")
	}

	a := cfg.Agents
	if a.CallTimeout != 5*time.Second {
		t.Errorf("Agents.CallTimeout = %v, want 5s", a.CallTimeout)
	}
	if a.HeartbeatInterval != 15*time.Second {
		t.Errorf("Agents.HeartbeatInterval = %v, want 15s", a.HeartbeatInterval)
	}
	if a.IdleTimeout != 45*time.Second {
		t.Errorf("Agents.IdleTimeout = %v, want 45s", a.IdleTimeout)
	}
	if a.WriteTimeout != 2*time.Second {
		t.Errorf("Agents.WriteTimeout = %v, want 2s", a.WriteTimeout)
	}
	if a.BroadcastConcurrency != 4 || a.RequestRate != 5 || a.RequestBurst != 10 || a.MaxMessageBytes != 65536 {
		t.Errorf("Agents limits = %+v", a)
	}

	if cfg.Events.NATSURL != "nats://127.0.0.1:4222" || cfg.Events.SubjectPrefix != "plant7" {
		t.Errorf("Events = %+v", cfg.Events)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "hub.toml", `
[server]
http_addr = "127.0.0.1:9000"
agent_addr = "127.0.0.1:9765"

[database]
path = "/var/lib/lasko/hub.db"

[agents]
call_timeout = "3s"
broadcast_concurrency = 2

[logging]
level = "warn"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path != "/var/lib/lasko/hub.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Agents.CallTimeout != 3*time.Second {
		t.Errorf("Agents.CallTimeout = %v, want 3s", cfg.Agents.CallTimeout)
	}
	if cfg.Agents.BroadcastConcurrency != 2 {
		t.Errorf("Agents.BroadcastConcurrency = %d, want 2", cfg.Agents.BroadcastConcurrency)
	}
	// Unset values keep their defaults.
	if cfg.Agents.HeartbeatInterval != 30*time.Second {
		t.Errorf("Agents.HeartbeatInterval = %v, want default 30s", cfg.Agents.HeartbeatInterval)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "hub.yaml", `
database:
  path: "./x.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	if cfg.Server.HTTPAddr != want.Server.HTTPAddr || cfg.Server.AgentAddr != want.Server.AgentAddr {
		t.Errorf("Server = %+v, want defaults", cfg.Server)
	}
	if cfg.Agents.CallTimeout != 10*time.Second {
		t.Errorf("Agents.CallTimeout = %v, want 10s", cfg.Agents.CallTimeout)
	}
	if len(cfg.Server.CORSOrigins) != 4 {
		t.Errorf("Server.CORSOrigins = %v, want 4 defaults", cfg.Server.CORSOrigins)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.HTTPAddr != "0.0.0.0:8000" {
		t.Errorf("HTTPAddr = %q, want 0.0.0.0:8000", cfg.Server.HTTPAddr)
	}
	if cfg.Server.AgentAddr != "0.0.0.0:8765" {
		t.Errorf("AgentAddr = %q, want 0.0.0.0:8765", cfg.Server.AgentAddr)
	}
	if cfg.Server.GRPCAddr != "" {
		t.Errorf("GRPCAddr = %q, want empty (disabled)", cfg.Server.GRPCAddr)
	}
	if cfg.Agents.IdleTimeout != 90*time.Second || cfg.Agents.HeartbeatInterval != 30*time.Second {
		t.Errorf("idle/heartbeat = %v/%v, want 90s/30s", cfg.Agents.IdleTimeout, cfg.Agents.HeartbeatInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_TS_AUTH_KEY", "tskey-auth-123")
	t.Setenv("TEST_DB_PATH", "/tmp/expanded.db")

	path := writeConfig(t, "hub.yaml", `
tailscale:
  enabled: true
  hostname: "print-hub"
  auth_key: "${TEST_TS_AUTH_KEY}"

database:
  path: "${TEST_DB_PATH}"

events:
  nats_url: "${TEST_UNSET_NATS_URL}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Tailscale.AuthKey != "tskey-auth-123" {
		t.Errorf("Tailscale.AuthKey = %q, want expanded value", cfg.Tailscale.AuthKey)
	}
	if cfg.Database.Path != "/tmp/expanded.db" {
		t.Errorf("Database.Path = %q, want /tmp/expanded.db", cfg.Database.Path)
	}
	if cfg.Events.NATSURL != "" {
		t.Errorf("Events.NATSURL = %q, want empty for unset variable", cfg.Events.NATSURL)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "invalid duration",
			file:    "hub.yaml",
			content: "agents:\n  call_timeout: \"soon\"\n",
			wantErr: "call_timeout",
		},
		{
			name:    "malformed yaml",
			file:    "hub.yaml",
			content: "server: [unclosed\n",
			wantErr: "parsing config file",
		},
		{
			name:    "malformed toml",
			file:    "hub.toml",
			content: "[server\nhttp_addr = 1\n",
			wantErr: "parsing config file",
		},
		{
			name:    "idle timeout not above heartbeat",
			file:    "hub.yaml",
			content: "agents:\n  heartbeat_interval: \"30s\"\n  idle_timeout: \"30s\"\n",
			wantErr: "idle_timeout",
		},
		{
			name:    "bad listen address",
			file:    "hub.yaml",
			content: "server:\n  http_addr: \"localhost\"\n",
			wantErr: "server.http_addr",
		},
		{
			name:    "tailscale without hostname",
			file:    "hub.yaml",
			content: "tailscale:\n  enabled: true\n  hostname: \"\"\n",
			wantErr: "tailscale.hostname",
		},
		{
			name:    "zero concurrency",
			file:    "hub.yaml",
			content: "agents:\n  broadcast_concurrency: 0\n",
			wantErr: "broadcast_concurrency",
		},
		{
			name:    "unknown log format",
			file:    "hub.yaml",
			content: "logging:\n  format: \"xml\"\n",
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoadDefault(t *testing.T) {
	t.Run("missing default file yields defaults", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "")
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())

		cfg, path, err := LoadDefault("")
		if err != nil {
			t.Fatalf("LoadDefault() error = %v", err)
		}
		if path != "" {
			t.Errorf("path = %q, want empty when defaults are used", path)
		}
		if cfg.Server.HTTPAddr != "0.0.0.0:8000" {
			t.Errorf("HTTPAddr = %q", cfg.Server.HTTPAddr)
		}
	})

	t.Run("xdg default file is used", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv(EnvConfigPath, "")
		t.Setenv("XDG_CONFIG_HOME", dir)
		if err := os.MkdirAll(filepath.Join(dir, "lasko"), 0755); err != nil {
			t.Fatal(err)
		}
		want := filepath.Join(dir, "lasko", "hub.yaml")
		if err := os.WriteFile(want, []byte("logging:\n  level: debug\n"), 0644); err != nil {
			t.Fatal(err)
		}

		cfg, path, err := LoadDefault("")
		if err != nil {
			t.Fatalf("LoadDefault() error = %v", err)
		}
		if path != want {
			t.Errorf("path = %q, want %q", path, want)
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
		}
	})

	t.Run("env var wins over xdg", func(t *testing.T) {
		envPath := writeConfig(t, "env.yaml", "logging:\n  level: warn\n")
		t.Setenv(EnvConfigPath, envPath)
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())

		cfg, path, err := LoadDefault("")
		if err != nil {
			t.Fatalf("LoadDefault() error = %v", err)
		}
		if path != envPath || cfg.Logging.Level != "warn" {
			t.Errorf("got path %q level %q", path, cfg.Logging.Level)
		}
	})

	t.Run("explicit path wins and must exist", func(t *testing.T) {
		t.Setenv(EnvConfigPath, writeConfig(t, "env.yaml", "logging:\n  level: warn\n"))

		_, _, err := LoadDefault(filepath.Join(t.TempDir(), "missing.yaml"))
		if err == nil {
			t.Fatal("LoadDefault() expected error for missing explicit path")
		}
	})
}
