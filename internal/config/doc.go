// Package config handles configuration loading for lasko-hub.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Anything the file leaves out keeps its built-in default, so an
// empty file (or no file at all) yields a working hub.
//
// # Configuration File
//
// Locations (first match wins):
//
//  1. The --config flag
//  2. Path from the LASKO_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/lasko/hub.yaml (defaults are used if it does not exist)
//
// A path ending in .toml is parsed as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  call_timeout: "10s"
//	  heartbeat_interval: "30s"
//	  idle_timeout: "90s"
//	  write_timeout: "10s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8000"     # REST API under /api/v1
//	  agent_addr: "0.0.0.0:8765"    # agent websockets
//	  grpc_addr: ""                 # optional gRPC health service
//	  cors_origins: ["http://localhost"]
//
//	tailscale:
//	  enabled: false                # listen only on the tailnet
//	  hostname: "lasko-hub"
//	  state_dir: ""
//	  ephemeral: false
//	  https: false
//
//	database:
//	  path: "~/.local/share/lasko/hub.db"
//
//	agents:
//	  broadcast_concurrency: 16
//	  request_rate: 20              # inbound requests/second per agent, 0 disables
//	  request_burst: 40
//	  max_message_bytes: 1048576
//
//	events:
//	  nats_url: ""                  # empty disables NATS publishing
//	  subject_prefix: "lasko.hub"
//
//	logging:
//	  level: "info"                 # debug, info, warn, error
//	  format: "text"                # text or json
package config
