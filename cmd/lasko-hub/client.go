// ABOUTME: Client subcommands that talk to a running hub over its REST API
// ABOUTME: health, agents (table of connected agents) and call (raw agent call)

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/lasko-hub/internal/agent"
	"github.com/2389/lasko-hub/internal/config"
	"github.com/2389/lasko-hub/internal/gateway"
)

const clientTimeout = 30 * time.Second

// hubClient issues REST requests against one hub.
type hubClient struct {
	base string
	http *http.Client
}

func newHubClient(opts *rootOptions) (*hubClient, error) {
	base := opts.hubURL
	if base == "" {
		cfg, _, err := config.LoadDefault(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		base = baseURLFromAddr(cfg.Server.HTTPAddr)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid hub url %q: %w", base, err)
	}
	return &hubClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: clientTimeout},
	}, nil
}

// baseURLFromAddr turns a listen address into a URL a local client can dial.
func baseURLFromAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// do sends a request and returns the status code and body.
func (c *hubClient) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// apiError extracts the {"error": ...} message from a failed response.
func apiError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("hub returned %d: %s", status, e.Error)
	}
	return fmt.Errorf("hub returned %d: %s", status, strings.TrimSpace(string(body)))
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var ready bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check hub health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newHubClient(opts)
			if err != nil {
				return err
			}
			path := "/health"
			if ready {
				path = "/health/ready"
			}
			status, body, err := client.do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d: %s", status, strings.TrimSpace(string(body)))
			}
			color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "healthy")
			if ready {
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "require the ledger and at least one connected agent")
	return cmd
}

func newAgentsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List connected agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newHubClient(opts)
			if err != nil {
				return err
			}
			status, body, err := client.do(cmd.Context(), http.MethodGet, config.APIRoot+"/agents", nil)
			if err != nil {
				return fmt.Errorf("listing agents: %w", err)
			}
			if status != http.StatusOK {
				return apiError(status, body)
			}
			if asJSON {
				_, err := cmd.OutOrStdout().Write(body)
				return err
			}

			var agents []agent.AgentInfo
			if err := json.Unmarshal(body, &agents); err != nil {
				return fmt.Errorf("decoding agents: %w", err)
			}
			return printAgents(cmd.OutOrStdout(), agents, time.Now())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	return cmd
}

func printAgents(out io.Writer, agents []agent.AgentInfo, now time.Time) error {
	if len(agents) == 0 {
		_, err := fmt.Fprintln(out, "no agents connected")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREMOTE\tCODEC\tCONNECTED\tLAST SEEN")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\n",
			a.ID,
			a.RemoteAddr,
			a.Codec,
			a.ConnectedAt.Local().Format(time.DateTime),
			now.Sub(a.LastSeen).Truncate(time.Second),
		)
	}
	return w.Flush()
}

func newCallCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "call <agent-id> <command> [json-payload]",
		Short: "Send a raw command to one agent and print its reply",
		Example: `  lasko-hub call office-pc get_printer_list
  lasko-hub call office-pc get_printer_status '{"printer_id":"printer1"}'`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := gateway.AgentCallRequest{
				Command:   args[1],
				TimeoutMS: timeout.Milliseconds(),
			}
			if len(args) == 3 {
				if err := json.Unmarshal([]byte(args[2]), &req.Payload); err != nil {
					return fmt.Errorf("payload must be a JSON object: %w", err)
				}
			}

			client, err := newHubClient(opts)
			if err != nil {
				return err
			}
			path := config.APIRoot + "/agents/" + url.PathEscape(args[0]) + "/calls"
			status, body, err := client.do(cmd.Context(), http.MethodPost, path, req)
			if err != nil {
				return fmt.Errorf("calling agent: %w", err)
			}
			if status != http.StatusOK {
				return apiError(status, body)
			}

			var resp gateway.AgentCallResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp.Result)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-call timeout (default from hub config)")
	return cmd
}
