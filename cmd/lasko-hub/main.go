// ABOUTME: Entry point for the lasko-hub print agent server
// ABOUTME: Cobra command tree: serve, health, agents, call and version

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/lasko-hub/internal/config"
	"github.com/2389/lasko-hub/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _           _                 _           _
 | | __ _ ___| | _____         | |__  _   _| |__
 | |/ _' / __| |/ / _ \ _____  | '_ \| | | | '_ \
 | | (_| \__ \   < (_) |_____| | | | | |_| | |_) |
 |_|\__,_|___/_|\_\___/        |_| |_|\__,_|_.__/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
	hubURL     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "lasko-hub",
		Short:         "Hub for remote print agents",
		Long:          "lasko-hub keeps persistent websocket connections to print agents and exposes their printers through a REST API.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+" or ~/.config/lasko/hub.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.hubURL, "url", "", "hub REST base URL for client commands (default from config http_addr)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newHealthCmd(opts),
		newAgentsCmd(opts),
		newCallCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the hub server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, configPath, err := config.LoadDefault(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if configPath == "" {
		configPath = "(built-in defaults)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s%s\n", cfg.Server.HTTPAddr, config.APIRoot)
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %s\n", cfg.Server.AgentAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Events.NATSURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("NATS:      %s ", cfg.Events.NATSURL)
		gray.Printf("(%s.>)\n", cfg.Events.SubjectPrefix)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting lasko-hub",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"agent_addr", cfg.Server.AgentAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
