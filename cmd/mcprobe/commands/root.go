// Package commands implements the mcprobe CLI: descriptor management plus
// catalog inspection, tool calls, and live watching against a configured MCP
// server. Command output is JSON on stdout; logs go to stderr.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/probeworks/mcprobe"
	"github.com/probeworks/mcprobe/config"
	"github.com/probeworks/mcprobe/logging"
)

var (
	configPath string
	serverName string
	logLevel   string
	logFormat  string
	timeout    time.Duration

	cfg *config.Config
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mcprobe",
		Short:        "mcprobe - MCP server inspector",
		Long:         "mcprobe inspects Model Context Protocol servers over stdio, TCP, and streamable HTTP.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded

			level := cfg.Log.Level
			if logLevel != "" {
				level = logLevel
			}
			format := cfg.Log.Format
			if logFormat != "" {
				format = logFormat
			}
			slog.SetDefault(logging.New(logging.Config{
				Level:  logging.ParseLevel(level),
				Format: logging.ParseFormat(format),
			}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default ~/.mcprobe/config.json)")
	cmd.PersistentFlags().StringVarP(&serverName, "server", "s", "", "Server name or ID from the config")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log format (text|json)")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Per-request timeout (e.g. 10s)")

	cmd.AddCommand(
		NewServersCmd(),
		NewToolsCmd(),
		NewResourcesCmd(),
		NewPromptsCmd(),
		NewWatchCmd(),
	)

	return cmd
}

// requireServer resolves the --server selection against the loaded config.
func requireServer() (*mcprobe.Server, error) {
	if serverName == "" {
		return nil, errors.New("--server is required")
	}
	return cfg.Find(serverName)
}

func newService() *mcprobe.ConnectionService {
	opts := []mcprobe.ServiceOption{
		mcprobe.WithServiceLogger(slog.Default()),
		mcprobe.WithDefaultRoots(cfg.DefaultRoots),
	}
	if timeout > 0 {
		opts = append(opts, mcprobe.WithServiceCallTimeout(timeout))
	}
	return mcprobe.NewConnectionService(opts...)
}

// withConnection connects to the selected server, runs fn, and disconnects.
func withConnection(cmd *cobra.Command, fn func(ctx context.Context, svc *mcprobe.ConnectionService) error) error {
	server, err := requireServer()
	if err != nil {
		return err
	}

	svc := newService()
	ctx := cmd.Context()
	if err := svc.Connect(ctx, server); err != nil {
		return err
	}
	defer svc.Disconnect()

	return fn(ctx, svc)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
