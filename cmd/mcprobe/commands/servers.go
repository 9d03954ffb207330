package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/probeworks/mcprobe"
	"github.com/probeworks/mcprobe/config"
)

// NewServersCmd creates the servers command group.
func NewServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage configured MCP servers",
	}
	cmd.AddCommand(
		newServersListCmd(),
		newServersAddCmd(),
		newServersRemoveCmd(),
		newServersStatusCmd(),
	)
	return cmd
}

func newServersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			type entry struct {
				ID        string            `json:"id"`
				Name      string            `json:"name"`
				Transport mcprobe.Transport `json:"transport"`
				Address   string            `json:"address"`
			}
			entries := make([]entry, 0, len(cfg.Servers))
			for i := range cfg.Servers {
				s := &cfg.Servers[i]
				entries = append(entries, entry{
					ID:        s.ID,
					Name:      s.Name,
					Transport: s.Transport,
					Address:   s.Address(),
				})
			}
			return printJSON(entries)
		},
	}
}

func newServersAddCmd() *cobra.Command {
	var (
		transport string
		command   string
		cmdArgs   []string
		env       map[string]string
		host      string
		port      int
		url       string
		headers   map[string]string
		roots     []string
		noToast   bool
	)

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a server to the config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := mcprobe.Server{
				Name:               args[0],
				Transport:          mcprobe.Transport(transport),
				Command:            command,
				Args:               cmdArgs,
				Env:                env,
				Host:               host,
				Port:               port,
				URL:                url,
				Headers:            headers,
				Roots:              roots,
				ToastNotifications: !noToast,
			}

			added, err := cfg.Add(server)
			if err != nil {
				return err
			}
			if err := config.Save(cfg, configPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			return printJSON(added)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport kind (stdio|tcp|http)")
	cmd.Flags().StringVar(&command, "command", "", "Command to spawn (stdio)")
	cmd.Flags().StringSliceVar(&cmdArgs, "args", nil, "Command arguments (stdio)")
	cmd.Flags().StringToStringVar(&env, "env", nil, "Extra environment KEY=VALUE pairs (stdio)")
	cmd.Flags().StringVar(&host, "host", "", "Server host (tcp)")
	cmd.Flags().IntVar(&port, "port", 0, "Server port (tcp)")
	cmd.Flags().StringVar(&url, "url", "", "Endpoint URL (http)")
	cmd.Flags().StringToStringVar(&headers, "header", nil, "Extra HTTP headers KEY=VALUE (http)")
	cmd.Flags().StringArrayVar(&roots, "root", nil, "Filesystem root offered to the server (repeatable)")
	cmd.Flags().BoolVar(&noToast, "no-toast", false, "Disable toast notifications for this server")

	return cmd
}

func newServersRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a server from the config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cfg.Remove(args[0]) {
				return fmt.Errorf("server %q not found", args[0])
			}
			if err := config.Save(cfg, configPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			return nil
		},
	}
}

func newServersStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status NAME",
		Short: "Connect to a server and report its identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := cfg.Find(args[0])
			if err != nil {
				return err
			}

			svc := newService()
			ctx := cmd.Context()
			if err := svc.Connect(ctx, server); err != nil {
				return printJSON(map[string]any{
					"name":  server.Name,
					"state": server.State,
					"error": server.Error,
				})
			}
			defer svc.Disconnect()

			if err := svc.Ping(ctx); err != nil {
				return fmt.Errorf("failed to ping server: %w", err)
			}

			return printJSON(map[string]any{
				"name":             server.Name,
				"state":            server.State,
				"protocol_version": server.Info.ProtocolVersion,
				"server_name":      server.Info.Name,
				"server_version":   server.Info.Version,
				"last_connected":   server.LastConnected,
			})
		},
	}
}
