package commands

import (
	"context"
	"fmt"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/probeworks/mcprobe"
)

// NewResourcesCmd creates the resources command group.
func NewResourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Inspect and read resources on a server",
	}
	cmd.AddCommand(
		newResourcesListCmd(),
		newResourcesTemplatesCmd(),
		newResourcesReadCmd(),
	)
	return cmd
}

func newResourcesListCmd() *cobra.Command {
	var match string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the server's resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnection(cmd, func(ctx context.Context, svc *mcprobe.ConnectionService) error {
				resources, err := svc.ListResources(ctx)
				if err != nil {
					return err
				}
				if match != "" {
					g, err := glob.Compile(match)
					if err != nil {
						return fmt.Errorf("failed to compile --match pattern: %w", err)
					}
					filtered := make([]mcprobe.Resource, 0, len(resources))
					for _, r := range resources {
						if g.Match(r.Name) || g.Match(r.URI) {
							filtered = append(filtered, r)
						}
					}
					resources = filtered
				}
				return printJSON(resources)
			})
		},
	}

	cmd.Flags().StringVar(&match, "match", "", "Only list resources whose name or URI matches this glob")
	return cmd
}

func newResourcesTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the server's resource templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnection(cmd, func(ctx context.Context, svc *mcprobe.ConnectionService) error {
				templates, err := svc.ListResourceTemplates(ctx)
				if err != nil {
					return err
				}
				return printJSON(templates)
			})
		},
	}
}

func newResourcesReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read URI",
		Short: "Read a resource by URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnection(cmd, func(ctx context.Context, svc *mcprobe.ConnectionService) error {
				result, err := svc.ReadResource(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
}
