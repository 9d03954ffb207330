package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/probeworks/mcprobe"
)

// NewPromptsCmd creates the prompts command group.
func NewPromptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Inspect and render prompts on a server",
	}
	cmd.AddCommand(
		newPromptsListCmd(),
		newPromptsGetCmd(),
	)
	return cmd
}

func newPromptsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the server's prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnection(cmd, func(ctx context.Context, svc *mcprobe.ConnectionService) error {
				prompts, err := svc.ListPrompts(ctx)
				if err != nil {
					return err
				}
				return printJSON(prompts)
			})
		},
	}
}

func newPromptsGetCmd() *cobra.Command {
	var rawArgs string

	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Render a prompt with JSON arguments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			promptArgs := map[string]string{}
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &promptArgs); err != nil {
					return fmt.Errorf("failed to parse --args: %w", err)
				}
			}

			return withConnection(cmd, func(ctx context.Context, svc *mcprobe.ConnectionService) error {
				result, err := svc.GetPrompt(ctx, args[0], promptArgs)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}

	cmd.Flags().StringVar(&rawArgs, "args", "", "Prompt arguments as a JSON object of strings")
	return cmd
}
