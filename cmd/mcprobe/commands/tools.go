package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/cobra"

	"github.com/probeworks/mcprobe"
)

// NewToolsCmd creates the tools command group.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and call tools on a server",
	}
	cmd.AddCommand(
		newToolsListCmd(),
		newToolsCallCmd(),
	)
	return cmd
}

func newToolsListCmd() *cobra.Command {
	var match string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the server's tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnection(cmd, func(ctx context.Context, svc *mcprobe.ConnectionService) error {
				tools, err := svc.ListTools(ctx)
				if err != nil {
					return err
				}
				tools, err = filterTools(tools, match)
				if err != nil {
					return err
				}
				return printJSON(tools)
			})
		},
	}

	cmd.Flags().StringVar(&match, "match", "", "Only list tools whose name matches this glob")
	return cmd
}

func newToolsCallCmd() *cobra.Command {
	var (
		rawArgs    string
		noValidate bool
	)

	cmd := &cobra.Command{
		Use:   "call NAME",
		Short: "Call a tool with JSON arguments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			toolArgs := map[string]any{}
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
					return fmt.Errorf("failed to parse --args: %w", err)
				}
			}

			return withConnection(cmd, func(ctx context.Context, svc *mcprobe.ConnectionService) error {
				if !noValidate {
					if err := validateToolArgs(ctx, svc, name, toolArgs); err != nil {
						return err
					}
				}

				result, err := svc.CallTool(ctx, name, toolArgs)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}

	cmd.Flags().StringVar(&rawArgs, "args", "", "Tool arguments as a JSON object")
	cmd.Flags().BoolVar(&noValidate, "no-validate", false, "Skip argument validation against the tool's input schema")
	return cmd
}

func filterTools(tools []mcprobe.Tool, match string) ([]mcprobe.Tool, error) {
	if match == "" {
		return tools, nil
	}
	g, err := glob.Compile(match)
	if err != nil {
		return nil, fmt.Errorf("failed to compile --match pattern: %w", err)
	}
	filtered := make([]mcprobe.Tool, 0, len(tools))
	for _, t := range tools {
		if g.Match(t.Name) {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// validateToolArgs fetches the tool's declared input schema and checks the
// arguments against it before anything goes over the wire. A tool the server
// does not list passes through; the call itself reports the real error.
func validateToolArgs(ctx context.Context, svc *mcprobe.ConnectionService, name string, args map[string]any) error {
	tools, err := svc.ListTools(ctx)
	if err != nil {
		return err
	}

	var tool *mcprobe.Tool
	for i := range tools {
		if tools[i].Name == name {
			tool = &tools[i]
			break
		}
	}
	if tool == nil {
		return nil
	}

	schema, err := compileInputSchema(tool.InputSchema)
	if err != nil {
		return fmt.Errorf("failed to compile input schema for tool %q: %w", name, err)
	}

	// Round-trip through JSON so the instance carries the types the
	// validator expects.
	bs, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments: %w", err)
	}
	var instance any
	if err := json.Unmarshal(bs, &instance); err != nil {
		return fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("arguments rejected by tool %q input schema: %w", name, err)
	}
	return nil
}

func compileInputSchema(s mcprobe.ToolInputSchema) (*jsonschema.Schema, error) {
	bs, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("schema.json", strings.NewReader(string(bs))); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	return compiler.Compile("schema.json")
}
