package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/zulandar/pulse/internal/mcpserver"
)

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the Pulse query tools over MCP stdio",
		Long: `Speaks the Model Context Protocol on stdin/stdout, exposing list_projects,
get_pulse, get_events, get_changes and get_blockers as tools.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runMCP(cmd *cobra.Command, configPath string) error {
	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	s := mcpserver.New(e.service(), Version, e.log)
	return mcpserver.Serve(ctx, s, os.Stdin, os.Stdout)
}
