package main

import (
	"github.com/spf13/cobra"
	"github.com/zulandar/pulse/internal/api"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only REST API",
		Long:  "Serves projects, status, events, changes and blockers as JSON under /api.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, host, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&host, "host", "", "override api.host")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override api.port (default 8000)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, host string, port int) error {
	e, err := openEnv(configPath)
	if err != nil {
		return err
	}
	defer e.close()

	if host == "" {
		host = e.cfg.API.Host
	}
	if port == 0 {
		port = e.cfg.API.Port
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	return api.Start(ctx, api.StartOpts{
		Service: e.service(),
		Host:    host,
		Port:    port,
		Out:     cmd.OutOrStdout(),
		Logger:  e.log,
	})
}
