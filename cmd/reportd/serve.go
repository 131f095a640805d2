package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/reportd"
)

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Listen string
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the report server",
		Long: `Start the report server. Configuration is read from the TOML file given
by --config or as an argument, then overridden by REPORTD_* environment variables.

Examples:
  reportd serve --config=reportd.toml
  reportd serve reportd.toml --listen=:9090
  REPORTD_REPORTS_CONCURRENCY=2 reportd serve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd, path, serveFlags)
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "override server.listen")
	return cmd
}

func runServe(cmd *cobra.Command, path string, flags *ServeFlags) error {
	cfg, err := reportd.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}
	svc, err := reportd.New(cfg, reportd.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			svc.Logger().Warn("Shutdown incomplete", "error", cerr)
		}
	}()
	if err := svc.Run(cmd.Context()); err != nil {
		return err
	}
	svc.Logger().Info("Report server stopped")
	return nil
}
