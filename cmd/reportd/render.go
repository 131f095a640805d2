package main

import (
	"github.com/spf13/cobra"

	"github.com/loykin/reportd/internal/render"
)

// createRenderCommand creates the child entry used by the server for every
// report generation. Its exit status carries the outcome.
func createRenderCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "render <input|-> <output>",
		Short:  "Render one recording into an HTML report",
		Hidden: true,
		// Usage errors are reported by render.Main with its own exit status.
		Args:               cobra.ArbitraryArgs,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := render.Main(cmd.Context(), args, cmd.InOrStdin(), cmd.ErrOrStderr()); code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
}
