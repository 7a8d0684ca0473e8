package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"forecastcache/internal/bootstrap"
	"forecastcache/internal/errs"
	"forecastcache/internal/transport/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the storage tools over MCP stdio",
	Long:  "Serves get_cached_forecast, upload_forecast, list_forecasts, get_storage_stats, cleanup_expired_forecasts and health_check to a single MCP client on stdin/stdout. Logs go to stderr.",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *bootstrap.App) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := mcpserver.New(app.Coordinator, afero.NewOsFs(), version)
		if err != nil {
			return errs.Wrap(err, "create mcp server")
		}
		if err := srv.RunStdio(ctx); err != nil && ctx.Err() == nil {
			return errs.Wrap(err, "run mcp stdio server")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
